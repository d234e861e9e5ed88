package perp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// Ledger credit and debit reasons. Every close of a position, by its owner or
// by liquidation, is credited under ReasonSettlement so it is paid at most once.
const (
	ReasonOpen       = "position_open"
	ReasonSettlement = "position_settlement"
	ReasonOpenRevert = "position_open_revert"
)

// Close reasons carried by logs and position_closed events
const (
	ReasonClose       = "position_close"
	ReasonLiquidation = "position_liquidation"
)

// Config configures the engine
type Config struct {
	Funding *FundingConfig

	// Per-call timeouts for the blocking collaborators
	LedgerTimeout time.Duration
	FeedTimeout   time.Duration

	// Debit the collateral from the ledger on open. When false the caller is
	// trusted to have debited it already.
	DebitOnOpen bool
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		Funding:       DefaultFundingConfig(),
		LedgerTimeout: 5 * time.Second,
		FeedTimeout:   2 * time.Second,
		DebitOnOpen:   true,
	}
}

// Engine is the entry point for opening, marking, funding and closing positions
type Engine struct {
	config   *Config
	registry *Registry
	store    *Store
	funding  *FundingEngine

	ledger   Ledger
	fees     FeePolicy
	feed     PriceFeed
	events   EventSink
	recorder Recorder
	logger   log.Logger
	clock    func() time.Time
}

// Option customizes an Engine
type Option func(*Engine)

// WithFeePolicy sets the fee policy. The default charges the market taker fee.
func WithFeePolicy(fees FeePolicy) Option {
	return func(e *Engine) { e.fees = fees }
}

// WithPriceFeed sets the feed used to price closes. Without one the last
// marked market price is used.
func WithPriceFeed(feed PriceFeed) Option {
	return func(e *Engine) { e.feed = feed }
}

// WithEventSink sets the sink for committed lifecycle events
func WithEventSink(events EventSink) Option {
	return func(e *Engine) { e.events = events }
}

// WithRecorder sets the metrics recorder
func WithRecorder(recorder Recorder) Option {
	return func(e *Engine) { e.recorder = recorder }
}

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides time.Now
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates a new engine
func NewEngine(config *Config, registry *Registry, store *Store, ledger Ledger, opts ...Option) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Funding == nil {
		config.Funding = DefaultFundingConfig()
	}

	e := &Engine{
		config:   config,
		registry: registry,
		store:    store,
		ledger:   ledger,
		recorder: nopRecorder{},
		logger:   log.Root().New("module", "perp"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.funding = NewFundingEngine(registry, store, config.Funding)
	e.funding.events = e.events
	e.funding.recorder = e.recorder
	e.funding.logger = e.logger.New("component", "funding")

	registry.OnHalt(e.onMarketHalted)
	return e
}

// Registry returns the market registry
func (e *Engine) Registry() *Registry { return e.registry }

// Store returns the position store
func (e *Engine) Store() *Store { return e.store }

// Funding returns the funding engine
func (e *Engine) Funding() *FundingEngine { return e.funding }

// Restore loads persisted state, registers configured markets that are not
// yet known, applies configured limits and fees to known ones and rebuilds the
// aggregates from the open positions. Persisted market totals are
// informational; positions are authoritative.
func (e *Engine) Restore(configs []MarketConfig) error {
	persisted, err := e.store.Load()
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(persisted))
	for _, m := range persisted {
		e.registry.restore(m)
		known[m.Symbol] = true
	}
	for _, cfg := range configs {
		if known[cfg.Symbol] {
			changed, err := e.registry.Reconfigure(cfg)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			e.logger.Warn("Market limits changed by configuration", "symbol", cfg.Symbol,
				"maxLeverage", cfg.MaxLeverage.String(),
				"maintenanceMarginRate", cfg.MaintenanceMarginRate.String(),
				"takerFee", cfg.TakerFee.String(),
				"minOrderSize", cfg.MinOrderSize.String())
		} else if err := e.registry.Register(cfg); err != nil {
			return err
		}
		if err := e.registry.commit(cfg.Symbol, e.store.SaveMarket); err != nil {
			return fmt.Errorf("save market %s: %w", cfg.Symbol, err)
		}
	}

	for _, symbol := range e.registry.Symbols() {
		for _, p := range e.store.OpenBySymbol(symbol) {
			if err := e.registry.RecordOpen(symbol, p.Side, p.Size, p.Collateral); err != nil {
				return err
			}
		}
		if err := e.VerifyMarket(symbol); err != nil {
			return err
		}
	}

	e.logger.Info("Engine state restored", "markets", len(e.registry.Symbols()), "persisted", len(persisted))
	return nil
}

// Open creates a position at the market's current mark price
func (e *Engine) Open(ctx context.Context, ownerID, symbol string, side Side, size, leverage decimal.Decimal) (*Position, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	m, err := e.registry.Validate(symbol, size, leverage)
	if err != nil {
		return nil, err
	}
	if !m.CurrentPrice.IsPositive() {
		return nil, fmt.Errorf("%w: %s has no mark price", ErrInvalidPrice, symbol)
	}

	p := NewPosition(uuid.NewString(), ownerID, m, side, size, leverage, e.clock(), e.config.Funding.Interval)

	if e.config.DebitOnOpen {
		if err := e.debit(ctx, p.OwnerID, p.Collateral, ReasonOpen, p.ID); err != nil {
			return nil, err
		}
	}

	if err := e.registry.RecordOpen(symbol, side, p.Size, p.Collateral); err != nil {
		e.revertDebit(ctx, p)
		return nil, err
	}
	err = e.registry.commit(symbol, func(m Market) error { return e.store.SaveOpen(p, m) })
	if err != nil {
		// Not visible yet: undo the aggregate and the debit
		_ = e.registry.RecordClose(symbol, side, p.Size, p.Collateral)
		e.revertDebit(ctx, p)
		e.recorder.CollaboratorFailure("store")
		return nil, retriable("open", ErrStoreUnavailable, err)
	}

	e.logger.Info("Position opened",
		"position", p.ID,
		"owner", p.OwnerID,
		"symbol", symbol,
		"side", side,
		"size", p.Size.String(),
		"leverage", p.Leverage.String(),
		"entry", p.EntryPrice.String(),
		"liquidation", p.LiquidationPrice.String())
	e.recorder.PositionOpened(symbol, side.String())
	e.publish(ctx, Event{Type: EventPositionOpened, Symbol: symbol, Position: p.Clone(), Timestamp: p.OpenedAt})

	return p, nil
}

// Close settles an owner's position at the current price and credits the net
// settlement to the ledger. A second close fails with ErrAlreadyClosed.
func (e *Engine) Close(ctx context.Context, ownerID, positionID string) (*Settlement, error) {
	unlock := e.store.Lock(positionID)
	defer unlock()

	p, err := e.store.Get(positionID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, positionID)
	}
	if !p.IsOpen() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, positionID)
	}
	return e.closeLocked(ctx, p, ReasonClose)
}

// Mark updates the market price and revalues its open positions. Positions
// locked by an in-flight close or funding sweep are skipped; they are
// revalued by that operation.
func (e *Engine) Mark(ctx context.Context, symbol string, price decimal.Decimal) error {
	m, err := e.registry.Get(symbol)
	if err != nil {
		return err
	}
	if m.Halted {
		return fmt.Errorf("%w: %s", ErrMarketHalted, symbol)
	}
	if err := e.registry.SetPrice(symbol, price); err != nil {
		return err
	}

	if err := e.registry.commit(symbol, e.store.SaveMarket); err != nil {
		e.logger.Warn("Failed to persist mark price", "symbol", symbol, "error", err)
	}
	m, _ = e.registry.Get(symbol)

	for _, snapshot := range e.store.OpenBySymbol(symbol) {
		unlock, ok := e.store.TryLock(snapshot.ID)
		if !ok {
			continue
		}
		if p, err := e.store.Get(snapshot.ID); err == nil && p.IsOpen() {
			p.Mark(price)
			e.store.replaceMark(p)
		}
		unlock()
	}

	openInterest := m.TotalLongSize.Add(m.TotalShortSize).Mul(price)
	e.recorder.MarketMarked(symbol, price.InexactFloat64(), openInterest.InexactFloat64())
	return nil
}

// TickFunding applies funding for the current epoch of symbol
func (e *Engine) TickFunding(ctx context.Context, symbol string) (*FundingSettlement, error) {
	record, _, err := e.funding.Tick(ctx, symbol, e.clock())
	return record, err
}

// TickFundingAt applies funding for the epoch containing at. The bool result
// is false when the epoch had already been applied.
func (e *Engine) TickFundingAt(ctx context.Context, symbol string, at time.Time) (*FundingSettlement, bool, error) {
	return e.funding.Tick(ctx, symbol, at)
}

// GetPosition returns a copy of a position
func (e *Engine) GetPosition(id string) (*Position, error) {
	return e.store.Get(id)
}

// OpenPositions returns an owner's open positions on symbol
func (e *Engine) OpenPositions(ownerID, symbol string) []*Position {
	return e.store.OpenPositions(ownerID, symbol)
}

// Market returns a market snapshot
func (e *Engine) Market(symbol string) (Market, error) {
	return e.registry.Get(symbol)
}

// Markets returns snapshots of all markets
func (e *Engine) Markets() []Market {
	symbols := e.registry.Symbols()
	out := make([]Market, 0, len(symbols))
	for _, s := range symbols {
		if m, err := e.registry.Get(s); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// VerifyMarket checks the aggregate invariant of a market against its open positions
func (e *Engine) VerifyMarket(symbol string) error {
	return e.registry.Verify(symbol, e.store.OpenBySymbol(symbol))
}

func (e *Engine) closeLocked(ctx context.Context, p *Position, reason string) (*Settlement, error) {
	start := e.clock()

	m, err := e.registry.Get(p.Symbol)
	if err != nil {
		return nil, err
	}
	if m.Halted {
		return nil, fmt.Errorf("%w: %s", ErrMarketHalted, p.Symbol)
	}

	var (
		work       *Position
		settlement Settlement
	)
	if pending, ok := e.store.pendingClose(p.ID); ok {
		// Already paid: commit the same settlement
		work, settlement, reason = pending.position, pending.settlement, pending.reason
	} else {
		price, err := e.exitPrice(ctx, m)
		if err != nil {
			return nil, err
		}
		if reason == ReasonLiquidation && !p.IsLiquidatable(price) {
			return nil, fmt.Errorf("%w: %s at %s (liquidation %s)", ErrNotLiquidatable, p.ID, price, p.LiquidationPrice)
		}

		work = p.Clone()
		work.close(price, e.clock())
		settlement = Settle(work, e.feePolicy(m).CalculateFee(work.OwnerID, work.Size))

		if settlement.NetSettlement.IsPositive() {
			lctx, cancel := context.WithTimeout(ctx, e.config.LedgerTimeout)
			err := e.ledger.Credit(lctx, work.OwnerID, settlement.NetSettlement, ReasonSettlement, work.ID)
			cancel()
			if err != nil {
				e.recorder.CollaboratorFailure("ledger")
				e.logger.Warn("Ledger credit failed, position left open",
					"position", work.ID, "amount", settlement.NetSettlement.String(), "error", err)
				return nil, retriable("close", ErrLedgerUnavailable, err)
			}
		}
		e.store.rememberCredited(work, settlement, reason)
	}

	invariantErr := e.registry.RecordClose(work.Symbol, work.Side, work.Size, work.Collateral)
	err = e.registry.commit(work.Symbol, func(m Market) error { return e.store.SaveClose(work, m) })
	if err != nil {
		if invariantErr == nil {
			_ = e.registry.RecordOpen(work.Symbol, work.Side, work.Size, work.Collateral)
		}
		e.recorder.CollaboratorFailure("store")
		e.logger.Warn("Close paid but not persisted, retry commits the same settlement",
			"position", work.ID, "net", settlement.NetSettlement.String(), "error", err)
		return nil, retriable("close", ErrStoreUnavailable, err)
	}

	e.logger.Info("Position closed",
		"position", work.ID,
		"owner", work.OwnerID,
		"symbol", work.Symbol,
		"reason", reason,
		"exit", work.CurrentPrice.String(),
		"pnl", settlement.RealizedPnL.String(),
		"funding", settlement.FundingPaid.String(),
		"fee", settlement.Fee.FeeCharged.String(),
		"net", settlement.NetSettlement.String(),
		"liquidated", settlement.WasLiquidated)
	e.recorder.PositionClosed(work.Symbol, settlement.WasLiquidated, e.clock().Sub(start))
	e.publish(ctx, Event{
		Type:       EventPositionClosed,
		Symbol:     work.Symbol,
		Position:   work.Clone(),
		Settlement: &settlement,
		Reason:     reason,
		Timestamp:  settlement.ClosedAt,
	})

	if invariantErr != nil {
		return &settlement, invariantErr
	}
	return &settlement, nil
}

func (e *Engine) exitPrice(ctx context.Context, m Market) (decimal.Decimal, error) {
	if e.feed == nil {
		if !m.CurrentPrice.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s has no mark price", ErrInvalidPrice, m.Symbol)
		}
		return m.CurrentPrice, nil
	}

	fctx, cancel := context.WithTimeout(ctx, e.config.FeedTimeout)
	defer cancel()

	price, err := e.feed.CurrentPrice(fctx, m.Symbol)
	if err != nil {
		e.recorder.CollaboratorFailure("feed")
		return decimal.Zero, retriable("close", ErrFeedUnavailable, err)
	}
	if !price.IsPositive() {
		e.recorder.CollaboratorFailure("feed")
		return decimal.Zero, retriable("close", ErrFeedUnavailable, fmt.Errorf("non-positive price %s", price))
	}
	return price, nil
}

func (e *Engine) debit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, relatedID string) error {
	lctx, cancel := context.WithTimeout(ctx, e.config.LedgerTimeout)
	defer cancel()

	err := e.ledger.Debit(lctx, ownerID, amount, reason, relatedID)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInsufficientFunds) {
		return err
	}
	e.recorder.CollaboratorFailure("ledger")
	e.logger.Warn("Ledger debit failed", "owner", ownerID, "amount", amount.String(), "error", err)
	return retriable("open", ErrLedgerUnavailable, err)
}

func (e *Engine) revertDebit(ctx context.Context, p *Position) {
	if !e.config.DebitOnOpen {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, e.config.LedgerTimeout)
	defer cancel()

	if err := e.ledger.Credit(lctx, p.OwnerID, p.Collateral, ReasonOpenRevert, p.ID); err != nil {
		e.recorder.CollaboratorFailure("ledger")
		e.logger.Error("Failed to revert open debit", "position", p.ID, "owner", p.OwnerID, "error", err)
	}
}

func (e *Engine) feePolicy(m Market) FeePolicy {
	if e.fees != nil {
		return e.fees
	}
	return &RatePolicy{Rate: m.TakerFee}
}

func (e *Engine) publish(ctx context.Context, event Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish event", "type", event.Type, "symbol", event.Symbol, "error", err)
	}
}

func (e *Engine) onMarketHalted(symbol, reason string) {
	e.recorder.InvariantViolation(symbol)
	e.publish(context.Background(), Event{
		Type:      EventMarketHalted,
		Symbol:    symbol,
		Reason:    reason,
		Timestamp: e.clock(),
	})
}
