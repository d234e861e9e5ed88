package perp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// FundingConfig configures the funding mechanism
type FundingConfig struct {
	BaseRate    decimal.Decimal // Rate paid by longs when positioning is balanced (0.01)
	Sensitivity decimal.Decimal // Weight of the long/short imbalance (0.05)
	Interval    time.Duration   // 8 * time.Hour

	// Number of funding records kept in memory per symbol
	HistorySize int
}

// DefaultFundingConfig returns the standard 8-hour funding configuration
func DefaultFundingConfig() *FundingConfig {
	return &FundingConfig{
		BaseRate:    decimal.NewFromFloat(0.01),
		Sensitivity: decimal.NewFromFloat(0.05),
		Interval:    8 * time.Hour,
		HistorySize: 30 * 24 / 8, // 90 funding periods
	}
}

// FundingEngine computes funding rates from long/short imbalance and applies
// them to open positions once per epoch.
type FundingEngine struct {
	config   *FundingConfig
	registry *Registry
	store    *Store

	events   EventSink
	recorder Recorder
	logger   log.Logger

	historicalRates map[string][]*FundingSettlement
	mu              sync.RWMutex
}

// NewFundingEngine creates a new funding engine
func NewFundingEngine(registry *Registry, store *Store, config *FundingConfig) *FundingEngine {
	if config == nil {
		config = DefaultFundingConfig()
	}
	return &FundingEngine{
		config:          config,
		registry:        registry,
		store:           store,
		recorder:        nopRecorder{},
		logger:          log.Root().New("module", "funding"),
		historicalRates: make(map[string][]*FundingSettlement),
	}
}

// FundingEpoch returns the index of the funding interval containing t
func FundingEpoch(t time.Time, interval time.Duration) int64 {
	if interval <= 0 {
		return 0
	}
	n := t.UnixNano()
	e := n / int64(interval)
	if n < 0 && n%int64(interval) != 0 {
		e--
	}
	return e
}

// EpochStart returns the boundary at which epoch begins
func EpochStart(epoch int64, interval time.Duration) time.Time {
	return time.Unix(0, epoch*int64(interval)).UTC()
}

// ComputeFundingRate returns baseRate + imbalance*sensitivity where imbalance is
// (long - short) / (long + short) clamped to [-1, 1]. Both sides empty yields baseRate.
func ComputeFundingRate(m Market, config *FundingConfig) (rate, imbalance decimal.Decimal) {
	total := m.TotalLongSize.Add(m.TotalShortSize)
	if !total.IsPositive() {
		return config.BaseRate, decimal.Zero
	}

	imbalance = m.TotalLongSize.Sub(m.TotalShortSize).Div(total)
	if imbalance.GreaterThan(one) {
		imbalance = one
	} else if imbalance.LessThan(one.Neg()) {
		imbalance = one.Neg()
	}
	return config.BaseRate.Add(imbalance.Mul(config.Sensitivity)), imbalance
}

// FundingPayment is the amount a position pays (positive) or receives
// (negative) for the period between its last funding and boundary.
func FundingPayment(p *Position, rate decimal.Decimal, boundary time.Time, interval time.Duration) decimal.Decimal {
	elapsed := boundary.Sub(p.LastFundingAt)
	if elapsed <= 0 || interval <= 0 {
		return decimal.Zero
	}
	fraction := decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(interval)))
	return p.Size.Mul(rate).Mul(p.Side.Sign()).Mul(fraction)
}

// Tick applies funding for the epoch containing at. A position opened before
// the epoch boundary is charged pro rata from its open (or last funding) time;
// a position opened at or after the boundary waits for the next epoch.
// Ticking an epoch that was already applied returns the stored record and false.
func (fe *FundingEngine) Tick(ctx context.Context, symbol string, at time.Time) (*FundingSettlement, bool, error) {
	ms, err := fe.registry.state(symbol)
	if err != nil {
		return nil, false, err
	}

	ms.fundingMu.Lock()
	defer ms.fundingMu.Unlock()

	m := ms.snapshot()
	if m.Halted {
		return nil, false, fmt.Errorf("%w: %s", ErrMarketHalted, symbol)
	}

	interval := fe.config.Interval
	epoch := FundingEpoch(at, interval)
	boundary := EpochStart(epoch, interval)

	if epoch <= m.FundingEpoch {
		if record, ok := fe.store.FundingRecord(symbol, boundary); ok {
			return record, false, nil
		}
		return nil, false, nil
	}

	rate, imbalance := ComputeFundingRate(m, fe.config)

	// Lock every open position in id order and keep the locks until the batch
	// is committed, so no reader observes a half-applied sweep.
	open := fe.store.OpenBySymbol(symbol)
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
		unlocks = nil
	}
	defer release()

	updated := make([]*Position, 0, len(open))
	longsPaid, shortsPaid := decimal.Zero, decimal.Zero
	for _, snapshot := range open {
		unlocks = append(unlocks, fe.store.Lock(snapshot.ID))

		p, err := fe.store.Get(snapshot.ID)
		if err != nil || !p.IsOpen() || p.LastFundingEpoch >= epoch || fe.store.Settling(p.ID) {
			continue
		}

		payment := FundingPayment(p, rate, boundary, interval)
		p.FundingPaid = p.FundingPaid.Add(payment)
		p.LastFundingAt = boundary
		p.LastFundingEpoch = epoch
		p.Version++
		updated = append(updated, p)

		if p.Side == Long {
			longsPaid = longsPaid.Add(payment)
		} else {
			shortsPaid = shortsPaid.Add(payment)
		}
	}

	record := &FundingSettlement{
		Symbol:        symbol,
		Epoch:         epoch,
		IntervalStart: boundary,
		Rate:          rate,
		Imbalance:     imbalance,
		Positions:     len(updated),
		LongsPaid:     longsPaid,
		ShortsPaid:    shortsPaid,
		Timestamp:     at,
	}

	err = fe.registry.commit(symbol, func(m Market) error {
		m.FundingRate = rate
		m.FundingEpoch = epoch
		return fe.store.SaveFunding(updated, record, m)
	})
	if err != nil {
		fe.recorder.CollaboratorFailure("store")
		return nil, false, retriable("funding", ErrStoreUnavailable, err)
	}
	fe.registry.setFunding(symbol, rate, epoch)
	release()
	fe.addToHistory(symbol, record)

	fe.logger.Info("Funding applied",
		"symbol", symbol,
		"epoch", epoch,
		"rate", rate.String(),
		"imbalance", imbalance.String(),
		"positions", len(updated))
	fe.recorder.FundingApplied(symbol, rate.InexactFloat64(), len(updated))
	if fe.events != nil {
		if err := fe.events.Publish(ctx, Event{
			Type:      EventFundingApplied,
			Symbol:    symbol,
			Funding:   record,
			Timestamp: at,
		}); err != nil {
			fe.logger.Warn("Failed to publish funding event", "symbol", symbol, "error", err)
		}
	}

	return record, true, nil
}

// GetCurrentFundingRate returns the last applied funding rate for a symbol
func (fe *FundingEngine) GetCurrentFundingRate(symbol string) (decimal.Decimal, error) {
	m, err := fe.registry.Get(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return m.FundingRate, nil
}

// GetPredictedFundingRate returns the rate the next tick would apply given
// the current positioning
func (fe *FundingEngine) GetPredictedFundingRate(symbol string) (decimal.Decimal, error) {
	m, err := fe.registry.Get(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	rate, _ := ComputeFundingRate(m, fe.config)
	return rate, nil
}

// GetFundingHistory returns the most recent funding records for a symbol
func (fe *FundingEngine) GetFundingHistory(symbol string, limit int) []*FundingSettlement {
	fe.mu.RLock()
	defer fe.mu.RUnlock()

	history := fe.historicalRates[symbol]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	out := make([]*FundingSettlement, limit)
	copy(out, history[len(history)-limit:])
	return out
}

// GetNextFundingTime returns the next epoch boundary after from
func (fe *FundingEngine) GetNextFundingTime(from time.Time) time.Time {
	return EpochStart(FundingEpoch(from, fe.config.Interval)+1, fe.config.Interval)
}

func (fe *FundingEngine) addToHistory(symbol string, record *FundingSettlement) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	history := append(fe.historicalRates[symbol], record)
	if limit := fe.config.HistorySize; limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	fe.historicalRates[symbol] = history
}
