package perp

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// aggregateScale is the number of decimal places kept by the atomic aggregate counters
const aggregateScale = 6

// MaxPositionSize is the largest size accepted for a single position. Larger
// sizes do not fit the fixed-point aggregate counters.
var MaxPositionSize = decimal.New(1, 12)

// Registry holds per-symbol market configuration and the long/short aggregates.
// RecordOpen and RecordClose are the only writers of the aggregates.
type Registry struct {
	markets map[string]*marketState
	mu      sync.RWMutex

	logger log.Logger
	onHalt func(symbol, reason string)
}

type marketState struct {
	cfg MarketConfig

	// Aggregates in fixed-point units of 10^-aggregateScale
	longSize        atomic.Int64
	shortSize       atomic.Int64
	longCollateral  atomic.Int64
	shortCollateral atomic.Int64
	halted          atomic.Bool

	mu           sync.RWMutex
	price        decimal.Decimal
	fundingRate  decimal.Decimal
	fundingEpoch int64
	active       bool
	updatedAt    time.Time

	// Serializes funding sweeps for this market
	fundingMu sync.Mutex

	// Serializes snapshot-and-persist of the market record
	commitMu sync.Mutex
}

// NewRegistry creates an empty market registry
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Root().New("module", "registry")
	}
	return &Registry{
		markets: make(map[string]*marketState),
		logger:  logger,
	}
}

// OnHalt installs a callback invoked once when a market is halted
func (r *Registry) OnHalt(fn func(symbol, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onHalt = fn
}

func validateMarketConfig(cfg MarketConfig) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("market symbol is required")
	}
	if cfg.MaxLeverage.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("market %s: max leverage must be at least 1", cfg.Symbol)
	}
	if cfg.MaintenanceMarginRate.IsNegative() || cfg.MaintenanceMarginRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("market %s: maintenance margin rate must be in [0, 1)", cfg.Symbol)
	}
	return nil
}

// Register adds a market
func (r *Registry) Register(cfg MarketConfig) error {
	if err := validateMarketConfig(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[cfg.Symbol]; exists {
		return fmt.Errorf("%w: %s", ErrMarketExists, cfg.Symbol)
	}
	r.markets[cfg.Symbol] = &marketState{
		cfg:       cfg,
		price:     cfg.InitialPrice,
		active:    cfg.Active,
		updatedAt: time.Now(),
	}
	return nil
}

// restore re-creates a market from a persisted snapshot without its aggregates
func (r *Registry) restore(m Market) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms := &marketState{
		cfg:          m.Config(),
		price:        m.CurrentPrice,
		fundingRate:  m.FundingRate,
		fundingEpoch: m.FundingEpoch,
		active:       m.Active,
		updatedAt:    m.UpdatedAt,
	}
	ms.halted.Store(m.Halted)
	r.markets[m.Symbol] = ms
}

// Reconfigure replaces the limits and fees of a market with cfg. Price,
// activity, halt state and aggregates are kept. Open positions keep the
// liquidation price computed at open. It reports whether anything changed.
func (r *Registry) Reconfigure(cfg MarketConfig) (bool, error) {
	if err := validateMarketConfig(cfg); err != nil {
		return false, err
	}
	ms, err := r.state(cfg.Symbol)
	if err != nil {
		return false, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	old := ms.cfg
	changed := !old.MaxLeverage.Equal(cfg.MaxLeverage) ||
		!old.InitialMarginRate.Equal(cfg.InitialMarginRate) ||
		!old.MaintenanceMarginRate.Equal(cfg.MaintenanceMarginRate) ||
		!old.MakerFee.Equal(cfg.MakerFee) ||
		!old.TakerFee.Equal(cfg.TakerFee) ||
		!old.MinOrderSize.Equal(cfg.MinOrderSize)
	if !changed {
		return false, nil
	}

	ms.cfg.MaxLeverage = cfg.MaxLeverage
	ms.cfg.InitialMarginRate = cfg.InitialMarginRate
	ms.cfg.MaintenanceMarginRate = cfg.MaintenanceMarginRate
	ms.cfg.MakerFee = cfg.MakerFee
	ms.cfg.TakerFee = cfg.TakerFee
	ms.cfg.MinOrderSize = cfg.MinOrderSize
	ms.updatedAt = time.Now()
	return true, nil
}

// commit takes a market snapshot and hands it to persist while holding the
// market's commit lock, so persisted market records never go backwards.
func (r *Registry) commit(symbol string, persist func(Market) error) error {
	ms, err := r.state(symbol)
	if err != nil {
		return err
	}
	ms.commitMu.Lock()
	defer ms.commitMu.Unlock()
	return persist(ms.snapshot())
}

func (r *Registry) state(symbol string) (*marketState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ms, ok := r.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	return ms, nil
}

// Get returns a snapshot of the market
func (r *Registry) Get(symbol string) (Market, error) {
	ms, err := r.state(symbol)
	if err != nil {
		return Market{}, err
	}
	return ms.snapshot(), nil
}

// Symbols returns all registered symbols in sorted order
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols := make([]string, 0, len(r.markets))
	for s := range r.markets {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Validate checks an open request against the market limits. It never mutates state.
func (r *Registry) Validate(symbol string, size, leverage decimal.Decimal) (Market, error) {
	ms, err := r.state(symbol)
	if err != nil {
		return Market{}, err
	}
	m := ms.snapshot()

	if m.Halted {
		return m, fmt.Errorf("%w: %s", ErrMarketHalted, symbol)
	}
	if !m.Active {
		return m, fmt.Errorf("%w: %s", ErrMarketInactive, symbol)
	}
	if leverage.LessThan(decimal.NewFromInt(1)) || leverage.GreaterThan(m.MaxLeverage) {
		return m, fmt.Errorf("%w: %s not in [1, %s]", ErrInvalidLeverage, leverage, m.MaxLeverage)
	}
	if !size.IsPositive() || size.LessThan(m.MinOrderSize) {
		return m, fmt.Errorf("%w: %s < %s", ErrBelowMinimumSize, size, m.MinOrderSize)
	}
	if size.GreaterThan(MaxPositionSize) {
		return m, fmt.Errorf("%w: %s > %s", ErrSizeTooLarge, size, MaxPositionSize)
	}
	return m, nil
}

// RecordOpen adds an opened position to the market aggregates. It fails with
// ErrMarketCapacity, leaving the aggregates unchanged, when a counter would
// overflow.
func (r *Registry) RecordOpen(symbol string, side Side, size, collateral decimal.Decimal) error {
	ms, err := r.state(symbol)
	if err != nil {
		return err
	}
	if size.GreaterThan(MaxPositionSize) || collateral.GreaterThan(MaxPositionSize) {
		return fmt.Errorf("%w: %s", ErrSizeTooLarge, size)
	}

	sizeUnits, collUnits := toUnits(size), toUnits(collateral)
	sizeCounter, collCounter := ms.counters(side)
	if !addBounded(sizeCounter, sizeUnits) {
		return fmt.Errorf("%w: %s %s size", ErrMarketCapacity, symbol, side)
	}
	if !addBounded(collCounter, collUnits) {
		sizeCounter.Add(-sizeUnits)
		return fmt.Errorf("%w: %s %s collateral", ErrMarketCapacity, symbol, side)
	}
	return nil
}

// RecordClose removes a closed position from the market aggregates. A counter
// going negative halts the market; the counter is left as is.
func (r *Registry) RecordClose(symbol string, side Side, size, collateral decimal.Decimal) error {
	ms, err := r.state(symbol)
	if err != nil {
		return err
	}
	sizeCounter, collCounter := ms.counters(side)
	newSize := sizeCounter.Add(-toUnits(size))
	newColl := collCounter.Add(-toUnits(collateral))

	if newSize < 0 || newColl < 0 {
		reason := fmt.Sprintf("negative %s aggregate after close: size=%s collateral=%s",
			side, fromUnits(newSize), fromUnits(newColl))
		r.Halt(symbol, reason)
		return fmt.Errorf("%w: %s: %s", ErrInvariantViolation, symbol, reason)
	}
	return nil
}

// Verify recomputes the aggregates from the given open positions and halts the
// market if they drifted.
func (r *Registry) Verify(symbol string, open []*Position) error {
	ms, err := r.state(symbol)
	if err != nil {
		return err
	}

	var longSize, shortSize, longColl, shortColl int64
	for _, p := range open {
		if p.Symbol != symbol || !p.IsOpen() {
			continue
		}
		if p.Size.IsNegative() || p.Collateral.IsNegative() {
			reason := fmt.Sprintf("position %s has negative size or collateral", p.ID)
			r.Halt(symbol, reason)
			return fmt.Errorf("%w: %s: %s", ErrInvariantViolation, symbol, reason)
		}
		if p.Side == Long {
			longSize += toUnits(p.Size)
			longColl += toUnits(p.Collateral)
		} else {
			shortSize += toUnits(p.Size)
			shortColl += toUnits(p.Collateral)
		}
	}

	if longSize != ms.longSize.Load() || shortSize != ms.shortSize.Load() ||
		longColl != ms.longCollateral.Load() || shortColl != ms.shortCollateral.Load() {
		reason := fmt.Sprintf("aggregate drift: long=%s/%s short=%s/%s",
			fromUnits(ms.longSize.Load()), fromUnits(longSize),
			fromUnits(ms.shortSize.Load()), fromUnits(shortSize))
		r.Halt(symbol, reason)
		return fmt.Errorf("%w: %s: %s", ErrInvariantViolation, symbol, reason)
	}
	return nil
}

// Halt stops all processing on a market. Only an operator can resume it.
func (r *Registry) Halt(symbol, reason string) {
	ms, err := r.state(symbol)
	if err != nil {
		return
	}
	if !ms.halted.CompareAndSwap(false, true) {
		return
	}
	r.logger.Error("Market halted", "symbol", symbol, "reason", reason)

	r.mu.RLock()
	onHalt := r.onHalt
	r.mu.RUnlock()
	if onHalt != nil {
		onHalt(symbol, reason)
	}
}

// Resume clears a halt
func (r *Registry) Resume(symbol string) error {
	ms, err := r.state(symbol)
	if err != nil {
		return err
	}
	if ms.halted.CompareAndSwap(true, false) {
		r.logger.Warn("Market resumed", "symbol", symbol)
	}
	return nil
}

// SetActive enables or disables new positions on a market
func (r *Registry) SetActive(symbol string, active bool) error {
	ms, err := r.state(symbol)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	ms.active = active
	ms.updatedAt = time.Now()
	ms.mu.Unlock()
	return nil
}

// SetPrice updates the market mark price
func (r *Registry) SetPrice(symbol string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	ms, err := r.state(symbol)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	ms.price = price
	ms.updatedAt = time.Now()
	ms.mu.Unlock()
	return nil
}

func (r *Registry) setFunding(symbol string, rate decimal.Decimal, epoch int64) {
	ms, err := r.state(symbol)
	if err != nil {
		return
	}
	ms.mu.Lock()
	ms.fundingRate = rate
	ms.fundingEpoch = epoch
	ms.updatedAt = time.Now()
	ms.mu.Unlock()
}

func (ms *marketState) counters(side Side) (size, collateral *atomic.Int64) {
	if side == Long {
		return &ms.longSize, &ms.longCollateral
	}
	return &ms.shortSize, &ms.shortCollateral
}

func (ms *marketState) snapshot() Market {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	return Market{
		Symbol:                ms.cfg.Symbol,
		CurrentPrice:          ms.price,
		MaxLeverage:           ms.cfg.MaxLeverage,
		InitialMarginRate:     ms.cfg.InitialMarginRate,
		MaintenanceMarginRate: ms.cfg.MaintenanceMarginRate,
		MakerFee:              ms.cfg.MakerFee,
		TakerFee:              ms.cfg.TakerFee,
		MinOrderSize:          ms.cfg.MinOrderSize,
		FundingRate:           ms.fundingRate,
		FundingEpoch:          ms.fundingEpoch,
		TotalLongSize:         fromUnits(ms.longSize.Load()),
		TotalShortSize:        fromUnits(ms.shortSize.Load()),
		TotalLongCollateral:   fromUnits(ms.longCollateral.Load()),
		TotalShortCollateral:  fromUnits(ms.shortCollateral.Load()),
		Active:                ms.active,
		Halted:                ms.halted.Load(),
		UpdatedAt:             ms.updatedAt,
	}
}

// Helper functions

// addBounded adds a non-negative delta to c unless the result would overflow
func addBounded(c *atomic.Int64, delta int64) bool {
	for {
		cur := c.Load()
		if cur > math.MaxInt64-delta {
			return false
		}
		if c.CompareAndSwap(cur, cur+delta) {
			return true
		}
	}
}

func toUnits(d decimal.Decimal) int64 {
	return d.Shift(aggregateScale).IntPart()
}

func fromUnits(n int64) decimal.Decimal {
	return decimal.New(n, -aggregateScale)
}
