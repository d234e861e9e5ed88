// Package feed provides mark price sources and the loop that pushes them
// into the engine.
package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/perp"
)

// ErrUnknownSymbol is returned for symbols the feed does not price
var ErrUnknownSymbol = fmt.Errorf("%w: unknown symbol", perp.ErrFeedUnavailable)

// Static serves fixed prices that can be changed at runtime
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

var _ perp.PriceFeed = (*Static)(nil)

// NewStatic creates a feed with initial prices
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for symbol, price := range prices {
		s.prices[symbol] = price
	}
	return s
}

// Set changes the price of a symbol
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()
}

// CurrentPrice returns the configured price
func (s *Static) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return price, nil
}

// SyntheticConfig configures a random-walk feed
type SyntheticConfig struct {
	Volatility float64 // Max relative move per step, e.g. 0.002
	MinPrice   float64 // Relative floor against the initial price, e.g. 0.5
	MaxPrice   float64 // Relative ceiling against the initial price, e.g. 2
	Seed       int64
}

// DefaultSyntheticConfig returns a gentle walk bounded to [0.5x, 2x]
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{Volatility: 0.002, MinPrice: 0.5, MaxPrice: 2, Seed: time.Now().UnixNano()}
}

// Synthetic walks each symbol's price randomly within bounds around its
// initial price. Prices move only on Step.
type Synthetic struct {
	config SyntheticConfig

	mu      sync.Mutex
	rng     *rand.Rand
	initial map[string]float64
	prices  map[string]float64
}

var _ perp.PriceFeed = (*Synthetic)(nil)

// NewSynthetic creates a walk starting at the given prices
func NewSynthetic(config SyntheticConfig, initial map[string]decimal.Decimal) *Synthetic {
	s := &Synthetic{
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
		initial: make(map[string]float64, len(initial)),
		prices:  make(map[string]float64, len(initial)),
	}
	for symbol, price := range initial {
		f := price.InexactFloat64()
		s.initial[symbol] = f
		s.prices[symbol] = f
	}
	return s
}

// Step moves every price once
func (s *Synthetic) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for symbol, price := range s.prices {
		move := (s.rng.Float64()*2 - 1) * s.config.Volatility
		next := price * (1 + move)

		base := s.initial[symbol]
		if floor := base * s.config.MinPrice; next < floor {
			next = floor
		}
		if ceil := base * s.config.MaxPrice; s.config.MaxPrice > 0 && next > ceil {
			next = ceil
		}
		s.prices[symbol] = next
	}
}

// CurrentPrice returns the current walk price rounded to 8 places
func (s *Synthetic) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return decimal.NewFromFloat(price).Round(8), nil
}

// Stepper is a feed that advances on its own schedule
type Stepper interface {
	Step()
}

// Marker accepts mark prices
type Marker interface {
	Mark(ctx context.Context, symbol string, price decimal.Decimal) error
}

// Runner polls a feed and marks each symbol at a fixed interval
type Runner struct {
	feed     perp.PriceFeed
	marker   Marker
	symbols  []string
	interval time.Duration
	logger   log.Logger
}

// NewRunner creates a runner
func NewRunner(feed perp.PriceFeed, marker Marker, symbols []string, interval time.Duration) *Runner {
	return &Runner{
		feed:     feed,
		marker:   marker,
		symbols:  symbols,
		interval: interval,
		logger:   log.Root().New("module", "feed"),
	}
}

// Run marks until ctx is done
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Price feed started", "symbols", len(r.symbols), "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Once(ctx)
		}
	}
}

// Once performs a single round of marks and returns how many were accepted
func (r *Runner) Once(ctx context.Context) int {
	accepted := 0
	if s, ok := r.feed.(Stepper); ok {
		s.Step()
	}
	for _, symbol := range r.symbols {
		price, err := r.feed.CurrentPrice(ctx, symbol)
		if err != nil {
			r.logger.Warn("Feed price unavailable", "symbol", symbol, "error", err)
			continue
		}
		if err := r.marker.Mark(ctx, symbol, price); err != nil {
			r.logger.Debug("Mark rejected", "symbol", symbol, "price", price.String(), "error", err)
			continue
		}
		accepted++
	}
	return accepted
}
