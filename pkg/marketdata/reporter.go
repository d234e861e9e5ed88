// Package marketdata derives market-facing statistics from engine state
package marketdata

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/perp"
)

// Window is the trailing window for volume and high/low
const Window = 24 * time.Hour

// PositionSource lists every position, open and closed, of a market
type PositionSource interface {
	PositionsBySymbol(symbol string) []*perp.Position
}

// MarketSource lists markets
type MarketSource interface {
	Market(symbol string) (perp.Market, error)
	Markets() []perp.Market
}

// Stats is a point-in-time view of one market
type Stats struct {
	Symbol         string          `json:"symbol"`
	MarkPrice      decimal.Decimal `json:"markPrice"`
	OpenInterest   decimal.Decimal `json:"openInterest"`
	LongPositions  int             `json:"longPositions"`
	ShortPositions int             `json:"shortPositions"`
	Volume24h      decimal.Decimal `json:"volume24h"`
	High24h        decimal.Decimal `json:"high24h"`
	Low24h         decimal.Decimal `json:"low24h"`
	FundingRate    decimal.Decimal `json:"fundingRate"`
	Halted         bool            `json:"halted"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Reporter recomputes statistics on demand. It holds no state of its own, so
// results are eventually consistent with concurrent opens and closes.
type Reporter struct {
	markets   MarketSource
	positions PositionSource
}

// NewReporter creates a reporter over the given sources
func NewReporter(markets MarketSource, positions PositionSource) *Reporter {
	return &Reporter{markets: markets, positions: positions}
}

// OpenInterest is the sum of size x current price over open positions
func (r *Reporter) OpenInterest(symbol string) decimal.Decimal {
	oi := decimal.Zero
	for _, p := range r.positions.PositionsBySymbol(symbol) {
		if p.IsOpen() {
			oi = oi.Add(p.Size.Mul(p.CurrentPrice))
		}
	}
	return oi
}

// Volume24h is the sum of size x entry price over positions opened in the
// trailing window ending at now
func (r *Reporter) Volume24h(symbol string, now time.Time) decimal.Decimal {
	from := now.Add(-Window)
	volume := decimal.Zero
	for _, p := range r.positions.PositionsBySymbol(symbol) {
		if inWindow(p.OpenedAt, from, now) {
			volume = volume.Add(p.Size.Mul(p.EntryPrice))
		}
	}
	return volume
}

// HighLow24h returns the extreme traded prices in the trailing window: entry
// prices of positions opened and exit prices of positions closed. ok is false
// when nothing traded.
func (r *Reporter) HighLow24h(symbol string, now time.Time) (high, low decimal.Decimal, ok bool) {
	from := now.Add(-Window)
	observe := func(price decimal.Decimal) {
		if !ok {
			high, low, ok = price, price, true
			return
		}
		high = decimal.Max(high, price)
		low = decimal.Min(low, price)
	}

	for _, p := range r.positions.PositionsBySymbol(symbol) {
		if inWindow(p.OpenedAt, from, now) {
			observe(p.EntryPrice)
		}
		if p.ClosedAt != nil && inWindow(*p.ClosedAt, from, now) {
			observe(p.CurrentPrice)
		}
	}
	return high, low, ok
}

// Stats bundles the statistics of one market in a single pass
func (r *Reporter) Stats(symbol string, now time.Time) (Stats, error) {
	m, err := r.markets.Market(symbol)
	if err != nil {
		return Stats{}, err
	}
	return r.stats(m, now), nil
}

// AllStats returns Stats for every market, ordered by symbol
func (r *Reporter) AllStats(now time.Time) []Stats {
	markets := r.markets.Markets()
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })

	out := make([]Stats, 0, len(markets))
	for _, m := range markets {
		out = append(out, r.stats(m, now))
	}
	return out
}

func (r *Reporter) stats(m perp.Market, now time.Time) Stats {
	s := Stats{
		Symbol:       m.Symbol,
		MarkPrice:    m.CurrentPrice,
		OpenInterest: decimal.Zero,
		Volume24h:    decimal.Zero,
		High24h:      decimal.Zero,
		Low24h:       decimal.Zero,
		FundingRate:  m.FundingRate,
		Halted:       m.Halted,
		Timestamp:    now,
	}

	from := now.Add(-Window)
	seen := false
	observe := func(price decimal.Decimal) {
		if !seen {
			s.High24h, s.Low24h, seen = price, price, true
			return
		}
		s.High24h = decimal.Max(s.High24h, price)
		s.Low24h = decimal.Min(s.Low24h, price)
	}

	for _, p := range r.positions.PositionsBySymbol(m.Symbol) {
		if p.IsOpen() {
			s.OpenInterest = s.OpenInterest.Add(p.Size.Mul(p.CurrentPrice))
			if p.Side == perp.Long {
				s.LongPositions++
			} else {
				s.ShortPositions++
			}
		}
		if inWindow(p.OpenedAt, from, now) {
			s.Volume24h = s.Volume24h.Add(p.Size.Mul(p.EntryPrice))
			observe(p.EntryPrice)
		}
		if p.ClosedAt != nil && inWindow(*p.ClosedAt, from, now) {
			observe(p.CurrentPrice)
		}
	}
	return s
}

// inWindow reports whether t is in (from, to]
func inWindow(t, from, to time.Time) bool {
	return t.After(from) && !t.After(to)
}
