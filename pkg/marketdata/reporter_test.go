package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/perp"
)

type fakeSource struct {
	markets   []perp.Market
	positions map[string][]*perp.Position
}

func (f *fakeSource) Market(symbol string) (perp.Market, error) {
	for _, m := range f.markets {
		if m.Symbol == symbol {
			return m, nil
		}
	}
	return perp.Market{}, perp.ErrMarketNotFound
}

func (f *fakeSource) Markets() []perp.Market { return f.markets }

func (f *fakeSource) PositionsBySymbol(symbol string) []*perp.Position {
	return f.positions[symbol]
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func position(side perp.Side, size, entry, current string, openedAgo time.Duration) *perp.Position {
	return &perp.Position{
		Symbol:       "BTC-PERP",
		Side:         side,
		Size:         d(size),
		EntryPrice:   d(entry),
		CurrentPrice: d(current),
		OpenedAt:     now.Add(-openedAgo),
	}
}

func closedAt(p *perp.Position, ago time.Duration) *perp.Position {
	t := now.Add(-ago)
	p.ClosedAt = &t
	return p
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		markets: []perp.Market{
			{Symbol: "ETH-PERP", CurrentPrice: d("10")},
			{Symbol: "BTC-PERP", CurrentPrice: d("105"), FundingRate: d("0.02")},
		},
		positions: map[string][]*perp.Position{
			"BTC-PERP": {
				position(perp.Long, "1000", "100", "105", time.Hour),
				position(perp.Short, "500", "110", "105", 2*time.Hour),
				// Opened outside the window, still open
				position(perp.Long, "200", "90", "105", 30*time.Hour),
				// Opened outside the window, closed inside it at 120
				closedAt(position(perp.Long, "300", "95", "120", 48*time.Hour), 3*time.Hour),
				// Opened and closed inside the window at 80
				closedAt(position(perp.Short, "100", "102", "80", 5*time.Hour), 4*time.Hour),
			},
		},
	}
}

func TestReporter(t *testing.T) {
	src := newFakeSource()
	r := NewReporter(src, src)

	t.Run("OpenInterest", func(t *testing.T) {
		// (1000 + 500 + 200) * 105
		assert.True(t, d("178500").Equal(r.OpenInterest("BTC-PERP")))
		assert.True(t, r.OpenInterest("ETH-PERP").IsZero())
	})

	t.Run("Volume24h", func(t *testing.T) {
		// 1000*100 + 500*110 + 100*102
		assert.True(t, d("165200").Equal(r.Volume24h("BTC-PERP", now)))
	})

	t.Run("HighLow24h", func(t *testing.T) {
		high, low, ok := r.HighLow24h("BTC-PERP", now)
		require.True(t, ok)
		assert.True(t, d("120").Equal(high), "high %s", high)
		assert.True(t, d("80").Equal(low), "low %s", low)

		_, _, ok = r.HighLow24h("ETH-PERP", now)
		assert.False(t, ok)
	})

	t.Run("Stats", func(t *testing.T) {
		s, err := r.Stats("BTC-PERP", now)
		require.NoError(t, err)
		assert.Equal(t, 2, s.LongPositions)
		assert.Equal(t, 1, s.ShortPositions)
		assert.True(t, d("178500").Equal(s.OpenInterest))
		assert.True(t, d("165200").Equal(s.Volume24h))
		assert.True(t, d("120").Equal(s.High24h))
		assert.True(t, d("80").Equal(s.Low24h))
		assert.True(t, d("0.02").Equal(s.FundingRate))

		_, err = r.Stats("SOL-PERP", now)
		assert.ErrorIs(t, err, perp.ErrMarketNotFound)
	})

	t.Run("AllStats", func(t *testing.T) {
		all := r.AllStats(now)
		require.Len(t, all, 2)
		assert.Equal(t, "BTC-PERP", all[0].Symbol)
		assert.Equal(t, "ETH-PERP", all[1].Symbol)
	})

	t.Run("WindowMovesForward", func(t *testing.T) {
		later := now.Add(22 * time.Hour)
		// Only the 1h-old position remains in the window
		assert.True(t, d("100000").Equal(r.Volume24h("BTC-PERP", later)))
	})
}
