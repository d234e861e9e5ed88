package perp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeFundingRate(t *testing.T) {
	config := DefaultFundingConfig()

	testCases := []struct {
		name      string
		long      string
		short     string
		rate      string
		imbalance string
	}{
		{"Empty", "0", "0", "0.01", "0"},
		{"Balanced", "500", "500", "0.01", "0"},
		{"ScenarioB", "600", "400", "0.02", "0.2"},
		{"ShortsCrowded", "400", "600", "0", "-0.2"},
		{"AllLong", "1000", "0", "0.06", "1"},
		{"AllShort", "0", "1000", "-0.04", "-1"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := Market{TotalLongSize: d(tc.long), TotalShortSize: d(tc.short)}
			rate, imbalance := ComputeFundingRate(m, config)
			assertDecimal(t, tc.rate, rate)
			assertDecimal(t, tc.imbalance, imbalance)
		})
	}
}

func TestFundingEpoch(t *testing.T) {
	interval := 8 * time.Hour
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	e := FundingEpoch(start, interval)
	assert.Equal(t, start, EpochStart(e, interval))
	assert.Equal(t, e, FundingEpoch(start.Add(7*time.Hour+59*time.Minute), interval))
	assert.Equal(t, e+1, FundingEpoch(start.Add(8*time.Hour), interval))
	assert.Equal(t, e-1, FundingEpoch(start.Add(-time.Nanosecond), interval))

	t.Run("Negative", func(t *testing.T) {
		before := time.Unix(0, -1)
		assert.Equal(t, int64(-1), FundingEpoch(before, interval))
		assert.Equal(t, int64(0), FundingEpoch(time.Unix(0, 0), interval))
	})
}

func TestFundingPayment(t *testing.T) {
	interval := 8 * time.Hour
	boundary := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	long := &Position{Side: Long, Size: d("600"), LastFundingAt: boundary.Add(-interval)}
	short := &Position{Side: Short, Size: d("400"), LastFundingAt: boundary.Add(-interval)}

	assertDecimal(t, "12", FundingPayment(long, d("0.02"), boundary, interval))
	assertDecimal(t, "-8", FundingPayment(short, d("0.02"), boundary, interval))

	t.Run("ProRata", func(t *testing.T) {
		p := &Position{Side: Long, Size: d("600"), LastFundingAt: boundary.Add(-2 * time.Hour)}
		assertDecimal(t, "3", FundingPayment(p, d("0.02"), boundary, interval))
	})

	t.Run("AfterBoundary", func(t *testing.T) {
		p := &Position{Side: Long, Size: d("600"), LastFundingAt: boundary.Add(time.Minute)}
		assertDecimal(t, "0", FundingPayment(p, d("0.02"), boundary, interval))
	})
}

func TestFundingEngineSchedule(t *testing.T) {
	fe := NewFundingEngine(NewRegistry(nil), nil, nil)

	from := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC), fe.GetNextFundingTime(from))

	from = time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), fe.GetNextFundingTime(from))

	t.Run("HistoryBounded", func(t *testing.T) {
		fe.config.HistorySize = 3
		for i := 0; i < 5; i++ {
			fe.addToHistory("BTC-PERP", &FundingSettlement{Symbol: "BTC-PERP", Epoch: int64(i)})
		}
		history := fe.GetFundingHistory("BTC-PERP", 0)
		assert.Len(t, history, 3)
		assert.Equal(t, int64(2), history[0].Epoch)

		last := fe.GetFundingHistory("BTC-PERP", 1)
		assert.Len(t, last, 1)
		assert.Equal(t, int64(4), last[0].Epoch)

		assert.Empty(t, fe.GetFundingHistory("ETH-PERP", 10))
	})
}
