package perp

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, expected string, actual decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(expected).Equal(actual), append([]interface{}{"expected %s, got %s", expected, actual.String()}, msgAndArgs...)...)
}

func testMarketConfig(symbol string) MarketConfig {
	return MarketConfig{
		Symbol:                symbol,
		MaxLeverage:           d("20"),
		InitialMarginRate:     d("0.05"),
		MaintenanceMarginRate: d("0"),
		MakerFee:              d("0.0002"),
		TakerFee:              d("0.005"),
		MinOrderSize:          d("10"),
		InitialPrice:          d("100"),
		Active:                true,
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(testMarketConfig("BTC-PERP")))

	t.Run("Duplicate", func(t *testing.T) {
		err := r.Register(testMarketConfig("BTC-PERP"))
		assert.ErrorIs(t, err, ErrMarketExists)
	})

	t.Run("BadLeverage", func(t *testing.T) {
		cfg := testMarketConfig("ETH-PERP")
		cfg.MaxLeverage = d("0.5")
		assert.Error(t, r.Register(cfg))
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := r.Get("DOGE-PERP")
		assert.ErrorIs(t, err, ErrMarketNotFound)
	})

	t.Run("Snapshot", func(t *testing.T) {
		m, err := r.Get("BTC-PERP")
		require.NoError(t, err)
		assertDecimal(t, "100", m.CurrentPrice)
		assertDecimal(t, "20", m.MaxLeverage)
		assert.True(t, m.Active)
		assert.False(t, m.Halted)
		assert.Equal(t, []string{"BTC-PERP"}, r.Symbols())
	})
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(testMarketConfig("BTC-PERP")))

	testCases := []struct {
		name     string
		size     string
		leverage string
		err      error
	}{
		{"MaxLeverageAccepted", "100", "20", nil},
		{"MinLeverageAccepted", "100", "1", nil},
		{"AboveMaxLeverage", "100", "21", ErrInvalidLeverage},
		{"BelowOneLeverage", "100", "0.5", ErrInvalidLeverage},
		{"MinimumSizeAccepted", "10", "2", nil},
		{"BelowMinimumSize", "9.99", "2", ErrBelowMinimumSize},
		{"ZeroSize", "0", "2", ErrBelowMinimumSize},
		{"NegativeSize", "-100", "2", ErrBelowMinimumSize},
		{"MaximumSizeAccepted", "1000000000000", "1", nil},
		{"AboveMaximumSize", "1000000000000.000001", "1", ErrSizeTooLarge},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Validate("BTC-PERP", d(tc.size), d(tc.leverage))
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
			assert.ErrorIs(t, err, ErrMarketRejected)
		})
	}

	t.Run("Inactive", func(t *testing.T) {
		require.NoError(t, r.SetActive("BTC-PERP", false))
		defer r.SetActive("BTC-PERP", true)

		_, err := r.Validate("BTC-PERP", d("100"), d("2"))
		assert.ErrorIs(t, err, ErrMarketInactive)
		assert.ErrorIs(t, err, ErrMarketRejected)
	})

	t.Run("UnknownMarket", func(t *testing.T) {
		_, err := r.Validate("ETH-PERP", d("100"), d("2"))
		assert.ErrorIs(t, err, ErrMarketNotFound)
	})
}

func TestRegistryAggregates(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(testMarketConfig("BTC-PERP")))

	require.NoError(t, r.RecordOpen("BTC-PERP", Long, d("600"), d("60")))
	require.NoError(t, r.RecordOpen("BTC-PERP", Short, d("400"), d("40")))
	require.NoError(t, r.RecordOpen("BTC-PERP", Long, d("150.5"), d("15.05")))

	m, err := r.Get("BTC-PERP")
	require.NoError(t, err)
	assertDecimal(t, "750.5", m.TotalLongSize)
	assertDecimal(t, "400", m.TotalShortSize)
	assertDecimal(t, "75.05", m.TotalLongCollateral)
	assertDecimal(t, "40", m.TotalShortCollateral)

	require.NoError(t, r.RecordClose("BTC-PERP", Long, d("150.5"), d("15.05")))
	m, _ = r.Get("BTC-PERP")
	assertDecimal(t, "600", m.TotalLongSize)
	assertDecimal(t, "60", m.TotalLongCollateral)

	t.Run("NegativeHalts", func(t *testing.T) {
		var halted string
		r.OnHalt(func(symbol, reason string) { halted = symbol })

		err := r.RecordClose("BTC-PERP", Short, d("500"), d("50"))
		assert.ErrorIs(t, err, ErrInvariantViolation)
		assert.Equal(t, "BTC-PERP", halted)

		m, _ := r.Get("BTC-PERP")
		assert.True(t, m.Halted)
		// Not silently corrected
		assertDecimal(t, "-100", m.TotalShortSize)

		_, err = r.Validate("BTC-PERP", d("100"), d("2"))
		assert.ErrorIs(t, err, ErrMarketHalted)

		require.NoError(t, r.Resume("BTC-PERP"))
		m, _ = r.Get("BTC-PERP")
		assert.False(t, m.Halted)
	})
}

func TestRegistryAggregateCapacity(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(testMarketConfig("BTC-PERP")))

	for i := 0; i < 9; i++ {
		require.NoError(t, r.RecordOpen("BTC-PERP", Long, MaxPositionSize, MaxPositionSize))
	}

	err := r.RecordOpen("BTC-PERP", Long, MaxPositionSize, d("1"))
	assert.ErrorIs(t, err, ErrMarketCapacity)
	assert.ErrorIs(t, err, ErrMarketRejected)

	err = r.RecordOpen("BTC-PERP", Long, d("1"), MaxPositionSize)
	assert.ErrorIs(t, err, ErrMarketCapacity)

	_, err = r.Validate("BTC-PERP", d("10000000000000"), d("1"))
	assert.ErrorIs(t, err, ErrSizeTooLarge)

	// Rejected adds leave both counters untouched
	m, _ := r.Get("BTC-PERP")
	assertDecimal(t, "9000000000000", m.TotalLongSize)
	assertDecimal(t, "9000000000000", m.TotalLongCollateral)
	assert.False(t, m.Halted)

	require.NoError(t, r.RecordOpen("BTC-PERP", Short, MaxPositionSize, d("1")))
}

func TestRegistryReconfigure(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(testMarketConfig("BTC-PERP")))
	require.NoError(t, r.SetPrice("BTC-PERP", d("120")))

	changed, err := r.Reconfigure(testMarketConfig("BTC-PERP"))
	require.NoError(t, err)
	assert.False(t, changed)

	cfg := testMarketConfig("BTC-PERP")
	cfg.MaxLeverage = d("50")
	cfg.MinOrderSize = d("1")
	changed, err = r.Reconfigure(cfg)
	require.NoError(t, err)
	assert.True(t, changed)

	m, _ := r.Get("BTC-PERP")
	assertDecimal(t, "50", m.MaxLeverage)
	assertDecimal(t, "1", m.MinOrderSize)
	assertDecimal(t, "120", m.CurrentPrice)

	cfg.MaxLeverage = d("0")
	_, err = r.Reconfigure(cfg)
	assert.Error(t, err)

	_, err = r.Reconfigure(testMarketConfig("ETH-PERP"))
	assert.ErrorIs(t, err, ErrMarketNotFound)
}

func TestRegistryVerify(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(testMarketConfig("BTC-PERP")))

	open := []*Position{
		{ID: "a", Symbol: "BTC-PERP", Side: Long, Size: d("100"), Collateral: d("10")},
		{ID: "b", Symbol: "BTC-PERP", Side: Short, Size: d("50"), Collateral: d("5")},
	}
	for _, p := range open {
		require.NoError(t, r.RecordOpen(p.Symbol, p.Side, p.Size, p.Collateral))
	}
	assert.NoError(t, r.Verify("BTC-PERP", open))

	t.Run("Drift", func(t *testing.T) {
		err := r.Verify("BTC-PERP", open[:1])
		assert.ErrorIs(t, err, ErrInvariantViolation)

		m, _ := r.Get("BTC-PERP")
		assert.True(t, m.Halted)
	})
}
