package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/perp"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(map[string]decimal.Decimal{"BTC-PERP": decimal.NewFromInt(100)})

	price, err := s.CurrentPrice(ctx, "BTC-PERP")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(price))

	s.Set("BTC-PERP", decimal.NewFromInt(105))
	price, err = s.CurrentPrice(ctx, "BTC-PERP")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(105).Equal(price))

	_, err = s.CurrentPrice(ctx, "ETH-PERP")
	assert.ErrorIs(t, err, perp.ErrFeedUnavailable)
}

func TestSyntheticBounds(t *testing.T) {
	ctx := context.Background()
	cfg := SyntheticConfig{Volatility: 0.5, MinPrice: 0.8, MaxPrice: 1.25, Seed: 42}
	s := NewSynthetic(cfg, map[string]decimal.Decimal{"BTC-PERP": decimal.NewFromInt(100)})

	moved := false
	for i := 0; i < 500; i++ {
		s.Step()
		price, err := s.CurrentPrice(ctx, "BTC-PERP")
		require.NoError(t, err)
		assert.True(t, price.GreaterThanOrEqual(decimal.NewFromInt(80)), "price %s", price)
		assert.True(t, price.LessThanOrEqual(decimal.NewFromInt(125)), "price %s", price)
		if !price.Equal(decimal.NewFromInt(100)) {
			moved = true
		}
	}
	assert.True(t, moved)

	_, err := s.CurrentPrice(ctx, "ETH-PERP")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestSyntheticDeterministic(t *testing.T) {
	ctx := context.Background()
	initial := map[string]decimal.Decimal{"BTC-PERP": decimal.NewFromInt(100)}
	a := NewSynthetic(SyntheticConfig{Volatility: 0.01, MinPrice: 0.5, MaxPrice: 2, Seed: 7}, initial)
	b := NewSynthetic(SyntheticConfig{Volatility: 0.01, MinPrice: 0.5, MaxPrice: 2, Seed: 7}, initial)

	for i := 0; i < 10; i++ {
		a.Step()
		b.Step()
	}
	pa, _ := a.CurrentPrice(ctx, "BTC-PERP")
	pb, _ := b.CurrentPrice(ctx, "BTC-PERP")
	assert.True(t, pa.Equal(pb))
}

type recordingMarker struct {
	mu    sync.Mutex
	marks map[string]decimal.Decimal
	calls int
	fail  map[string]bool
}

func (m *recordingMarker) Mark(_ context.Context, symbol string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail[symbol] {
		return errors.New("halted")
	}
	m.marks[symbol] = price
	return nil
}

func TestRunner(t *testing.T) {
	static := NewStatic(map[string]decimal.Decimal{
		"BTC-PERP": decimal.NewFromInt(100),
		"ETH-PERP": decimal.NewFromInt(10),
	})
	marker := &recordingMarker{marks: map[string]decimal.Decimal{}, fail: map[string]bool{"ETH-PERP": true}}

	// SOL-PERP has no price, ETH-PERP is rejected by the marker
	r := NewRunner(static, marker, []string{"BTC-PERP", "ETH-PERP", "SOL-PERP"}, time.Millisecond)
	assert.Equal(t, 1, r.Once(context.Background()))

	assert.True(t, decimal.NewFromInt(100).Equal(marker.marks["BTC-PERP"]))
	assert.NotContains(t, marker.marks, "ETH-PERP")
	assert.Equal(t, 2, marker.calls)

	t.Run("RunStopsOnCancel", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.NoError(t, r.Run(ctx))

		marker.mu.Lock()
		defer marker.mu.Unlock()
		assert.Greater(t, marker.calls, 2)
	})
}
