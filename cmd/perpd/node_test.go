package main

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/config"
	"github.com/luxfi/perps/pkg/feed"
	"github.com/luxfi/perps/pkg/perp"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Storage.Backend = "memory"
	cfg.Feed.Kind = "static"
	cfg.Metrics.Enabled = false
	cfg.Ledger.Deposits = map[string]float64{"alice": 10000}
	return cfg
}

func TestNodeLifecycle(t *testing.T) {
	ctx := context.Background()
	level, _ := log.ToLevel("error")

	node, err := NewNode(ctx, testConfig(t), log.NewTestLogger(level))
	require.NoError(t, err)
	defer node.Close()

	assert.Equal(t, []string{"BTC-PERP"}, node.engine.Registry().Symbols())

	p, err := node.engine.Open(ctx, "alice", "BTC-PERP", perp.Long, decimal.NewFromInt(1000), decimal.NewFromInt(10))
	require.NoError(t, err)
	assertEqualDecimal(t, "50000", p.EntryPrice)

	// Nothing to charge in the epoch the position opened in
	node.tickFunding(ctx)
	got, err := node.engine.GetPosition(p.ID)
	require.NoError(t, err)
	assert.True(t, got.FundingPaid.IsZero())

	stats := node.reporter.AllStats(time.Now())
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].LongPositions)

	s, err := node.engine.Close(ctx, "alice", p.ID)
	require.NoError(t, err)
	assert.False(t, s.WasLiquidated)
}

func TestNodeLiquidation(t *testing.T) {
	ctx := context.Background()
	level, _ := log.ToLevel("error")
	cfg := testConfig(t)

	node, err := NewNode(ctx, cfg, log.NewTestLogger(level))
	require.NoError(t, err)
	defer node.Close()

	p, err := node.engine.Open(ctx, "alice", "BTC-PERP", perp.Long, decimal.NewFromInt(1000), decimal.NewFromInt(10))
	require.NoError(t, err)
	require.NoError(t, node.engine.Mark(ctx, "BTC-PERP", decimal.NewFromInt(40000)))

	// Closes price from the feed, so move it too
	node.feed.(*feed.Static).Set("BTC-PERP", decimal.NewFromInt(40000))

	assert.Equal(t, 0, node.liquidate(ctx, "BTC-PERP"))
	got, _ := node.engine.GetPosition(p.ID)
	assert.True(t, got.IsOpen())

	cfg.Liquidation.AutoLiquidate = true
	assert.Equal(t, 1, node.liquidate(ctx, "BTC-PERP"))
	got, _ = node.engine.GetPosition(p.ID)
	assert.False(t, got.IsOpen())
}

func TestNodeRunStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.Feed.Interval = 5 * time.Millisecond
	level, _ := log.ToLevel("error")

	node, err := NewNode(context.Background(), cfg, log.NewTestLogger(level))
	require.NoError(t, err)
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, node.Run(ctx))

	m, err := node.engine.Market("BTC-PERP")
	require.NoError(t, err)
	assertEqualDecimal(t, "50000", m.CurrentPrice)
	assert.False(t, m.UpdatedAt.IsZero())
}

func assertEqualDecimal(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(expected).Equal(actual), "expected %s, got %s", expected, actual)
}
