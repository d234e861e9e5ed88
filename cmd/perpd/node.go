package main

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/perps/pkg/config"
	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/feed"
	"github.com/luxfi/perps/pkg/ledger"
	"github.com/luxfi/perps/pkg/marketdata"
	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/perp"
)

// Node wires the engine to its collaborators and background loops
type Node struct {
	config *config.Config
	logger log.Logger

	db       database.Database
	engine   *perp.Engine
	reporter *marketdata.Reporter
	metrics  *metrics.Metrics
	feed     perp.PriceFeed

	redis     *ledger.Redis
	publisher *events.NATSPublisher
}

// NewNode opens storage and collaborators and restores engine state
func NewNode(ctx context.Context, cfg *config.Config, logger log.Logger) (*Node, error) {
	n := &Node{config: cfg, logger: logger}

	db, err := openDatabase(logger, cfg.DataDir, cfg.Storage.Backend, cfg.Storage.Namespace)
	if err != nil {
		return nil, err
	}
	n.db = db

	var recorder perp.Recorder
	var counter events.Counter
	if cfg.Metrics.Enabled {
		n.metrics = metrics.New(cfg.Metrics.Namespace)
		recorder, counter = n.metrics, n.metrics
	}

	accounts, err := n.openLedger(ctx)
	if err != nil {
		n.Close()
		return nil, err
	}

	opts := []perp.Option{perp.WithLogger(logger.New("module", "perp"))}
	if recorder != nil {
		opts = append(opts, perp.WithRecorder(recorder))
	}
	if policy := cfg.FeePolicy(); policy != nil {
		opts = append(opts, perp.WithFeePolicy(policy))
	}
	if cfg.NATS.Enabled {
		n.publisher, err = events.Connect(cfg.NATS.URL, cfg.NATS.Prefix, counter)
		if err != nil {
			n.Close()
			return nil, err
		}
		opts = append(opts, perp.WithEventSink(n.publisher))
	}

	prices := make(map[string]decimal.Decimal, len(cfg.Markets))
	for _, m := range cfg.MarketConfigs() {
		prices[m.Symbol] = m.InitialPrice
	}
	switch cfg.Feed.Kind {
	case "synthetic":
		n.feed = feed.NewSynthetic(feed.SyntheticConfig{
			Volatility: cfg.Feed.Volatility,
			MinPrice:   0.5,
			MaxPrice:   2,
			Seed:       cfg.Feed.Seed,
		}, prices)
	default:
		n.feed = feed.NewStatic(prices)
	}
	opts = append(opts, perp.WithPriceFeed(n.feed))

	registry := perp.NewRegistry(logger.New("module", "registry"))
	n.engine = perp.NewEngine(cfg.EngineConfig(), registry, perp.NewStore(db), accounts, opts...)
	if err := n.engine.Restore(cfg.MarketConfigs()); err != nil {
		n.Close()
		return nil, fmt.Errorf("restore engine: %w", err)
	}

	n.reporter = marketdata.NewReporter(n.engine, n.engine.Store())
	return n, nil
}

func (n *Node) openLedger(ctx context.Context) (perp.Ledger, error) {
	cfg := n.config.Ledger
	if cfg.Backend == "redis" {
		r, err := ledger.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		n.redis = r
		return r, nil
	}

	mem := ledger.NewMemory()
	for owner, amount := range cfg.Deposits {
		if err := mem.Deposit(owner, decimal.NewFromFloat(amount)); err != nil {
			return nil, fmt.Errorf("deposit for %s: %w", owner, err)
		}
	}
	return mem, nil
}

// Run starts every background loop and blocks until ctx is done or one fails
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	symbols := n.engine.Registry().Symbols()
	runner := feed.NewRunner(n.feed, n.engine, symbols, n.config.Feed.Interval)
	g.Go(func() error { return runner.Run(ctx) })

	g.Go(func() error { return n.runFunding(ctx) })

	g.Go(func() error { return n.runLiquidations(ctx) })

	if n.metrics != nil {
		g.Go(func() error { return n.metrics.StartServer(ctx, n.config.Metrics.Addr) })
		g.Go(func() error {
			n.metrics.CollectSystemMetrics(ctx, 10*time.Second)
			return nil
		})
	}

	g.Go(func() error { return n.printStats(ctx) })

	n.logger.Info("perpd started", "markets", len(symbols))
	return g.Wait()
}

// runFunding applies funding at every epoch boundary. The first round runs
// at startup to catch up an epoch missed while the node was down.
func (n *Node) runFunding(ctx context.Context) error {
	funding := n.engine.Funding()
	for {
		n.tickFunding(ctx)

		next := funding.GetNextFundingTime(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// tickFunding sweeps every market in parallel. Markets are independent, so a
// failure in one is logged and does not stop the others.
func (n *Node) tickFunding(ctx context.Context) {
	var g errgroup.Group
	for _, symbol := range n.engine.Registry().Symbols() {
		g.Go(func() error {
			record, err := n.engine.TickFunding(ctx, symbol)
			if err != nil {
				n.logger.Error("Funding tick failed", "symbol", symbol, "error", err, "retriable", perp.IsRetriable(err))
				return nil
			}
			if record != nil {
				n.logger.Debug("Funding epoch settled", "symbol", symbol, "epoch", record.Epoch)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runLiquidations scans every market on an interval. Candidates are only
// logged unless auto liquidation is enabled.
func (n *Node) runLiquidations(ctx context.Context) error {
	interval := n.config.Liquidation.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, symbol := range n.engine.Registry().Symbols() {
				n.liquidate(ctx, symbol)
			}
		}
	}
}

func (n *Node) liquidate(ctx context.Context, symbol string) int {
	if !n.config.Liquidation.AutoLiquidate {
		candidates, err := n.engine.ScanLiquidatable(symbol)
		if err != nil {
			n.logger.Warn("Liquidation scan failed", "symbol", symbol, "error", err)
			return 0
		}
		if len(candidates) > 0 {
			n.logger.Warn("Positions past liquidation price", "symbol", symbol, "count", len(candidates))
		}
		return 0
	}

	settled, err := n.engine.SweepLiquidations(ctx, symbol)
	if err != nil {
		n.logger.Warn("Liquidation sweep failed", "symbol", symbol, "error", err)
	}
	if len(settled) > 0 {
		n.logger.Info("Positions liquidated", "symbol", symbol, "count", len(settled))
	}
	return len(settled)
}

func (n *Node) printStats(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, s := range n.reporter.AllStats(now) {
				n.logger.Info("Market status",
					"symbol", s.Symbol,
					"mark", s.MarkPrice.String(),
					"open_interest", s.OpenInterest.StringFixed(2),
					"volume_24h", s.Volume24h.StringFixed(2),
					"longs", s.LongPositions,
					"shorts", s.ShortPositions,
					"funding_rate", s.FundingRate.String(),
					"halted", s.Halted)
			}
		}
	}
}

// Close releases collaborators and the database
func (n *Node) Close() {
	if n.publisher != nil {
		n.publisher.Close()
	}
	if n.redis != nil {
		if err := n.redis.Close(); err != nil {
			n.logger.Warn("Failed to close Redis", "error", err)
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Warn("Failed to close database", "error", err)
		}
	}
}
