// Package config loads the perpd configuration file
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/perps/pkg/ledger"
	"github.com/luxfi/perps/pkg/perp"
)

// Config is the top-level daemon configuration
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Engine      EngineConfig      `yaml:"engine"`
	Funding     FundingConfig     `yaml:"funding"`
	Fees        FeeConfig         `yaml:"fees"`
	Liquidation LiquidationConfig `yaml:"liquidation"`
	Markets     []MarketConfig    `yaml:"markets"`

	Storage StorageConfig `yaml:"storage"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Feed    FeedConfig    `yaml:"feed"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig holds collaborator timeouts
type EngineConfig struct {
	LedgerTimeout time.Duration `yaml:"ledger_timeout"`
	FeedTimeout   time.Duration `yaml:"feed_timeout"`
	DebitOnOpen   bool          `yaml:"debit_on_open"`
}

// FundingConfig configures the funding schedule
type FundingConfig struct {
	BaseRate    float64       `yaml:"base_rate"`
	Sensitivity float64       `yaml:"sensitivity"`
	Interval    time.Duration `yaml:"interval"`
	HistorySize int           `yaml:"history_size"`
}

// FeeConfig configures the close fee. A zero rate charges each market's taker fee.
type FeeConfig struct {
	Rate          float64           `yaml:"rate"`
	ReferrerShare float64           `yaml:"referrer_share"`
	Referrers     map[string]string `yaml:"referrers"` // owner -> referrer
}

// LiquidationConfig configures the automatic liquidation sweep
type LiquidationConfig struct {
	AutoLiquidate bool          `yaml:"auto_liquidate"`
	Interval      time.Duration `yaml:"interval"`
}

// MarketConfig describes one market
type MarketConfig struct {
	Symbol                string  `yaml:"symbol"`
	MaxLeverage           float64 `yaml:"max_leverage"`
	InitialMarginRate     float64 `yaml:"initial_margin_rate"`
	MaintenanceMarginRate float64 `yaml:"maintenance_margin_rate"`
	MakerFee              float64 `yaml:"maker_fee"`
	TakerFee              float64 `yaml:"taker_fee"`
	MinOrderSize          float64 `yaml:"min_order_size"`
	InitialPrice          float64 `yaml:"initial_price"`
	Inactive              bool    `yaml:"inactive"`
}

// StorageConfig selects the database backend
type StorageConfig struct {
	Backend   string `yaml:"backend"` // badgerdb or memory
	Namespace string `yaml:"namespace"`
}

// LedgerConfig selects the ledger backend
type LedgerConfig struct {
	Backend  string             `yaml:"backend"` // memory or redis
	Redis    ledger.RedisConfig `yaml:"redis"`
	Deposits map[string]float64 `yaml:"deposits"` // Seed balances for the memory ledger
}

// FeedConfig configures the mark price feed
type FeedConfig struct {
	Kind       string        `yaml:"kind"` // static or synthetic
	Interval   time.Duration `yaml:"interval"`
	Volatility float64       `yaml:"volatility"`
	Seed       int64         `yaml:"seed"`
}

// NATSConfig configures event publishing
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Prefix  string `yaml:"prefix"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Default returns a configuration with a single BTC market
func Default() *Config {
	return &Config{
		DataDir:  ".perpd",
		LogLevel: "info",
		Engine: EngineConfig{
			LedgerTimeout: 5 * time.Second,
			FeedTimeout:   2 * time.Second,
			DebitOnOpen:   true,
		},
		Funding: FundingConfig{
			BaseRate:    0.01,
			Sensitivity: 0.05,
			Interval:    8 * time.Hour,
			HistorySize: 90,
		},
		Liquidation: LiquidationConfig{Interval: 5 * time.Second},
		Markets: []MarketConfig{{
			Symbol:                "BTC-PERP",
			MaxLeverage:           20,
			InitialMarginRate:     0.05,
			MaintenanceMarginRate: 0.025,
			MakerFee:              0.0002,
			TakerFee:              0.0005,
			MinOrderSize:          10,
			InitialPrice:          50000,
		}},
		Storage: StorageConfig{Backend: "badgerdb", Namespace: "perpd"},
		Ledger:  LedgerConfig{Backend: "memory"},
		Feed:    FeedConfig{Kind: "synthetic", Interval: time.Second, Volatility: 0.002},
		NATS:    NATSConfig{URL: "nats://127.0.0.1:4222", Prefix: "perps"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090", Namespace: "perps"},
	}
}

// Load reads path over the defaults. Fields missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine would reject
func (c *Config) Validate() error {
	var errs []error

	if len(c.Markets) == 0 {
		errs = append(errs, errors.New("no markets configured"))
	}
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		switch {
		case m.Symbol == "":
			errs = append(errs, fmt.Errorf("markets[%d]: symbol is required", i))
		case seen[m.Symbol]:
			errs = append(errs, fmt.Errorf("markets[%d]: duplicate symbol %s", i, m.Symbol))
		}
		seen[m.Symbol] = true

		if m.MaxLeverage < 1 {
			errs = append(errs, fmt.Errorf("market %s: max_leverage must be at least 1", m.Symbol))
		}
		if m.MaintenanceMarginRate < 0 || m.MaintenanceMarginRate >= 1 {
			errs = append(errs, fmt.Errorf("market %s: maintenance_margin_rate must be in [0, 1)", m.Symbol))
		}
		if m.InitialPrice <= 0 {
			errs = append(errs, fmt.Errorf("market %s: initial_price must be positive", m.Symbol))
		}
		if m.MinOrderSize < 0 || m.TakerFee < 0 || m.MakerFee < 0 {
			errs = append(errs, fmt.Errorf("market %s: fees and min_order_size cannot be negative", m.Symbol))
		}
	}

	if c.Funding.Interval <= 0 {
		errs = append(errs, errors.New("funding.interval must be positive"))
	}
	if c.Fees.Rate < 0 || c.Fees.ReferrerShare < 0 || c.Fees.ReferrerShare > 1 {
		errs = append(errs, errors.New("fees: rate must be non-negative and referrer_share in [0, 1]"))
	}
	if c.Liquidation.AutoLiquidate && c.Liquidation.Interval <= 0 {
		errs = append(errs, errors.New("liquidation.interval must be positive"))
	}

	switch c.Storage.Backend {
	case "badgerdb", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: want badgerdb or memory", c.Storage.Backend))
	}
	switch c.Ledger.Backend {
	case "memory":
	case "redis":
		if c.Ledger.Redis.Addr == "" {
			errs = append(errs, errors.New("ledger.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend %q: want memory or redis", c.Ledger.Backend))
	}
	switch c.Feed.Kind {
	case "static", "synthetic":
	default:
		errs = append(errs, fmt.Errorf("feed.kind %q: want static or synthetic", c.Feed.Kind))
	}
	if c.Feed.Interval <= 0 {
		errs = append(errs, errors.New("feed.interval must be positive"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}

	return errors.Join(errs...)
}

// MarketConfigs converts the market list for the engine
func (c *Config) MarketConfigs() []perp.MarketConfig {
	out := make([]perp.MarketConfig, 0, len(c.Markets))
	for _, m := range c.Markets {
		out = append(out, perp.MarketConfig{
			Symbol:                m.Symbol,
			MaxLeverage:           decimal.NewFromFloat(m.MaxLeverage),
			InitialMarginRate:     decimal.NewFromFloat(m.InitialMarginRate),
			MaintenanceMarginRate: decimal.NewFromFloat(m.MaintenanceMarginRate),
			MakerFee:              decimal.NewFromFloat(m.MakerFee),
			TakerFee:              decimal.NewFromFloat(m.TakerFee),
			MinOrderSize:          decimal.NewFromFloat(m.MinOrderSize),
			InitialPrice:          decimal.NewFromFloat(m.InitialPrice),
			Active:                !m.Inactive,
		})
	}
	return out
}

// EngineConfig converts the engine and funding sections
func (c *Config) EngineConfig() *perp.Config {
	return &perp.Config{
		Funding: &perp.FundingConfig{
			BaseRate:    decimal.NewFromFloat(c.Funding.BaseRate),
			Sensitivity: decimal.NewFromFloat(c.Funding.Sensitivity),
			Interval:    c.Funding.Interval,
			HistorySize: c.Funding.HistorySize,
		},
		LedgerTimeout: c.Engine.LedgerTimeout,
		FeedTimeout:   c.Engine.FeedTimeout,
		DebitOnOpen:   c.Engine.DebitOnOpen,
	}
}

// FeePolicy returns the configured fee policy, or nil to charge each
// market's taker fee
func (c *Config) FeePolicy() perp.FeePolicy {
	if c.Fees.Rate == 0 {
		return nil
	}
	policy := perp.NewRatePolicy(decimal.NewFromFloat(c.Fees.Rate))
	policy.ReferrerShare = decimal.NewFromFloat(c.Fees.ReferrerShare)
	for owner, referrer := range c.Fees.Referrers {
		policy.Referrers[owner] = referrer
	}
	return policy
}
