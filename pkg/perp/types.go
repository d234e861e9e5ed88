package perp

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == Long || s == Short
}

// Sign returns +1 for Long and -1 for Short
func (s Side) Sign() decimal.Decimal {
	if s == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (s Side) String() string {
	return string(s)
}

// MarketConfig holds the static parameters of a perpetual market
type MarketConfig struct {
	Symbol                string
	MaxLeverage           decimal.Decimal
	InitialMarginRate     decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	MakerFee              decimal.Decimal
	TakerFee              decimal.Decimal
	MinOrderSize          decimal.Decimal
	InitialPrice          decimal.Decimal
	Active                bool
}

// Market is a point-in-time view of a market's configuration and running aggregates
type Market struct {
	Symbol                string          `json:"symbol"`
	CurrentPrice          decimal.Decimal `json:"currentPrice"`
	MaxLeverage           decimal.Decimal `json:"maxLeverage"`
	InitialMarginRate     decimal.Decimal `json:"initialMarginRate"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenanceMarginRate"`
	MakerFee              decimal.Decimal `json:"makerFee"`
	TakerFee              decimal.Decimal `json:"takerFee"`
	MinOrderSize          decimal.Decimal `json:"minOrderSize"`
	FundingRate           decimal.Decimal `json:"fundingRate"`
	FundingEpoch          int64           `json:"fundingEpoch"`
	TotalLongSize         decimal.Decimal `json:"totalLongSize"`
	TotalShortSize        decimal.Decimal `json:"totalShortSize"`
	TotalLongCollateral   decimal.Decimal `json:"totalLongCollateral"`
	TotalShortCollateral  decimal.Decimal `json:"totalShortCollateral"`
	Active                bool            `json:"active"`
	Halted                bool            `json:"halted"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// Config returns the static configuration part of the market
func (m Market) Config() MarketConfig {
	return MarketConfig{
		Symbol:                m.Symbol,
		MaxLeverage:           m.MaxLeverage,
		InitialMarginRate:     m.InitialMarginRate,
		MaintenanceMarginRate: m.MaintenanceMarginRate,
		MakerFee:              m.MakerFee,
		TakerFee:              m.TakerFee,
		MinOrderSize:          m.MinOrderSize,
		InitialPrice:          m.CurrentPrice,
		Active:                m.Active,
	}
}

// Position is a single isolated-margin perpetual position
type Position struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"ownerId"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Size             decimal.Decimal `json:"size"`
	Leverage         decimal.Decimal `json:"leverage"`
	Collateral       decimal.Decimal `json:"collateral"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	CurrentPrice     decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL      decimal.Decimal `json:"realizedPnl"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	FundingPaid      decimal.Decimal `json:"fundingPaid"`
	OpenedAt         time.Time       `json:"openedAt"`
	ClosedAt         *time.Time      `json:"closedAt,omitempty"`

	// Funding bookkeeping
	LastFundingAt    time.Time `json:"lastFundingAt"`
	LastFundingEpoch int64     `json:"lastFundingEpoch"`

	// Version increases on every persisted change
	Version uint64 `json:"version"`
}

// IsOpen reports whether the position has not been closed yet
func (p *Position) IsOpen() bool {
	return p.ClosedAt == nil
}

// Clone returns a deep copy of the position
func (p *Position) Clone() *Position {
	c := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Notional returns size valued at the position's current mark
func (p *Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.CurrentPrice)
}

// FeeResult is the outcome of a fee policy calculation
type FeeResult struct {
	FeeCharged       decimal.Decimal `json:"feeCharged"`
	ReferrerPaid     decimal.Decimal `json:"referrerPaid"`
	PlatformReceived decimal.Decimal `json:"platformReceived"`
	ReferrerID       *string         `json:"referrerId,omitempty"`
}

// Settlement is the cash outcome of closing a position
type Settlement struct {
	PositionID      string          `json:"positionId"`
	OwnerID         string          `json:"ownerId"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	ExitPrice       decimal.Decimal `json:"exitPrice"`
	MarginPaid      decimal.Decimal `json:"marginPaid"`
	RealizedPnL     decimal.Decimal `json:"realizedPnl"`
	FundingPaid     decimal.Decimal `json:"fundingPaid"`
	GrossSettlement decimal.Decimal `json:"grossSettlement"`
	Fee             FeeResult       `json:"fee"`
	NetSettlement   decimal.Decimal `json:"netSettlement"`
	WasLiquidated   bool            `json:"wasLiquidated"`
	ClosedAt        time.Time       `json:"closedAt"`
}

// FundingSettlement is the append-only record of one funding tick on a market
type FundingSettlement struct {
	Symbol        string          `json:"symbol"`
	Epoch         int64           `json:"epoch"`
	IntervalStart time.Time       `json:"intervalStart"`
	Rate          decimal.Decimal `json:"rate"`
	Imbalance     decimal.Decimal `json:"imbalance"`
	Positions     int             `json:"positions"`
	LongsPaid     decimal.Decimal `json:"longsPaid"`
	ShortsPaid    decimal.Decimal `json:"shortsPaid"`
	Timestamp     time.Time       `json:"timestamp"`
}
