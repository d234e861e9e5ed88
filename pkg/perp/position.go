package perp

import (
	"time"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// LiquidationPrice returns the mark price at which a position's margin is
// consumed down to the maintenance requirement.
//
//	Long:  entry * (1 - 1/leverage + mmr)
//	Short: entry * (1 + 1/leverage - mmr)
func LiquidationPrice(entry decimal.Decimal, side Side, leverage, maintenanceMarginRate decimal.Decimal) decimal.Decimal {
	inv := one.Div(leverage)
	if side == Short {
		return entry.Mul(one.Add(inv).Sub(maintenanceMarginRate))
	}
	return entry.Mul(one.Sub(inv).Add(maintenanceMarginRate))
}

// UnrealizedPnL values a position at price as a percentage of its notional
func UnrealizedPnL(side Side, size, entry, price decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(entry).Mul(size).Div(entry).Mul(side.Sign())
}

// NewPosition builds an open position at the market's current price
func NewPosition(id, ownerID string, m Market, side Side, size, leverage decimal.Decimal, now time.Time, fundingInterval time.Duration) *Position {
	entry := m.CurrentPrice
	return &Position{
		ID:               id,
		OwnerID:          ownerID,
		Symbol:           m.Symbol,
		Side:             side,
		Size:             size,
		Leverage:         leverage,
		Collateral:       size.Div(leverage),
		EntryPrice:       entry,
		CurrentPrice:     entry,
		UnrealizedPnL:    decimal.Zero,
		RealizedPnL:      decimal.Zero,
		LiquidationPrice: LiquidationPrice(entry, side, leverage, m.MaintenanceMarginRate),
		FundingPaid:      decimal.Zero,
		OpenedAt:         now,
		LastFundingAt:    now,
		LastFundingEpoch: FundingEpoch(now, fundingInterval),
		Version:          1,
	}
}

// Mark revalues an open position at price and returns the new unrealized PnL.
// Closed positions are frozen and keep their exit values.
func (p *Position) Mark(price decimal.Decimal) decimal.Decimal {
	if !p.IsOpen() {
		return p.UnrealizedPnL
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = UnrealizedPnL(p.Side, p.Size, p.EntryPrice, price)
	return p.UnrealizedPnL
}

// IsLiquidatable reports whether price has crossed the liquidation price
func (p *Position) IsLiquidatable(price decimal.Decimal) bool {
	if !p.IsOpen() {
		return false
	}
	if p.Side == Long {
		return price.LessThanOrEqual(p.LiquidationPrice)
	}
	return price.GreaterThanOrEqual(p.LiquidationPrice)
}

// close fixes realized PnL at the latest mark and freezes the position
func (p *Position) close(exitPrice decimal.Decimal, at time.Time) {
	p.Mark(exitPrice)
	p.RealizedPnL = p.UnrealizedPnL
	closedAt := at
	p.ClosedAt = &closedAt
	p.Version++
}
