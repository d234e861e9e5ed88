package perp

import (
	"github.com/shopspring/decimal"
)

// Settle converts a closed position into its cash settlement. It is pure: the
// ledger credit is performed by the engine.
func Settle(p *Position, fee FeeResult) Settlement {
	margin := p.Collateral
	gross := margin.Add(p.RealizedPnL).Sub(p.FundingPaid)

	net := gross.Sub(fee.FeeCharged)
	if net.IsNegative() {
		net = decimal.Zero
	}

	s := Settlement{
		PositionID:      p.ID,
		OwnerID:         p.OwnerID,
		Symbol:          p.Symbol,
		Side:            p.Side,
		ExitPrice:       p.CurrentPrice,
		MarginPaid:      margin,
		RealizedPnL:     p.RealizedPnL,
		FundingPaid:     p.FundingPaid,
		GrossSettlement: gross,
		Fee:             fee,
		NetSettlement:   net,
		WasLiquidated:   net.IsZero() && gross.LessThanOrEqual(fee.FeeCharged),
	}
	if p.ClosedAt != nil {
		s.ClosedAt = *p.ClosedAt
	}
	return s
}

// RatePolicy charges a flat rate on notional and splits a share of the fee to
// the owner's referrer when one is known.
type RatePolicy struct {
	Rate          decimal.Decimal
	ReferrerShare decimal.Decimal
	Referrers     map[string]string // owner -> referrer
}

// NewRatePolicy creates a fee policy without referrals
func NewRatePolicy(rate decimal.Decimal) *RatePolicy {
	return &RatePolicy{
		Rate:      rate,
		Referrers: make(map[string]string),
	}
}

// CalculateFee implements FeePolicy
func (rp *RatePolicy) CalculateFee(ownerID string, notional decimal.Decimal) FeeResult {
	fee := notional.Abs().Mul(rp.Rate)
	result := FeeResult{
		FeeCharged:       fee,
		ReferrerPaid:     decimal.Zero,
		PlatformReceived: fee,
	}

	referrer, ok := rp.Referrers[ownerID]
	if !ok || referrer == "" || !rp.ReferrerShare.IsPositive() {
		return result
	}

	share := rp.ReferrerShare
	if share.GreaterThan(one) {
		share = one
	}
	result.ReferrerPaid = fee.Mul(share)
	result.PlatformReceived = fee.Sub(result.ReferrerPaid)
	result.ReferrerID = &referrer
	return result
}

// FixedFee charges the same fee on every close
type FixedFee decimal.Decimal

// CalculateFee implements FeePolicy
func (f FixedFee) CalculateFee(string, decimal.Decimal) FeeResult {
	fee := decimal.Decimal(f)
	return FeeResult{
		FeeCharged:       fee,
		ReferrerPaid:     decimal.Zero,
		PlatformReceived: fee,
	}
}
