package perp

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger holds user cash balances. Implementations must treat a credit with an
// already-seen (reason, relatedID) pair as a successful no-op.
type Ledger interface {
	Debit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, relatedID string) error
	Credit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, relatedID string) error
}

// FeePolicy computes trading fees. The fee amount depends only on the traded
// notional; ownerID only selects where the referral share goes.
type FeePolicy interface {
	CalculateFee(ownerID string, notional decimal.Decimal) FeeResult
}

// PriceFeed returns the current mark price for a market
type PriceFeed interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// EventType names a lifecycle event
type EventType string

const (
	EventPositionOpened EventType = "position.opened"
	EventPositionClosed EventType = "position.closed"
	EventFundingApplied EventType = "funding.applied"
	EventMarketHalted   EventType = "market.halted"
)

// Event is published after a state change has been committed
type Event struct {
	Type       EventType          `json:"type"`
	Symbol     string             `json:"symbol"`
	Position   *Position          `json:"position,omitempty"`
	Settlement *Settlement        `json:"settlement,omitempty"`
	Funding    *FundingSettlement `json:"funding,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// EventSink receives committed lifecycle events
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Recorder receives engine measurements
type Recorder interface {
	PositionOpened(symbol, side string)
	PositionClosed(symbol string, liquidated bool, latency time.Duration)
	FundingApplied(symbol string, rate float64, positions int)
	MarketMarked(symbol string, price, openInterest float64)
	CollaboratorFailure(op string)
	InvariantViolation(symbol string)
}

type nopRecorder struct{}

func (nopRecorder) PositionOpened(string, string) {}
func (nopRecorder) PositionClosed(string, bool, time.Duration) {}
func (nopRecorder) FundingApplied(string, float64, int) {}
func (nopRecorder) MarketMarked(string, float64, float64) {}
func (nopRecorder) CollaboratorFailure(string) {}
func (nopRecorder) InvariantViolation(string) {}
