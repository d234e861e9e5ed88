// Package ledger provides account ledgers the engine debits collateral from
// and credits settlements to.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/perp"
)

// ErrInvalidAmount is returned for zero or negative amounts
var ErrInvalidAmount = errors.New("invalid amount")

// Entry is one applied ledger movement
type Entry struct {
	OwnerID   string          `json:"owner_id"`
	Amount    decimal.Decimal `json:"amount"` // Positive for credits
	Reason    string          `json:"reason"`
	RelatedID string          `json:"related_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// Memory is an in-process ledger. A (reason, relatedID) pair is applied at
// most once, so a retried close never pays twice.
type Memory struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	applied  map[string]bool
	entries  []Entry
}

var _ perp.Ledger = (*Memory)(nil)

// NewMemory creates an empty ledger
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]decimal.Decimal),
		applied:  make(map[string]bool),
	}
}

// Deposit adds funds outside of any position
func (l *Memory) Deposit(ownerID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[ownerID] = l.balances[ownerID].Add(amount)
	l.entries = append(l.entries, Entry{OwnerID: ownerID, Amount: amount, Reason: "deposit", Timestamp: time.Now()})
	return nil
}

// Balance returns an owner's balance
func (l *Memory) Balance(ownerID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[ownerID]
}

// Entries returns the movements applied to an owner, oldest first
func (l *Memory) Entries(ownerID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out
}

// Debit removes amount from an owner's balance
func (l *Memory) Debit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, relatedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := idempotencyKey(reason, relatedID)
	if l.applied[key] {
		return nil
	}
	balance := l.balances[ownerID]
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", perp.ErrInsufficientFunds, ownerID, balance, amount)
	}
	l.balances[ownerID] = balance.Sub(amount)
	l.applied[key] = true
	l.entries = append(l.entries, Entry{OwnerID: ownerID, Amount: amount.Neg(), Reason: reason, RelatedID: relatedID, Timestamp: time.Now()})
	return nil
}

// Credit adds amount to an owner's balance
func (l *Memory) Credit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, relatedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := idempotencyKey(reason, relatedID)
	if l.applied[key] {
		return nil
	}
	l.balances[ownerID] = l.balances[ownerID].Add(amount)
	l.applied[key] = true
	l.entries = append(l.entries, Entry{OwnerID: ownerID, Amount: amount, Reason: reason, RelatedID: relatedID, Timestamp: time.Now()})
	return nil
}

func idempotencyKey(reason, relatedID string) string {
	return reason + ":" + relatedID
}
