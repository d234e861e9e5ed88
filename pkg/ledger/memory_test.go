package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/perp"
)

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.Deposit("alice", decimal.NewFromInt(1000)))

	t.Run("Debit", func(t *testing.T) {
		require.NoError(t, l.Debit(ctx, "alice", decimal.NewFromInt(100), perp.ReasonOpen, "p1"))
		assert.True(t, decimal.NewFromInt(900).Equal(l.Balance("alice")))

		// Same key is applied once
		require.NoError(t, l.Debit(ctx, "alice", decimal.NewFromInt(100), perp.ReasonOpen, "p1"))
		assert.True(t, decimal.NewFromInt(900).Equal(l.Balance("alice")))
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		err := l.Debit(ctx, "alice", decimal.NewFromInt(5000), perp.ReasonOpen, "p2")
		assert.ErrorIs(t, err, perp.ErrInsufficientFunds)
		assert.True(t, decimal.NewFromInt(900).Equal(l.Balance("alice")))

		// A rejected debit does not burn its key
		require.NoError(t, l.Deposit("alice", decimal.NewFromInt(5000)))
		require.NoError(t, l.Debit(ctx, "alice", decimal.NewFromInt(5000), perp.ReasonOpen, "p2"))
		assert.True(t, decimal.NewFromInt(900).Equal(l.Balance("alice")))
	})

	t.Run("CreditOnce", func(t *testing.T) {
		require.NoError(t, l.Credit(ctx, "alice", decimal.NewFromInt(145), perp.ReasonSettlement, "p1"))
		require.NoError(t, l.Credit(ctx, "alice", decimal.NewFromInt(145), perp.ReasonSettlement, "p1"))
		assert.True(t, decimal.NewFromInt(1045).Equal(l.Balance("alice")))
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		assert.ErrorIs(t, l.Credit(ctx, "alice", decimal.Zero, perp.ReasonSettlement, "p9"), ErrInvalidAmount)
		assert.ErrorIs(t, l.Debit(ctx, "alice", decimal.NewFromInt(-1), perp.ReasonOpen, "p9"), ErrInvalidAmount)
		assert.ErrorIs(t, l.Deposit("alice", decimal.Zero), ErrInvalidAmount)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, l.Credit(cctx, "alice", decimal.NewFromInt(1), perp.ReasonSettlement, "p10"), context.Canceled)
	})

	entries := l.Entries("alice")
	require.Len(t, entries, 5)
	assert.Equal(t, "deposit", entries[0].Reason)
	assert.True(t, decimal.NewFromInt(-100).Equal(entries[1].Amount))
	assert.Empty(t, l.Entries("bob"))
}

func TestMemoryLedgerConcurrent(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.Deposit("alice", decimal.NewFromInt(100)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Credit(ctx, "alice", decimal.NewFromInt(10), perp.ReasonSettlement, "same")
		}()
	}
	wg.Wait()

	assert.True(t, decimal.NewFromInt(110).Equal(l.Balance("alice")))
}

func TestToMicroUnits(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		roundUp bool
		want    int64
	}{
		{"Whole", "145", false, 145000000},
		{"Fraction", "33.3333333333", false, 33333333},
		{"FractionRoundUp", "33.3333333333", true, 33333334},
		{"SubMicroDown", "0.0000001", false, 0},
		{"SubMicroUp", "0.0000001", true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toMicroUnits(decimal.RequireFromString(tt.amount), tt.roundUp)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := toMicroUnits(decimal.Zero, false)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
