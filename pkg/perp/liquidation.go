package perp

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ScanLiquidatable returns the open positions of symbol whose liquidation
// price has been crossed by the current market price, most underwater first.
// Settlement still flags liquidations on any close; the scan lets an operator
// act before a position's owner does.
func (e *Engine) ScanLiquidatable(symbol string) ([]*Position, error) {
	m, err := e.registry.Get(symbol)
	if err != nil {
		return nil, err
	}
	if !m.CurrentPrice.IsPositive() {
		return nil, nil
	}

	var candidates []*Position
	for _, p := range e.store.OpenBySymbol(symbol) {
		if p.IsLiquidatable(m.CurrentPrice) {
			p.Mark(m.CurrentPrice)
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UnrealizedPnL.Div(candidates[i].Collateral).
			LessThan(candidates[j].UnrealizedPnL.Div(candidates[j].Collateral))
	})
	return candidates, nil
}

// Liquidate closes a position as the system actor. It fails with
// ErrNotLiquidatable when the exit price no longer crosses the liquidation price.
func (e *Engine) Liquidate(ctx context.Context, positionID string) (*Settlement, error) {
	unlock := e.store.Lock(positionID)
	defer unlock()

	p, err := e.store.Get(positionID)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, positionID)
	}
	return e.closeLocked(ctx, p, ReasonLiquidation)
}

// SweepLiquidations liquidates every candidate returned by ScanLiquidatable.
// Positions closed or recovered in the meantime are skipped.
func (e *Engine) SweepLiquidations(ctx context.Context, symbol string) ([]*Settlement, error) {
	candidates, err := e.ScanLiquidatable(symbol)
	if err != nil {
		return nil, err
	}

	var settled []*Settlement
	for _, p := range candidates {
		s, err := e.Liquidate(ctx, p.ID)
		switch {
		case err == nil:
			settled = append(settled, s)
		case errors.Is(err, ErrAlreadyClosed), errors.Is(err, ErrNotLiquidatable):
			continue
		default:
			return settled, err
		}
	}
	return settled, nil
}
