package scheduler

import (
	"context"

	"order-ladder-bot-go/internal/reconcile"

	"github.com/shopspring/decimal"
)

// Placer opens a new ladder for a token.
type Placer interface {
	PlaceLadder(ctx context.Context, profile, token, address string, total decimal.Decimal) ([]reconcile.SlotResult, error)
}

// GuardedPlacer places ladders under the profile's single-flight guard, so a
// placement and a reconciliation run never share a browser session or race
// for the same free slots.
type GuardedPlacer struct {
	Registry *Registry
	Placer   Placer
}

func (g GuardedPlacer) PlaceLadder(ctx context.Context, profile, token, address string, total decimal.Decimal) ([]reconcile.SlotResult, error) {
	var results []reconcile.SlotResult
	err := g.Registry.Exclusive(ctx, profile, func(ctx context.Context) error {
		var err error
		results, err = g.Placer.PlaceLadder(ctx, profile, token, address, total)
		return err
	})
	return results, err
}
