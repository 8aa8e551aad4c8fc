package reconcile

import (
	"context"
	"errors"
	"fmt"

	"order-ladder-bot-go/internal/bracket"
	"order-ladder-bot-go/internal/models"
	"order-ladder-bot-go/internal/session"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// replace tears down a TP-met row and re-issues its slot. A row that could
// not be removed leaves the order untouched so the next pass retries it; a
// failed placement leaves the slot completed and empty.
func (e *Engine) replace(ctx context.Context, p *pass, token *models.Token, c *candidate) error {
	log := p.log.With(zap.String("token", token.Name), zap.Int("slot", c.order.Slot))

	position := p.screenPosition(c.obs.Position)
	res, err := p.sess.DeleteRowAt(ctx, position)
	if err != nil {
		return fmt.Errorf("failed to remove row %d of slot %d: %w", position, c.order.Slot, err)
	}
	if res != session.Deleted {
		log.Warn("Row could not be removed", zap.Int("position", position), zap.String("result", string(res)))
		p.report.fail(token.Name, KindExternal, fmt.Errorf("%w: remove row %d: %s", session.ErrExternalCall, position, res))
		return nil
	}
	p.deleted = append(p.deleted, c.obs.Position)

	if err := e.transition(ctx, p, c, models.OrderCompleted); err != nil {
		return err
	}

	tier, marketCap := e.currentTier(ctx, p, token, c.order)
	plan := e.table.BuildSlot(tier, c.order.Slot, marketCap, c.order.Amount)

	if err := p.sess.SubmitOrder(ctx, token.Name, plan); err != nil {
		log.Error("Replacement order failed", zap.Error(err))
		p.report.fail(token.Name, KindExternal, fmt.Errorf("place replacement for slot %d: %w", c.order.Slot, err))
		p.report.Missing = append(p.report.Missing, MissingSlot{Token: token.Name, Slot: plan.Slot, ExpectedEntry: plan.Entry})
		return nil
	}

	if err := e.ledger.CreateOrder(ctx, newOrder(p.profile, token.ID, plan)); err != nil {
		return err
	}
	p.report.Replacements++
	log.Info("Slot replaced",
		zap.Int("tier", plan.Tier),
		zap.String("kind", string(plan.Kind)),
		zap.Float64("entry", plan.Entry),
		zap.String("amount", plan.Amount.String()),
	)
	return nil
}

// currentTier refreshes the token's market cap and bracket. When the venue
// shows no market cap the stored bracket is used.
func (e *Engine) currentTier(ctx context.Context, p *pass, token *models.Token, prev *models.Order) (bracket.Tier, float64) {
	marketCap, err := p.sess.FetchMarketCap(ctx, token.Name)
	if err == nil {
		tier := e.table.Assign(marketCap)
		if err := e.ledger.UpdateMarketCap(ctx, token.ID, marketCap, tier.Level, e.now()); err != nil {
			p.log.Warn("Failed to store market cap", zap.String("token", token.Name), zap.Error(err))
		}
		level := tier.Level
		token.Bracket = &level
		token.MarketCap = marketCap
		return tier, marketCap
	}

	p.log.Warn("Market cap unavailable, using stored bracket", zap.String("token", token.Name), zap.Error(err))
	if token.Bracket == nil && prev.Bracket > 0 {
		if tier, ok := e.table.Tier(prev.Bracket); ok {
			return tier, prev.MarketCap
		}
	}
	return e.tierFor(token), token.MarketCap
}

func newOrder(profile string, tokenID uint, plan bracket.OrderPlan) *models.Order {
	return &models.Order{
		TokenID:    tokenID,
		Profile:    profile,
		Slot:       plan.Slot,
		Kind:       string(plan.Kind),
		Bracket:    plan.Tier,
		MarketCap:  plan.MarketCap,
		EntryPrice: plan.Entry,
		TakeProfit: plan.TakeProfit,
		StopLoss:   plan.StopLoss,
		Amount:     plan.Amount,
		Status:     models.OrderActive,
	}
}

// SlotResult is the outcome of placing one slot of a ladder.
type SlotResult struct {
	Plan   bracket.OrderPlan `json:"plan"`
	Placed bool              `json:"placed"`
	Error  string            `json:"error,omitempty"`
}

// ErrNoFreeSlots is returned when every slot of the ladder already holds an
// open order.
var ErrNoFreeSlots = errors.New("all ladder slots are occupied")

// PlaceLadder opens a full ladder for a token: it fetches the market cap,
// assigns the tier and submits every slot that has no open order. Slots are
// placed independently; one failure does not stop the rest.
func (e *Engine) PlaceLadder(ctx context.Context, profile string, sess session.Session, name, address string, total decimal.Decimal) ([]SlotResult, error) {
	log := e.logger.With(zap.String("profile", profile), zap.String("token", name))

	token, err := e.ledger.EnsureToken(ctx, name, address)
	if err != nil {
		return nil, err
	}

	marketCap, err := sess.FetchMarketCap(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("market cap for %s: %w", name, err)
	}
	tier := e.table.Assign(marketCap)
	if err := e.ledger.UpdateMarketCap(ctx, token.ID, marketCap, tier.Level, e.now()); err != nil {
		return nil, err
	}

	orders, err := e.ledger.OpenOrders(ctx, profile, token.ID)
	if err != nil {
		return nil, err
	}
	occupied := occupiedSlots(orders)
	if len(occupied) == bracket.SlotCount {
		return nil, ErrNoFreeSlots
	}

	log.Info("Placing ladder", zap.Int("tier", tier.Level), zap.String("tier_description", tier.Description), zap.Float64("market_cap", marketCap))

	var results []SlotResult
	for _, plan := range e.table.BuildLadder(tier, marketCap, total) {
		if occupied[plan.Slot] {
			continue
		}
		res := SlotResult{Plan: plan}
		if err := sess.SubmitOrder(ctx, name, plan); err != nil {
			log.Error("Ladder slot failed", zap.Int("slot", plan.Slot), zap.Error(err))
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		if err := e.ledger.CreateOrder(ctx, newOrder(profile, token.ID, plan)); err != nil {
			return results, err
		}
		res.Placed = true
		results = append(results, res)
	}
	return results, nil
}
