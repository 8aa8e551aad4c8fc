package reconcile

import (
	"math"
	"strings"
	"time"

	"order-ladder-bot-go/internal/models"
	"order-ladder-bot-go/internal/observation"
)

// expiryTolerance is how far apart two countdown estimates may be and still
// count as equally good.
const expiryTolerance = time.Minute

// match pairs each candidate with at most one open order and each order with
// at most one candidate. Rows carrying an entry price are matched first, by
// smallest relative deviation within the tolerance with ties going to the
// lowest slot. Rows without a price then take the free order that best fits
// them, see unpricedBetter.
func (e *Engine) match(candidates []*candidate, orders []models.Order, report *Report, token string) {
	claimed := make(map[uint]bool)

	for _, c := range candidates {
		if !c.applied {
			continue
		}
		open := false
		for i := range orders {
			if orders[i].ID == c.order.ID {
				c.order = &orders[i]
				open = true
				break
			}
		}
		if !open && c.status == observation.StatusTPMet {
			// The row was torn down when it was applied, so the same text now
			// belongs to the order that refilled the slot.
			c.applied = false
			c.order = nil
			continue
		}
		claimed[c.order.ID] = true
	}

	for _, c := range candidates {
		if c.applied || c.obs.EntryPrice == nil {
			continue
		}
		best := -1
		bestDev := math.Inf(1)
		for i := range orders {
			o := &orders[i]
			if claimed[o.ID] || o.EntryPrice <= 0 {
				continue
			}
			dev := math.Abs(*c.obs.EntryPrice-o.EntryPrice) / o.EntryPrice
			if dev > e.tolerance {
				continue
			}
			if dev < bestDev || (dev == bestDev && o.Slot < orders[best].Slot) {
				best, bestDev = i, dev
			}
		}
		if best < 0 {
			report.Unmatched = append(report.Unmatched, Discrepancy{
				Token: token, Position: c.obs.Position, Status: c.status, Reason: "no open order within tolerance",
			})
			continue
		}
		claimed[orders[best].ID] = true
		c.order = &orders[best]
	}

	for _, c := range candidates {
		if c.applied || c.obs.EntryPrice != nil {
			continue
		}
		started := e.refreshedAt(c.obs)
		var best *models.Order
		for i := range orders {
			o := &orders[i]
			if claimed[o.ID] {
				continue
			}
			if best == nil || e.unpricedBetter(c, started, o, best) {
				best = o
			}
		}
		if best == nil {
			report.Unmatched = append(report.Unmatched, Discrepancy{
				Token: token, Position: c.obs.Position, Status: c.status, Reason: "no free open order",
			})
			continue
		}
		claimed[best.ID] = true
		c.order = best
	}
}

// unpricedBetter reports whether a fits the row better than b. The stored
// trigger text decides first, then how likely the status is to produce the
// row, then how close the order's countdown start is to the one the row's
// expiry implies, and finally the lower slot.
func (e *Engine) unpricedBetter(c *candidate, started *time.Time, a, b *models.Order) bool {
	am, bm := sameTrigger(c.obs.Trigger.Value, a.Condition), sameTrigger(c.obs.Trigger.Value, b.Condition)
	if am != bm {
		return am
	}
	ar, br := fallbackRank(c.status, a.Status), fallbackRank(c.status, b.Status)
	if ar != br {
		return ar < br
	}
	if started != nil {
		ad, bd := countdownGap(*started, a), countdownGap(*started, b)
		if ad+expiryTolerance < bd {
			return true
		}
		if bd+expiryTolerance < ad {
			return false
		}
	}
	return a.Slot < b.Slot
}

func sameTrigger(row, stored string) bool {
	row, stored = strings.TrimSpace(row), strings.TrimSpace(stored)
	return row != "" && strings.EqualFold(row, stored)
}

// countdownGap is the distance between the countdown start a row implies and
// the order's own start: its refresh time once its entry filled, otherwise
// its creation.
func countdownGap(started time.Time, o *models.Order) time.Duration {
	ref := o.CreatedAt
	if o.RefreshedAt != nil {
		ref = *o.RefreshedAt
	}
	d := started.Sub(ref)
	if d < 0 {
		d = -d
	}
	return d
}

// fallbackRank orders ledger statuses by how likely they are to be the
// source of an unpriced row. Lower is better.
func fallbackRank(row observation.Status, order models.OrderStatus) int {
	switch row {
	case observation.StatusTPMet, observation.StatusFulfilled:
		switch order {
		case models.OrderFulfilled:
			return 0
		case models.OrderActive:
			return 1
		default:
			return 2
		}
	default:
		switch order {
		case models.OrderPending:
			return 0
		case models.OrderActive:
			return 1
		default:
			return 2
		}
	}
}
