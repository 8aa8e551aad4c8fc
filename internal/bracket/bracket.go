package bracket

import (
	"errors"
	"fmt"
	"math"

	"order-ladder-bot-go/internal/config"

	"github.com/shopspring/decimal"
)

// SlotCount is the number of orders in one ladder.
const SlotCount = 4

// amountPlaces is the precision ladder amounts are rounded to before the
// remainder is pushed into the last slot.
const amountPlaces = 8

// Kind is the order type submitted to the venue.
type Kind string

const (
	KindMarket Kind = "MARKET"
	KindLimit  Kind = "LIMIT"
)

// ErrInvalidTable is returned when a tier table cannot produce ladders.
var ErrInvalidTable = errors.New("invalid bracket table")

// Tier is one market-cap bracket. Level is 1-based.
type Tier struct {
	Level       int                `json:"level"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Description string             `json:"description"`
	Entries     [SlotCount]float64 `json:"entries"`
	StopLoss    float64            `json:"stop_loss"`
}

// Contains reports whether marketCap falls inside [Min, Max).
func (t Tier) Contains(marketCap float64) bool {
	return marketCap >= t.Min && marketCap < t.Max
}

// OrderPlan is the fully computed parameter set of one order.
type OrderPlan struct {
	Slot       int             `json:"slot"`
	Tier       int             `json:"tier"`
	Kind       Kind            `json:"kind"`
	MarketCap  float64         `json:"market_cap"`
	Entry      float64         `json:"entry"`
	TakeProfit float64         `json:"take_profit"`
	StopLoss   float64         `json:"stop_loss"`
	Amount     decimal.Decimal `json:"amount"`
}

// Table holds the tier ranges and the per-slot ladder shape.
type Table struct {
	tiers         []Tier
	takeProfitPct [SlotCount]float64
	fractions     [SlotCount]decimal.Decimal
}

// DefaultTable returns the stock five tier table.
func DefaultTable() *Table {
	t, err := NewTable(defaultTiers(), defaultTakeProfit(), defaultFractions())
	if err != nil {
		panic(err)
	}
	return t
}

func defaultTiers() []Tier {
	base := [SlotCount]float64{9310, 13100, 23100, 33100}
	descriptions := []string{
		"Micro Cap (20K - 200K)",
		"Small Cap (200K - 2M)",
		"Medium Cap (2M - 20M)",
		"Large Cap (20M - 120M)",
		"Mega Cap (120M - 1.2B)",
	}
	bounds := []float64{20_000, 200_000, 2_000_000, 20_000_000, 120_000_000, 1_200_000_000}

	tiers := make([]Tier, 0, len(descriptions))
	scale := 1.0
	for i, desc := range descriptions {
		var entries [SlotCount]float64
		for s := range entries {
			entries[s] = base[s] * scale
		}
		tiers = append(tiers, Tier{
			Level:       i + 1,
			Min:         bounds[i],
			Max:         bounds[i+1],
			Description: desc,
			Entries:     entries,
			StopLoss:    7800 * scale,
		})
		scale *= 10
	}
	return tiers
}

func defaultTakeProfit() [SlotCount]float64 {
	return [SlotCount]float64{1.12, 0.89, 0.81, 0.56}
}

func defaultFractions() [SlotCount]decimal.Decimal {
	third := decimal.NewFromInt(1).Div(decimal.NewFromInt(3))
	sixth := decimal.NewFromInt(1).Div(decimal.NewFromInt(6))
	return [SlotCount]decimal.Decimal{third, third, sixth, sixth}
}

// NewTable builds a validated table.
func NewTable(tiers []Tier, takeProfitPct [SlotCount]float64, fractions [SlotCount]decimal.Decimal) (*Table, error) {
	t := &Table{
		tiers:         append([]Tier(nil), tiers...),
		takeProfitPct: takeProfitPct,
		fractions:     fractions,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// FromConfig builds a table from the brackets config section. Missing
// parts fall back to the stock values.
func FromConfig(cfg config.Brackets) (*Table, error) {
	tiers := defaultTiers()
	if len(cfg.Tiers) > 0 {
		tiers = make([]Tier, 0, len(cfg.Tiers))
		for i, ct := range cfg.Tiers {
			if len(ct.Entries) != SlotCount {
				return nil, fmt.Errorf("%w: tier %d has %d entries, want %d", ErrInvalidTable, i+1, len(ct.Entries), SlotCount)
			}
			var entries [SlotCount]float64
			copy(entries[:], ct.Entries)
			tiers = append(tiers, Tier{
				Level:       i + 1,
				Min:         ct.Min,
				Max:         ct.Max,
				Description: ct.Description,
				Entries:     entries,
				StopLoss:    ct.StopLoss,
			})
		}
	}

	tp := defaultTakeProfit()
	if len(cfg.TakeProfitPercent) > 0 {
		if len(cfg.TakeProfitPercent) != SlotCount {
			return nil, fmt.Errorf("%w: %d take-profit percentages, want %d", ErrInvalidTable, len(cfg.TakeProfitPercent), SlotCount)
		}
		copy(tp[:], cfg.TakeProfitPercent)
	}

	fractions := defaultFractions()
	if len(cfg.TradeSizeFraction) > 0 {
		if len(cfg.TradeSizeFraction) != SlotCount {
			return nil, fmt.Errorf("%w: %d trade-size fractions, want %d", ErrInvalidTable, len(cfg.TradeSizeFraction), SlotCount)
		}
		for i, f := range cfg.TradeSizeFraction {
			fractions[i] = decimal.NewFromFloat(f)
		}
	}

	return NewTable(tiers, tp, fractions)
}

// Validate checks tier ordering and that the fractions add up to one.
func (t *Table) Validate() error {
	if len(t.tiers) == 0 {
		return fmt.Errorf("%w: no tiers", ErrInvalidTable)
	}
	for i, tier := range t.tiers {
		if tier.Min >= tier.Max {
			return fmt.Errorf("%w: tier %d has empty range", ErrInvalidTable, tier.Level)
		}
		if i > 0 && tier.Min < t.tiers[i-1].Max {
			return fmt.Errorf("%w: tier %d overlaps tier %d", ErrInvalidTable, tier.Level, t.tiers[i-1].Level)
		}
	}
	sum := decimal.Zero
	for _, f := range t.fractions {
		if f.IsNegative() {
			return fmt.Errorf("%w: negative trade-size fraction", ErrInvalidTable)
		}
		sum = sum.Add(f)
	}
	if diff, _ := sum.Sub(decimal.NewFromInt(1)).Abs().Float64(); diff > 1e-3 {
		return fmt.Errorf("%w: trade-size fractions sum to %s", ErrInvalidTable, sum.StringFixed(4))
	}
	return nil
}

// Tiers returns a copy of the tier list.
func (t *Table) Tiers() []Tier {
	return append([]Tier(nil), t.tiers...)
}

// Tier looks up a tier by level.
func (t *Table) Tier(level int) (Tier, bool) {
	for _, tier := range t.tiers {
		if tier.Level == level {
			return tier, true
		}
	}
	return Tier{}, false
}

// Assign returns the tier whose range contains marketCap. Values outside every
// range (including NaN) fall back to the lowest tier.
func (t *Table) Assign(marketCap float64) Tier {
	if !math.IsNaN(marketCap) {
		for _, tier := range t.tiers {
			if tier.Contains(marketCap) {
				return tier
			}
		}
	}
	return t.tiers[0]
}

// BuildLadder computes all four order plans for a token at marketCap. The
// amounts always sum exactly to totalAmount; the last slot absorbs rounding.
func (t *Table) BuildLadder(tier Tier, marketCap float64, totalAmount decimal.Decimal) [SlotCount]OrderPlan {
	var plans [SlotCount]OrderPlan
	allocated := decimal.Zero
	for i := 0; i < SlotCount; i++ {
		var amount decimal.Decimal
		if i == SlotCount-1 {
			amount = totalAmount.Sub(allocated)
		} else {
			amount = totalAmount.Mul(t.fractions[i]).Round(amountPlaces)
			allocated = allocated.Add(amount)
		}
		plans[i] = t.BuildSlot(tier, i+1, marketCap, amount)
	}
	return plans
}

// BuildSlot computes the plan for a single slot, used when one slot of an
// existing ladder is replaced. slot is 1-based.
func (t *Table) BuildSlot(tier Tier, slot int, marketCap float64, amount decimal.Decimal) OrderPlan {
	idx := slot - 1
	entry := tier.Entries[idx]
	kind := KindLimit
	if marketCap < entry {
		kind = KindMarket
	}
	return OrderPlan{
		Slot:       slot,
		Tier:       tier.Level,
		Kind:       kind,
		MarketCap:  marketCap,
		Entry:      entry,
		TakeProfit: entry + entry*t.takeProfitPct[idx],
		StopLoss:   tier.StopLoss,
		Amount:     amount,
	}
}
