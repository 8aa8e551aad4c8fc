package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus is the ledger state of one ladder order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderActive    OrderStatus = "ACTIVE"
	OrderFulfilled OrderStatus = "FULFILLED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderFailed    OrderStatus = "FAILED"
)

// OpenStatuses hold a slot; any other status frees it.
var OpenStatuses = []OrderStatus{OrderPending, OrderActive, OrderFulfilled}

// IsOpen reports whether the order still occupies its slot.
func (s OrderStatus) IsOpen() bool {
	for _, o := range OpenStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// Order is one slot of a token's ladder under a profile.
type Order struct {
	gorm.Model
	TokenID     uint            `gorm:"index:idx_order_slot;not null" json:"token_id"`
	Token       Token           `json:"token"`
	Profile     string          `gorm:"index:idx_order_slot;not null" json:"profile"`
	Slot        int             `gorm:"index:idx_order_slot;not null" json:"slot"`
	Kind        string          `gorm:"not null" json:"kind"` // "MARKET" or "LIMIT"
	Bracket     int             `json:"bracket"`
	MarketCap   float64         `json:"market_cap"`
	EntryPrice  float64         `json:"entry_price"`
	TakeProfit  float64         `json:"take_profit"`
	StopLoss    float64         `json:"stop_loss"`
	Amount      decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"amount"`
	Status      OrderStatus     `gorm:"index;not null" json:"status"`
	Condition   string          `gorm:"column:trigger_condition" json:"trigger_condition"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	// RefreshedAt is when the venue restarted the order's countdown after
	// its entry filled, derived from the row's expiry.
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
}
