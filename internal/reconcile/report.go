package reconcile

import (
	"errors"

	"order-ladder-bot-go/internal/observation"
)

// ErrLookup is returned when a scraped token or order has no ledger entry.
var ErrLookup = errors.New("lookup error")

// Error kinds attached to per-token failures and persisted on run records.
const (
	KindParse       = "parse"
	KindLookup      = "lookup"
	KindExternal    = "external"
	KindPersistence = "persistence"
	KindTimeout     = "timeout"
	KindPanic       = "panic"
	KindCancelled   = "cancelled"
)

// MissingSlot is a ladder slot without an open order.
type MissingSlot struct {
	Token         string  `json:"token"`
	Slot          int     `json:"slot"`
	ExpectedEntry float64 `json:"expected_entry"`
}

// Discrepancy is a row or order that exists on one side only.
type Discrepancy struct {
	Token    string             `json:"token"`
	Slot     int                `json:"slot,omitempty"`
	OrderID  uint               `json:"order_id,omitempty"`
	Position int                `json:"position,omitempty"`
	Status   observation.Status `json:"status,omitempty"`
	Reason   string             `json:"reason"`
}

// TokenError is a failure confined to one token or row.
type TokenError struct {
	Token   string `json:"token"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Profile      string        `json:"profile"`
	CatchUp      bool          `json:"catch_up"`
	Rows         int           `json:"rows"`
	Processed    int           `json:"processed"`
	Transitions  int           `json:"transitions"`
	Replacements int           `json:"replacements"`
	Failures     int           `json:"failures"`
	Unknown      int           `json:"unknown"`
	Missing      []MissingSlot `json:"missing"`
	Unobserved   []Discrepancy `json:"unobserved"`
	Unmatched    []Discrepancy `json:"unmatched"`
	Errors       []TokenError  `json:"errors"`
}

func (r *Report) fail(token, kind string, err error) {
	r.Failures++
	r.Errors = append(r.Errors, TokenError{Token: token, Kind: kind, Message: err.Error()})
}
