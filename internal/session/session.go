package session

import (
	"context"
	"errors"

	"order-ladder-bot-go/internal/bracket"
)

var (
	// ErrExternalCall wraps every failure of the browser session.
	ErrExternalCall = errors.New("external call failed")
	// ErrMarketCapUnavailable is returned when the venue shows no market cap.
	ErrMarketCapUnavailable = errors.New("market cap unavailable")
)

// DeleteResult is the outcome of removing one order row.
type DeleteResult string

const (
	Deleted      DeleteResult = "success"
	NotFound     DeleteResult = "not_found"
	NotClickable DeleteResult = "not_clickable"
)

// Row is the raw text of one order row and its position on screen.
type Row struct {
	Position int    `json:"position"`
	Text     string `json:"text"`
}

// Session is one exclusively owned browser session of a profile.
type Session interface {
	FetchOrderRows(ctx context.Context) ([]Row, error)
	DeleteRowAt(ctx context.Context, position int) (DeleteResult, error)
	SubmitOrder(ctx context.Context, token string, plan bracket.OrderPlan) error
	FetchMarketCap(ctx context.Context, token string) (float64, error)
	Release() error
}

// Provider hands out sessions. The caller must Release what it acquires.
type Provider interface {
	Acquire(ctx context.Context, profile string) (Session, error)
}
