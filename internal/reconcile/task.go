package reconcile

import (
	"context"
	"fmt"
	"time"

	"order-ladder-bot-go/internal/session"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Task runs one reconciliation pass for a profile on a freshly acquired
// session. The session is released on every exit path, panics included.
type Task struct {
	provider session.Provider
	engine   *Engine
	lookback time.Duration
	logger   *zap.Logger
}

// NewTask creates a task reconciling with engine on sessions from provider.
// lookback widens the order lookup of catch-up runs.
func NewTask(provider session.Provider, engine *Engine, lookback time.Duration, logger *zap.Logger) *Task {
	return &Task{
		provider: provider,
		engine:   engine,
		lookback: lookback,
		logger:   logger.Named("task"),
	}
}

// Execute acquires a session for profile and reconciles it. catchUp is set
// after a missed run.
func (t *Task) Execute(ctx context.Context, profile string, catchUp bool) (Report, error) {
	rep := Report{Profile: profile, CatchUp: catchUp}
	err := t.WithSession(ctx, profile, func(sess session.Session) error {
		var err error
		rep, err = t.engine.Run(ctx, profile, sess, Options{CatchUp: catchUp, Lookback: t.lookback})
		return err
	})
	return rep, err
}

// WithSession runs fn on a session of profile and releases it afterwards.
func (t *Task) WithSession(ctx context.Context, profile string, fn func(session.Session) error) error {
	sess, err := t.provider.Acquire(ctx, profile)
	if err != nil {
		return fmt.Errorf("failed to acquire session: %w", err)
	}
	defer func() {
		if err := sess.Release(); err != nil {
			t.logger.Warn("Failed to release session", zap.String("profile", profile), zap.Error(err))
		}
	}()
	return fn(sess)
}

// PlaceLadder opens a ladder for a token on a session of profile.
func (t *Task) PlaceLadder(ctx context.Context, profile, token, address string, total decimal.Decimal) ([]SlotResult, error) {
	var results []SlotResult
	err := t.WithSession(ctx, profile, func(sess session.Session) error {
		var err error
		results, err = t.engine.PlaceLadder(ctx, profile, sess, token, address, total)
		return err
	})
	return results, err
}
