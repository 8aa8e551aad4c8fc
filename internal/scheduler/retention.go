package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PruneFunc deletes records older than a cutoff and reports how many went.
type PruneFunc func(ctx context.Context, olderThan time.Time) (int64, error)

// Pruner is a named retention target.
type Pruner struct {
	Name  string
	Prune PruneFunc
}

// Retain schedules pruning of every target once per every, keeping records
// newer than retention. A non-positive retention disables pruning.
func (r *Registry) Retain(every, retention time.Duration, targets ...Pruner) error {
	if retention <= 0 || len(targets) == 0 {
		return nil
	}
	_, err := r.runner.Every(every, func(ctx context.Context) {
		if err := r.PruneNow(ctx, retention, targets...); err != nil {
			r.logger.Error("Retention pruning failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention: %w", err)
	}
	r.logger.Info("Retention enabled", zap.Duration("retention", retention), zap.Duration("every", every))
	return nil
}

// PruneNow runs every target once. All targets are attempted; the first
// error is returned.
func (r *Registry) PruneNow(ctx context.Context, retention time.Duration, targets ...Pruner) error {
	cutoff := r.now().Add(-retention)
	var first error
	for _, t := range targets {
		n, err := t.Prune(ctx, cutoff)
		if err != nil {
			r.logger.Warn("Pruning failed", zap.String("target", t.Name), zap.Error(err))
			if first == nil {
				first = fmt.Errorf("prune %s: %w", t.Name, err)
			}
			continue
		}
		if n > 0 {
			r.logger.Info("Pruned records", zap.String("target", t.Name), zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
		}
	}
	return first
}
