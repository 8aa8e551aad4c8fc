package health

import (
	"context"
	"time"

	"order-ladder-bot-go/internal/history"
	"order-ladder-bot-go/internal/models"
	"order-ladder-bot-go/internal/scheduler"

	"go.uber.org/zap"
)

// DefaultWindow is the trailing window health counts cover.
const DefaultWindow = time.Hour

// recentRuns is how many execution records a snapshot lists.
const recentRuns = 5

// Schedules is the scheduler view the reporter reads.
type Schedules interface {
	Status(name string) (scheduler.Status, error)
	Profiles() []scheduler.Status
}

// Statistics is the history view the reporter reads.
type Statistics interface {
	Statistics(ctx context.Context, profile string, since time.Time) (history.Stats, error)
	Recent(ctx context.Context, profile string, limit int) ([]models.TaskExecution, error)
}

// Snapshot is the health of one profile.
type Snapshot struct {
	Profile                     string          `json:"profile"`
	State                       scheduler.State `json:"state"`
	Running                     bool            `json:"running"`
	LastSuccessfulRun           *time.Time      `json:"last_successful_run"`
	TimeSinceLastSuccessSeconds *float64        `json:"time_since_last_success_seconds"`
	RecentSuccessCount          int64           `json:"recent_success_count"`
	RecentFailureCount          int64           `json:"recent_failure_count"`
	RecentMissedCount           int64           `json:"recent_missed_count"`
	SuccessRate                 float64         `json:"success_rate"`
	AvgDurationSeconds          float64         `json:"avg_duration_seconds"`
	SkippedTicks                int64           `json:"skipped_ticks"`
	Stuck                       bool            `json:"stuck"`
	LastError                   string          `json:"last_error,omitempty"`
	IsHealthy                   bool            `json:"is_healthy"`

	RecentRuns []models.TaskExecution `json:"recent_runs"`
}

// Reporter builds health snapshots from the scheduler and the run history.
type Reporter struct {
	schedules Schedules
	stats     Statistics
	window    time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewReporter returns a reporter counting over window, or DefaultWindow when
// window is not positive.
func NewReporter(schedules Schedules, stats Statistics, window time.Duration, logger *zap.Logger) *Reporter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Reporter{
		schedules: schedules,
		stats:     stats,
		window:    window,
		logger:    logger.Named("health"),
		now:       time.Now,
	}
}

// IsHealthy holds when nothing was missed and failures stay below successes.
func IsHealthy(successes, failures, missed int64) bool {
	return missed == 0 && failures < successes
}

// Snapshot reports the health of one registered profile.
func (r *Reporter) Snapshot(ctx context.Context, profile string) (Snapshot, error) {
	status, err := r.schedules.Status(profile)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(ctx, status)
}

// All reports every registered profile, ordered by name.
func (r *Reporter) All(ctx context.Context) ([]Snapshot, error) {
	profiles := r.schedules.Profiles()
	out := make([]Snapshot, 0, len(profiles))
	for _, status := range profiles {
		snap, err := r.snapshot(ctx, status)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (r *Reporter) snapshot(ctx context.Context, status scheduler.Status) (Snapshot, error) {
	now := r.now()
	stats, err := r.stats.Statistics(ctx, status.Profile, now.Add(-r.window))
	if err != nil {
		r.logger.Error("Failed to load statistics", zap.String("profile", status.Profile), zap.Error(err))
		return Snapshot{}, err
	}

	snap := Snapshot{
		Profile:            status.Profile,
		State:              status.State,
		Running:            status.Running,
		LastSuccessfulRun:  status.LastSuccess,
		RecentSuccessCount: stats.Successful,
		RecentFailureCount: stats.Failed,
		RecentMissedCount:  stats.Missed,
		SuccessRate:        stats.SuccessRate,
		AvgDurationSeconds: stats.AvgDurationSeconds,
		SkippedTicks:       status.SkippedTicks,
		Stuck:              status.Stuck,
		LastError:          status.LastError,
		IsHealthy:          !status.Stuck && IsHealthy(stats.Successful, stats.Failed, stats.Missed),
	}
	runs, err := r.stats.Recent(ctx, status.Profile, recentRuns)
	if err != nil {
		r.logger.Error("Failed to load recent runs", zap.String("profile", status.Profile), zap.Error(err))
		return Snapshot{}, err
	}
	snap.RecentRuns = runs
	if snap.LastSuccessfulRun == nil {
		snap.LastSuccessfulRun = stats.LastSuccess
	}
	if snap.LastSuccessfulRun != nil {
		since := now.Sub(*snap.LastSuccessfulRun).Seconds()
		snap.TimeSinceLastSuccessSeconds = &since
	}
	return snap, nil
}
