package history

import (
	"context"
	"errors"
	"time"

	"order-ladder-bot-go/internal/database"
	"order-ladder-bot-go/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrAlreadyFinalized is returned when a closed record is finalised again.
var ErrAlreadyFinalized = errors.New("execution already finalized")

// Result is the outcome written when a run closes.
type Result struct {
	CompletionTime     time.Time
	Duration           time.Duration
	Success            bool
	ErrorKind          string
	ErrorMessage       string
	OrdersProcessed    int
	ReplacementsPlaced int
	Failures           int
}

// Stats aggregates closed runs over a window. A missed run counts as missed
// only, never as a success or failure.
type Stats struct {
	Profile            string     `json:"profile"`
	Since              time.Time  `json:"since"`
	Total              int64      `json:"total"`
	Successful         int64      `json:"successful"`
	Failed             int64      `json:"failed"`
	Missed             int64      `json:"missed"`
	Running            int64      `json:"running"`
	SuccessRate        float64    `json:"success_rate"` // percent of closed runs that succeeded
	AvgDurationSeconds float64    `json:"avg_duration_seconds"`
	LastSuccess        *time.Time `json:"last_success"`
}

// Store is the execution log.
type Store interface {
	Begin(ctx context.Context, exec *models.TaskExecution) error
	Finalize(ctx context.Context, id uint, res Result) error
	Record(ctx context.Context, execs []models.TaskExecution) error
	Recent(ctx context.Context, profile string, limit int) ([]models.TaskExecution, error)
	Page(ctx context.Context, profile string, limit, offset int) ([]models.TaskExecution, int64, error)
	Count(ctx context.Context, profile string) (int64, error)
	Statistics(ctx context.Context, profile string, since time.Time) (Stats, error)
	LastSuccess(ctx context.Context, profile string) (*time.Time, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// GormStore is the durable Store.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a Store over db. The task_executions table must have
// been migrated.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Begin inserts the open record of a run that is about to execute.
func (s *GormStore) Begin(ctx context.Context, exec *models.TaskExecution) error {
	if exec.RunID == "" {
		exec.RunID = uuid.NewString()
	}
	exec.CompletionTime = nil
	return database.Wrap("begin execution", s.db.WithContext(ctx).Create(exec).Error)
}

// Finalize closes an open record. Only the first call for a record wins.
func (s *GormStore) Finalize(ctx context.Context, id uint, res Result) error {
	updates := map[string]any{
		"completion_time":     res.CompletionTime,
		"success":             res.Success,
		"error_kind":          res.ErrorKind,
		"orders_processed":    res.OrdersProcessed,
		"replacements_placed": res.ReplacementsPlaced,
		"failures":            res.Failures,
		"duration_seconds":    res.Duration.Seconds(),
	}
	if res.ErrorMessage != "" {
		updates["error_message"] = res.ErrorMessage
	}

	tx := s.db.WithContext(ctx).Model(&models.TaskExecution{}).
		Where("id = ? AND completion_time IS NULL", id).
		Updates(updates)
	if tx.Error != nil {
		return database.Wrap("finalize execution", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

// Record inserts records that are already closed, such as the runs a
// profile missed while the process was down.
func (s *GormStore) Record(ctx context.Context, execs []models.TaskExecution) error {
	if len(execs) == 0 {
		return nil
	}
	for i := range execs {
		if execs[i].RunID == "" {
			execs[i].RunID = uuid.NewString()
		}
	}
	return database.Wrap("record executions", s.db.WithContext(ctx).CreateInBatches(execs, 100).Error)
}

// Count returns how many records the profile has.
func (s *GormStore) Count(ctx context.Context, profile string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&models.TaskExecution{}).Where("profile = ?", profile).Count(&total).Error
	if err != nil {
		return 0, database.Wrap("count executions", err)
	}
	return total, nil
}

// Recent returns up to limit records, newest first.
func (s *GormStore) Recent(ctx context.Context, profile string, limit int) ([]models.TaskExecution, error) {
	items, _, err := s.page(ctx, profile, limit, 0, false)
	return items, err
}

// Page returns one page of records, newest first, and the total count.
func (s *GormStore) Page(ctx context.Context, profile string, limit, offset int) ([]models.TaskExecution, int64, error) {
	return s.page(ctx, profile, limit, offset, true)
}

func (s *GormStore) page(ctx context.Context, profile string, limit, offset int, withTotal bool) ([]models.TaskExecution, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.TaskExecution{}).Where("profile = ?", profile)

	var total int64
	if withTotal {
		if err := q.Count(&total).Error; err != nil {
			return nil, 0, database.Wrap("count executions", err)
		}
	}

	var items []models.TaskExecution
	err := q.Order("scheduled_time DESC, id DESC").
		Limit(normalizeLimit(limit)).
		Offset(max(offset, 0)).
		Find(&items).Error
	if err != nil {
		return nil, 0, database.Wrap("list executions", err)
	}
	return items, total, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 500 {
		return 500
	}
	return limit
}

type statsRow struct {
	Total       int64
	Successful  int64
	Failed      int64
	Missed      int64
	Running     int64
	AvgDuration *float64
}

// Statistics aggregates runs scheduled at or after since.
func (s *GormStore) Statistics(ctx context.Context, profile string, since time.Time) (Stats, error) {
	var row statsRow
	err := s.db.WithContext(ctx).Model(&models.TaskExecution{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN completion_time IS NOT NULL AND success AND NOT missed THEN 1 ELSE 0 END), 0) AS successful,
			COALESCE(SUM(CASE WHEN completion_time IS NOT NULL AND NOT success AND NOT missed THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN missed THEN 1 ELSE 0 END), 0) AS missed,
			COALESCE(SUM(CASE WHEN completion_time IS NULL THEN 1 ELSE 0 END), 0) AS running,
			AVG(CASE WHEN completion_time IS NOT NULL AND success THEN duration_seconds END) AS avg_duration`).
		Where("profile = ? AND scheduled_time >= ?", profile, since).
		Scan(&row).Error
	if err != nil {
		return Stats{}, database.Wrap("execution statistics", err)
	}

	stats := Stats{
		Profile:    profile,
		Since:      since,
		Total:      row.Total,
		Successful: row.Successful,
		Failed:     row.Failed,
		Missed:     row.Missed,
		Running:    row.Running,
	}
	if closed := row.Total - row.Running; closed > 0 {
		stats.SuccessRate = float64(row.Successful) / float64(closed) * 100
	}
	if row.AvgDuration != nil {
		stats.AvgDurationSeconds = *row.AvgDuration
	}

	last, err := s.LastSuccess(ctx, profile)
	if err != nil {
		return Stats{}, err
	}
	stats.LastSuccess = last
	return stats, nil
}

// LastSuccess returns the start time of the newest successful run, or nil.
func (s *GormStore) LastSuccess(ctx context.Context, profile string) (*time.Time, error) {
	var exec models.TaskExecution
	err := s.db.WithContext(ctx).
		Where("profile = ? AND success AND completion_time IS NOT NULL", profile).
		Order("actual_start_time DESC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, database.Wrap("last success", err)
	}
	t := exec.ActualStartTime
	return &t, nil
}

// Prune deletes closed records scheduled before olderThan. Open records are
// never removed.
func (s *GormStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).
		Where("scheduled_time < ? AND completion_time IS NOT NULL", olderThan).
		Delete(&models.TaskExecution{})
	if tx.Error != nil {
		return 0, database.Wrap("prune executions", tx.Error)
	}
	return tx.RowsAffected, nil
}
