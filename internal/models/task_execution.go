package models

import "time"

// TaskExecution is one scheduled run of a profile. CompletionTime stays nil
// until the run is finalised; a finalised record is never updated again.
type TaskExecution struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	RunID              string     `gorm:"uniqueIndex;size:36;not null" json:"run_id"`
	Profile            string     `gorm:"index:idx_exec_profile_time;not null" json:"profile"`
	ScheduledTime      time.Time  `gorm:"index:idx_exec_profile_time;not null" json:"scheduled_time"`
	ActualStartTime    time.Time  `gorm:"not null" json:"actual_start_time"`
	CompletionTime     *time.Time `gorm:"index" json:"completion_time"`
	Success            bool       `json:"success"`
	Missed             bool       `json:"missed"`
	Source             string     `gorm:"size:16" json:"source"` // "schedule" or "manual"
	ErrorKind          string     `json:"error_kind,omitempty"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	OrdersProcessed    int        `json:"orders_processed"`
	ReplacementsPlaced int        `json:"replacements_placed"`
	Failures           int        `json:"failures"`
	DurationSeconds    *float64   `json:"duration_seconds"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Open reports whether the record still awaits finalisation.
func (e TaskExecution) Open() bool {
	return e.CompletionTime == nil
}
