package models

import "time"

// AppliedObservation marks a scraped row whose ledger effect has already been
// applied for a profile, so re-reading the same row changes nothing.
type AppliedObservation struct {
	ID          uint      `gorm:"primaryKey"`
	Profile     string    `gorm:"uniqueIndex:idx_applied_obs;not null"`
	Fingerprint string    `gorm:"uniqueIndex:idx_applied_obs;size:64;not null"`
	OrderID     uint      `gorm:"index"`
	Status      string    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}
