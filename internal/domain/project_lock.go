package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ProjectLock is one lease row per locked project. Validity is bounded by
// expires_at; the holder renews through heartbeats, and anyone may sweep
// expired rows.
type ProjectLock struct {
	ProjectID   string         `gorm:"type:uuid;column:project_id;primaryKey" json:"project_id"`
	WorkerID    string         `gorm:"column:worker_id;not null" json:"worker_id"`
	AcquiredAt  time.Time      `gorm:"column:acquired_at;not null" json:"acquired_at"`
	RenewedAt   time.Time      `gorm:"column:renewed_at;not null" json:"renewed_at"`
	ExpiresAt   time.Time      `gorm:"column:expires_at;not null;index" json:"expires_at"`
	LockVersion int            `gorm:"column:lock_version;not null;default:1" json:"lock_version"`
	Metadata    datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
}

func (ProjectLock) TableName() string { return "project_locks" }
