package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Checkpoint is one durable workflow snapshot. thread_id is the project id;
// checkpoint_id orders snapshots within a thread.
type Checkpoint struct {
	ThreadID     string         `gorm:"type:uuid;column:thread_id;primaryKey" json:"thread_id"`
	CheckpointNS string         `gorm:"column:checkpoint_ns;primaryKey;default:''" json:"checkpoint_ns"`
	CheckpointID string         `gorm:"type:uuid;column:checkpoint_id;primaryKey" json:"checkpoint_id"`
	Checkpoint   datatypes.JSON `gorm:"column:checkpoint;type:jsonb;not null" json:"checkpoint"`
	Type         string         `gorm:"column:type;not null;default:'workflow_state'" json:"type"`
	CreatedAt    time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (Checkpoint) TableName() string { return "checkpoints" }
