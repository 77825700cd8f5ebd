package domain

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

type ProjectStatus string

const (
	ProjectStatusPending    ProjectStatus = "pending"
	ProjectStatusGenerating ProjectStatus = "generating"
	ProjectStatusEvaluating ProjectStatus = "evaluating"
	ProjectStatusComplete   ProjectStatus = "complete"
	ProjectStatusError      ProjectStatus = "error"
)

// Project is the top-level aggregate. It owns its scenes, characters,
// locations, jobs, checkpoint and lock row; every mutation happens under the
// project lock.
type Project struct {
	ID                      string         `gorm:"type:uuid;primaryKey" json:"id"`
	Status                  ProjectStatus  `gorm:"column:status;not null;default:'pending';index" json:"status"`
	Storyboard              datatypes.JSON `gorm:"column:storyboard;type:jsonb" json:"storyboard"`
	Metadata                datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	AudioAnalysis           datatypes.JSON `gorm:"column:audio_analysis;type:jsonb" json:"audio_analysis,omitempty"`
	Metrics                 datatypes.JSON `gorm:"column:metrics;type:jsonb" json:"metrics"`
	Assets                  datatypes.JSON `gorm:"column:assets;type:jsonb" json:"assets"`
	CurrentSceneIndex       int            `gorm:"column:current_scene_index;not null;default:0" json:"current_scene_index"`
	ForceRegenerateSceneIDs pq.StringArray `gorm:"column:force_regenerate_scene_ids;type:text[]" json:"force_regenerate_scene_ids"`
	GenerationRules         pq.StringArray `gorm:"column:generation_rules;type:text[]" json:"generation_rules"`
	GenerationRulesHistory  datatypes.JSON `gorm:"column:generation_rules_history;type:jsonb" json:"generation_rules_history"`
	CreatedAt               time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt               time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Project) TableName() string { return "projects" }
