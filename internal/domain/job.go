package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobState string

const (
	JobStateCreated   JobState = "CREATED"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateFatal     JobState = "FATAL"
	JobStateCancelled JobState = "CANCELLED"
)

// Terminal reports whether no further transition may leave the state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFatal, JobStateCancelled:
		return true
	}
	return false
}

type JobType string

const (
	JobTypeExpandCreativePrompt    JobType = "EXPAND_CREATIVE_PROMPT"
	JobTypeGenerateStoryboard      JobType = "GENERATE_STORYBOARD"
	JobTypeCreateScenesFromAudio   JobType = "CREATE_SCENES_FROM_AUDIO"
	JobTypeEnhanceStoryboard       JobType = "ENHANCE_STORYBOARD"
	JobTypeSemanticAnalysis        JobType = "SEMANTIC_ANALYSIS"
	JobTypeGenerateCharacterAssets JobType = "GENERATE_CHARACTER_ASSETS"
	JobTypeGenerateLocationAssets  JobType = "GENERATE_LOCATION_ASSETS"
	JobTypeGenerateSceneFrames     JobType = "GENERATE_SCENE_FRAMES"
	JobTypeGenerateSceneVideo      JobType = "GENERATE_SCENE_VIDEO"
	JobTypeFrameRender             JobType = "FRAME_RENDER"
	JobTypeRenderVideo             JobType = "RENDER_VIDEO"
	JobTypeFinalize                JobType = "FINALIZE"
)

// Job is the unit of scheduled work. attempt doubles as the optimistic-lock
// version: every mutation is guarded by WHERE attempt = expected and bumps
// it by one. Rows are never deleted; COMPLETED, FATAL and CANCELLED are
// terminal.
type Job struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID  string         `gorm:"type:uuid;column:project_id;not null;index" json:"project_id"`
	Type       JobType        `gorm:"column:type;not null" json:"type"`
	State      JobState       `gorm:"column:state;not null;default:'CREATED'" json:"state"`
	Payload    datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result     datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	Error      string         `gorm:"column:error" json:"error,omitempty"`
	UniqueKey  *string        `gorm:"column:unique_key" json:"unique_key,omitempty"`
	AssetKey   string         `gorm:"column:asset_key" json:"asset_key,omitempty"`
	Attempt    int            `gorm:"column:attempt;not null;default:1" json:"attempt"`
	MaxRetries int            `gorm:"column:max_retries;not null;default:2" json:"max_retries"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }
