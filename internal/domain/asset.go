package domain

import (
	"time"
)

type AssetKind string

const (
	AssetKindEnhancedPrompt   AssetKind = "enhanced_prompt"
	AssetKindStoryboard       AssetKind = "storyboard"
	AssetKindAudioAnalysis    AssetKind = "audio_analysis"
	AssetKindCharacterImage   AssetKind = "character_image"
	AssetKindLocationImage    AssetKind = "location_image"
	AssetKindSceneStartFrame  AssetKind = "scene_start_frame"
	AssetKindSceneEndFrame    AssetKind = "scene_end_frame"
	AssetKindSceneVideo       AssetKind = "scene_video"
	AssetKindFrameQualityEval AssetKind = "frame_quality_eval"
	AssetKindSceneQualityEval AssetKind = "scene_quality_eval"
	AssetKindRenderedVideo    AssetKind = "rendered_video"
	AssetKindFinalOutput      AssetKind = "final_output"
)

type AssetType string

const (
	AssetTypeText  AssetType = "text"
	AssetTypeImage AssetType = "image"
	AssetTypeVideo AssetType = "video"
	AssetTypeJSON  AssetType = "json"
)

type AssetScopeKind string

const (
	AssetScopeProject   AssetScopeKind = "project"
	AssetScopeCharacter AssetScopeKind = "character"
	AssetScopeLocation  AssetScopeKind = "location"
	AssetScopeScene     AssetScopeKind = "scene"
)

// AssetVersionMetadata records how a version came to be. Evaluation and
// JobID are optional.
type AssetVersionMetadata struct {
	Model           string         `json:"model,omitempty"`
	Attempts        int            `json:"attempts,omitempty"`
	AcceptedAttempt int            `json:"acceptedAttempt,omitempty"`
	Evaluation      map[string]any `json:"evaluation,omitempty"`
	JobID           string         `json:"jobId,omitempty"`
}

// AssetVersion is immutable once appended. Data is either inline content or
// an object-store URI, depending on Type.
type AssetVersion struct {
	Version   int                  `json:"version"`
	Data      string               `json:"data"`
	Type      AssetType            `json:"type"`
	Metadata  AssetVersionMetadata `json:"metadata"`
	CreatedAt time.Time            `json:"createdAt"`
}

// AssetHistory holds every version of one asset kind for one scope. Versions
// are dense from 1 and append-only; Best is a 1-based version number with 0
// meaning unset, and is the only mutable field.
type AssetHistory struct {
	Versions []AssetVersion `json:"versions"`
	Best     int            `json:"best"`
}

// AssetRegistry is the assets JSON column of a project, scene, character or
// location row.
type AssetRegistry map[AssetKind]*AssetHistory
