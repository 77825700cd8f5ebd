package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Scene, Character and Location are children of a project. The control plane
// treats their payload as opaque; each carries its own asset registry in the
// assets column.
type Scene struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID string         `gorm:"type:uuid;not null;index" json:"project_id"`
	Index     int            `gorm:"column:scene_index;not null;default:0" json:"index"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	Assets    datatypes.JSON `gorm:"column:assets;type:jsonb" json:"assets"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Scene) TableName() string { return "scenes" }

type Character struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID string         `gorm:"type:uuid;not null;index" json:"project_id"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	Assets    datatypes.JSON `gorm:"column:assets;type:jsonb" json:"assets"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Character) TableName() string { return "characters" }

type Location struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID string         `gorm:"type:uuid;not null;index" json:"project_id"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	Assets    datatypes.JSON `gorm:"column:assets;type:jsonb" json:"assets"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Location) TableName() string { return "locations" }

type SceneCharacter struct {
	SceneID     string `gorm:"type:uuid;primaryKey" json:"scene_id"`
	CharacterID string `gorm:"type:uuid;primaryKey" json:"character_id"`
}

func (SceneCharacter) TableName() string { return "scenes_to_characters" }
