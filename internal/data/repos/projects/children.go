package projects

import (
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

type SceneRepo interface {
	Create(dbc dbctx.Context, scenes []*domain.Scene) ([]*domain.Scene, error)
	GetByID(dbc dbctx.Context, id string) (*domain.Scene, error)
	ListByProject(dbc dbctx.Context, projectID string) ([]*domain.Scene, error)
	UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error
	LinkCharacters(dbc dbctx.Context, sceneID string, characterIDs []string) error
}

type CharacterRepo interface {
	Create(dbc dbctx.Context, characters []*domain.Character) ([]*domain.Character, error)
	GetByID(dbc dbctx.Context, id string) (*domain.Character, error)
	ListByProject(dbc dbctx.Context, projectID string) ([]*domain.Character, error)
	UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error
}

type LocationRepo interface {
	Create(dbc dbctx.Context, locations []*domain.Location) ([]*domain.Location, error)
	GetByID(dbc dbctx.Context, id string) (*domain.Location, error)
	ListByProject(dbc dbctx.Context, projectID string) ([]*domain.Location, error)
	UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error
}

type sceneRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSceneRepo(db *gorm.DB, baseLog *logger.Logger) SceneRepo {
	return &sceneRepo{db: db, log: baseLog.With("repo", "SceneRepo")}
}

func handle(dbc dbctx.Context, db *gorm.DB) *gorm.DB {
	tx := dbc.Tx
	if tx == nil {
		tx = db
	}
	return tx.WithContext(dbc.Ctx)
}

func (r *sceneRepo) Create(dbc dbctx.Context, scenes []*domain.Scene) ([]*domain.Scene, error) {
	if len(scenes) == 0 {
		return scenes, nil
	}
	now := time.Now()
	for _, s := range scenes {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.UpdatedAt = now
	}
	if err := handle(dbc, r.db).Create(&scenes).Error; err != nil {
		return nil, err
	}
	return scenes, nil
}

func (r *sceneRepo) GetByID(dbc dbctx.Context, id string) (*domain.Scene, error) {
	if id == "" {
		return nil, nil
	}
	var scene domain.Scene
	if err := handle(dbc, r.db).Where("id = ?", id).Limit(1).Find(&scene).Error; err != nil {
		return nil, err
	}
	if scene.ID == "" {
		return nil, nil
	}
	return &scene, nil
}

func (r *sceneRepo) ListByProject(dbc dbctx.Context, projectID string) ([]*domain.Scene, error) {
	var out []*domain.Scene
	if projectID == "" {
		return out, nil
	}
	err := handle(dbc, r.db).
		Where("project_id = ?", projectID).
		Order("scene_index ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sceneRepo) UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error {
	if id == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return handle(dbc, r.db).Model(&domain.Scene{}).Where("id = ?", id).Updates(updates).Error
}

func (r *sceneRepo) LinkCharacters(dbc dbctx.Context, sceneID string, characterIDs []string) error {
	if sceneID == "" || len(characterIDs) == 0 {
		return nil
	}
	links := make([]domain.SceneCharacter, 0, len(characterIDs))
	for _, cid := range characterIDs {
		links = append(links, domain.SceneCharacter{SceneID: sceneID, CharacterID: cid})
	}
	return handle(dbc, r.db).Create(&links).Error
}

type characterRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCharacterRepo(db *gorm.DB, baseLog *logger.Logger) CharacterRepo {
	return &characterRepo{db: db, log: baseLog.With("repo", "CharacterRepo")}
}

func (r *characterRepo) Create(dbc dbctx.Context, characters []*domain.Character) ([]*domain.Character, error) {
	if len(characters) == 0 {
		return characters, nil
	}
	now := time.Now()
	for _, c := range characters {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
	}
	if err := handle(dbc, r.db).Create(&characters).Error; err != nil {
		return nil, err
	}
	return characters, nil
}

func (r *characterRepo) GetByID(dbc dbctx.Context, id string) (*domain.Character, error) {
	if id == "" {
		return nil, nil
	}
	var c domain.Character
	if err := handle(dbc, r.db).Where("id = ?", id).Limit(1).Find(&c).Error; err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, nil
	}
	return &c, nil
}

func (r *characterRepo) ListByProject(dbc dbctx.Context, projectID string) ([]*domain.Character, error) {
	var out []*domain.Character
	if projectID == "" {
		return out, nil
	}
	if err := handle(dbc, r.db).Where("project_id = ?", projectID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *characterRepo) UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error {
	if id == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return handle(dbc, r.db).Model(&domain.Character{}).Where("id = ?", id).Updates(updates).Error
}

type locationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLocationRepo(db *gorm.DB, baseLog *logger.Logger) LocationRepo {
	return &locationRepo{db: db, log: baseLog.With("repo", "LocationRepo")}
}

func (r *locationRepo) Create(dbc dbctx.Context, locations []*domain.Location) ([]*domain.Location, error) {
	if len(locations) == 0 {
		return locations, nil
	}
	now := time.Now()
	for _, l := range locations {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		l.UpdatedAt = now
	}
	if err := handle(dbc, r.db).Create(&locations).Error; err != nil {
		return nil, err
	}
	return locations, nil
}

func (r *locationRepo) GetByID(dbc dbctx.Context, id string) (*domain.Location, error) {
	if id == "" {
		return nil, nil
	}
	var l domain.Location
	if err := handle(dbc, r.db).Where("id = ?", id).Limit(1).Find(&l).Error; err != nil {
		return nil, err
	}
	if l.ID == "" {
		return nil, nil
	}
	return &l, nil
}

func (r *locationRepo) ListByProject(dbc dbctx.Context, projectID string) ([]*domain.Location, error) {
	var out []*domain.Location
	if projectID == "" {
		return out, nil
	}
	if err := handle(dbc, r.db).Where("project_id = ?", projectID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *locationRepo) UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error {
	if id == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return handle(dbc, r.db).Model(&domain.Location{}).Where("id = ?", id).Updates(updates).Error
}
