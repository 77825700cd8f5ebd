package projects

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

type ProjectRepo interface {
	Create(dbc dbctx.Context, project *domain.Project) (*domain.Project, error)
	GetByID(dbc dbctx.Context, id string) (*domain.Project, error)
	UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error
}

type projectRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return &projectRepo{
		db:  db,
		log: baseLog.With("repo", "ProjectRepo"),
	}
}

func (r *projectRepo) handle(dbc dbctx.Context) *gorm.DB {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx)
}

func (r *projectRepo) Create(dbc dbctx.Context, project *domain.Project) (*domain.Project, error) {
	if project == nil {
		return nil, errors.New("nil project")
	}
	if project.Status == "" {
		project.Status = domain.ProjectStatusPending
	}
	now := time.Now()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now
	if err := r.handle(dbc).Create(project).Error; err != nil {
		return nil, err
	}
	return project, nil
}

func (r *projectRepo) GetByID(dbc dbctx.Context, id string) (*domain.Project, error) {
	if id == "" {
		return nil, nil
	}
	var project domain.Project
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&project).Error
	if err != nil {
		return nil, err
	}
	if project.ID == "" {
		return nil, nil
	}
	return &project, nil
}

func (r *projectRepo) UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error {
	if id == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(dbc).
		Model(&domain.Project{}).
		Where("id = ?", id).
		Updates(updates).Error
}
