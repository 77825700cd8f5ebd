package checkpoints

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

type CheckpointRepo interface {
	// Put appends a new snapshot row for the thread.
	Put(dbc dbctx.Context, threadID string, checkpoint datatypes.JSON) (*domain.Checkpoint, error)
	// GetLatest returns the newest snapshot for the thread, or nil.
	GetLatest(dbc dbctx.Context, threadID string) (*domain.Checkpoint, error)
	// History returns snapshots newest first.
	History(dbc dbctx.Context, threadID string, limit int) ([]*domain.Checkpoint, error)
}

type checkpointRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCheckpointRepo(db *gorm.DB, baseLog *logger.Logger) CheckpointRepo {
	return &checkpointRepo{
		db:  db,
		log: baseLog.With("repo", "CheckpointRepo"),
	}
}

func (r *checkpointRepo) handle(dbc dbctx.Context) *gorm.DB {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx)
}

func (r *checkpointRepo) Put(dbc dbctx.Context, threadID string, checkpoint datatypes.JSON) (*domain.Checkpoint, error) {
	row := &domain.Checkpoint{
		ThreadID:     threadID,
		CheckpointNS: "",
		CheckpointID: uuid.New().String(),
		Checkpoint:   checkpoint,
		Type:         "workflow_state",
		CreatedAt:    time.Now(),
	}
	if err := r.handle(dbc).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *checkpointRepo) GetLatest(dbc dbctx.Context, threadID string) (*domain.Checkpoint, error) {
	if threadID == "" {
		return nil, nil
	}
	var row domain.Checkpoint
	err := r.handle(dbc).
		Where("thread_id = ?", threadID).
		Order("created_at DESC").
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.CheckpointID == "" {
		return nil, nil
	}
	return &row, nil
}

func (r *checkpointRepo) History(dbc dbctx.Context, threadID string, limit int) ([]*domain.Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*domain.Checkpoint
	err := r.handle(dbc).
		Where("thread_id = ?", threadID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
