package locks

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

type LockRepo interface {
	// SweepExpired deletes every lease whose expiry has passed and returns
	// the reclaimed rows.
	SweepExpired(dbc dbctx.Context) ([]*domain.ProjectLock, error)
	// Upsert inserts a fresh lease, or takes over an existing row when it is
	// already owned by this worker or has expired. Returns false when the row
	// is validly held by someone else.
	Upsert(dbc dbctx.Context, projectID, workerID string, ttl time.Duration, metadata datatypes.JSON) (bool, error)
	// Renew extends the lease only while worker_id still matches. A false
	// return means the lock was lost.
	Renew(dbc dbctx.Context, projectID, workerID string, ttl time.Duration) (bool, error)
	// Delete removes the lease only while worker_id still matches.
	Delete(dbc dbctx.Context, projectID, workerID string) (bool, error)
	// DeleteForce removes the lease regardless of owner.
	DeleteForce(dbc dbctx.Context, projectID string) (bool, error)
	Get(dbc dbctx.Context, projectID string) (*domain.ProjectLock, error)
	ListByWorker(dbc dbctx.Context, workerID string) ([]*domain.ProjectLock, error)
}

type lockRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLockRepo(db *gorm.DB, baseLog *logger.Logger) LockRepo {
	return &lockRepo{
		db:  db,
		log: baseLog.With("repo", "LockRepo"),
	}
}

func (r *lockRepo) handle(dbc dbctx.Context) *gorm.DB {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx)
}

func (r *lockRepo) SweepExpired(dbc dbctx.Context) ([]*domain.ProjectLock, error) {
	var reclaimed []*domain.ProjectLock
	err := r.handle(dbc).Raw(
		`DELETE FROM project_locks WHERE expires_at < now() RETURNING *`,
	).Scan(&reclaimed).Error
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func (r *lockRepo) Upsert(dbc dbctx.Context, projectID, workerID string, ttl time.Duration, metadata datatypes.JSON) (bool, error) {
	if metadata == nil {
		metadata = datatypes.JSON([]byte(`{}`))
	}
	var rows []*domain.ProjectLock
	err := r.handle(dbc).Raw(`
		INSERT INTO project_locks
			(project_id, worker_id, acquired_at, renewed_at, expires_at, lock_version, metadata)
		VALUES (?, ?, now(), now(), now() + make_interval(secs => ?), 1, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			worker_id    = EXCLUDED.worker_id,
			acquired_at  = now(),
			renewed_at   = now(),
			expires_at   = now() + make_interval(secs => ?),
			lock_version = project_locks.lock_version + 1,
			metadata     = EXCLUDED.metadata
		WHERE project_locks.worker_id = EXCLUDED.worker_id
		   OR project_locks.expires_at < now()
		RETURNING *`,
		projectID, workerID, ttlSeconds(ttl), metadata, ttlSeconds(ttl),
	).Scan(&rows).Error
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (r *lockRepo) Renew(dbc dbctx.Context, projectID, workerID string, ttl time.Duration) (bool, error) {
	res := r.handle(dbc).Exec(`
		UPDATE project_locks SET
			renewed_at   = now(),
			expires_at   = now() + make_interval(secs => ?),
			lock_version = lock_version + 1
		WHERE project_id = ? AND worker_id = ?`,
		ttlSeconds(ttl), projectID, workerID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *lockRepo) Delete(dbc dbctx.Context, projectID, workerID string) (bool, error) {
	res := r.handle(dbc).
		Where("project_id = ? AND worker_id = ?", projectID, workerID).
		Delete(&domain.ProjectLock{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *lockRepo) DeleteForce(dbc dbctx.Context, projectID string) (bool, error) {
	res := r.handle(dbc).
		Where("project_id = ?", projectID).
		Delete(&domain.ProjectLock{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *lockRepo) Get(dbc dbctx.Context, projectID string) (*domain.ProjectLock, error) {
	var lock domain.ProjectLock
	err := r.handle(dbc).
		Where("project_id = ?", projectID).
		Limit(1).
		Find(&lock).Error
	if err != nil {
		return nil, err
	}
	if lock.ProjectID == "" {
		return nil, nil
	}
	return &lock, nil
}

func (r *lockRepo) ListByWorker(dbc dbctx.Context, workerID string) ([]*domain.ProjectLock, error) {
	var out []*domain.ProjectLock
	err := r.handle(dbc).
		Where("worker_id = ?", workerID).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func ttlSeconds(d time.Duration) float64 {
	if d <= 0 {
		d = time.Minute
	}
	return d.Seconds()
}
