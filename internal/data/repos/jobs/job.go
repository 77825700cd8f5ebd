package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

// ErrUniqueViolation surfaces the partial unique index on
// (project_id, type, unique_key) for active jobs. The loser of a concurrent
// create observes the winning row on its next read.
var ErrUniqueViolation = errors.New("jobs: active job exists for logical address")

type JobRepo interface {
	Create(dbc dbctx.Context, job *domain.Job) (*domain.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	GetLatest(dbc dbctx.Context, projectID string, jobType domain.JobType, uniqueKey *string) (*domain.Job, error)
	// Claim transitions CREATED -> RUNNING inside one transaction guarded by
	// a transactional advisory lock on (hash(projectID), hash(jobID)) and the
	// per-project RUNNING cap. Returns nil when any check fails.
	Claim(dbc dbctx.Context, id uuid.UUID, maxRunningPerProject int) (*domain.Job, error)
	// UpdateSafe is the optimistic mutation primitive: attempt=attempt+1
	// guarded by attempt=expected. A nil row means a concurrent modification,
	// not an error. The attempt column itself is never accepted in updates.
	UpdateSafe(dbc dbctx.Context, id uuid.UUID, expectedAttempt int, updates map[string]interface{}) (*domain.Job, error)
	// UpdateState is the worker-side unconditional terminal write; moving
	// into FAILED additionally increments attempt.
	UpdateState(dbc dbctx.Context, id uuid.UUID, state domain.JobState, updates map[string]interface{}) (*domain.Job, error)
	// TouchRunning refreshes updated_at while the job is RUNNING, keeping an
	// active claim out of the stale sweep without bumping attempt.
	TouchRunning(dbc dbctx.Context, id uuid.UUID) (bool, error)
	ListByProject(dbc dbctx.Context, projectID string) ([]*domain.Job, error)
	ListStaleRunning(dbc dbctx.Context, cutoff time.Time, limit int) ([]*domain.Job, error)
	ListFailed(dbc dbctx.Context, limit int) ([]*domain.Job, error)
	CountRunning(dbc dbctx.Context, projectID string) (int64, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) handle(dbc dbctx.Context) *gorm.DB {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx)
}

func (r *jobRepo) Create(dbc dbctx.Context, job *domain.Job) (*domain.Job, error) {
	if job == nil {
		return nil, errors.New("nil job")
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.State == "" {
		job.State = domain.JobStateCreated
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if err := r.handle(dbc).Create(job).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUniqueViolation
		}
		return nil, err
	}
	return job, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.Job
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) GetLatest(dbc dbctx.Context, projectID string, jobType domain.JobType, uniqueKey *string) (*domain.Job, error) {
	if projectID == "" || jobType == "" {
		return nil, nil
	}
	q := r.handle(dbc).
		Where("project_id = ? AND type = ?", projectID, jobType)
	if uniqueKey == nil {
		q = q.Where("unique_key IS NULL")
	} else {
		q = q.Where("unique_key = ?", *uniqueKey)
	}
	var job domain.Job
	err := q.Order("created_at DESC").Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) Claim(dbc dbctx.Context, id uuid.UUID, maxRunningPerProject int) (*domain.Job, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	if maxRunningPerProject <= 0 {
		maxRunningPerProject = 10
	}
	var claimed *domain.Job
	err := r.handle(dbc).Transaction(func(txx *gorm.DB) error {
		var job domain.Job
		qErr := txx.Where("id = ?", id).Limit(1).Find(&job).Error
		if qErr != nil {
			return qErr
		}
		if job.ID == uuid.Nil {
			return nil
		}
		// One claim decider per (project, job), even when two workers race
		// on the same dispatch event. Held until commit.
		if err := txx.Exec(
			`SELECT pg_advisory_xact_lock(hashtext(?::text), hashtext(?::text))`,
			job.ProjectID, job.ID.String(),
		).Error; err != nil {
			return err
		}
		var running int64
		if err := txx.Model(&domain.Job{}).
			Where("project_id = ? AND state = ?", job.ProjectID, domain.JobStateRunning).
			Count(&running).Error; err != nil {
			return err
		}
		if running >= int64(maxRunningPerProject) {
			return nil
		}
		now := time.Now()
		res := txx.Model(&domain.Job{}).
			Where("id = ? AND state = ?", job.ID, domain.JobStateCreated).
			Updates(map[string]interface{}{
				"state":      domain.JobStateRunning,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		job.State = domain.JobStateRunning
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRepo) UpdateSafe(dbc dbctx.Context, id uuid.UUID, expectedAttempt int, updates map[string]interface{}) (*domain.Job, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	delete(updates, "attempt")
	updates["attempt"] = gorm.Expr("attempt + 1")
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.handle(dbc).Model(&domain.Job{}).
		Where("id = ? AND attempt = ?", id, expectedAttempt).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.GetByID(dbc, id)
}

func (r *jobRepo) UpdateState(dbc dbctx.Context, id uuid.UUID, state domain.JobState, updates map[string]interface{}) (*domain.Job, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["state"] = state
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	if state == domain.JobStateFailed {
		delete(updates, "attempt")
		updates["attempt"] = gorm.Expr("attempt + 1")
	}
	res := r.handle(dbc).Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.GetByID(dbc, id)
}

func (r *jobRepo) TouchRunning(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	res := r.handle(dbc).Model(&domain.Job{}).
		Where("id = ? AND state = ?", id, domain.JobStateRunning).
		Update("updated_at", time.Now())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) ListByProject(dbc dbctx.Context, projectID string) ([]*domain.Job, error) {
	var out []*domain.Job
	if projectID == "" {
		return out, nil
	}
	err := r.handle(dbc).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) ListStaleRunning(dbc dbctx.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.Job
	err := r.handle(dbc).
		Where("state = ? AND updated_at < ?", domain.JobStateRunning, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) ListFailed(dbc dbctx.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.Job
	err := r.handle(dbc).
		Where("state = ?", domain.JobStateFailed).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) CountRunning(dbc dbctx.Context, projectID string) (int64, error) {
	var n int64
	err := r.handle(dbc).Model(&domain.Job{}).
		Where("project_id = ? AND state = ?", projectID, domain.JobStateRunning).
		Count(&n).Error
	return n, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
