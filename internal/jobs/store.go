package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepo "github.com/yungbote/videoforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
	"github.com/yungbote/videoforge-backend/internal/realtime/bus"
)

// ErrUniqueViolation re-exports the repo sentinel so callers do not import
// the repo package just to classify create failures.
var ErrUniqueViolation = jobrepo.ErrUniqueViolation

// RequeueContext tags the audit trail of a requeue. Behavior is identical
// for both; only the log line differs.
type RequeueContext string

const (
	RequeueStaleRecovery RequeueContext = "STALE_RECOVERY"
	RequeueBackoffRetry  RequeueContext = "BACKOFF_RETRY"
)

type CreateJobParams struct {
	Type       domain.JobType
	ProjectID  string
	Payload    map[string]any
	UniqueKey  *string
	AssetKey   string
	MaxRetries int
}

// Store is the durable job control plane: atomic state transitions,
// per-project concurrency caps, monotonic attempt versioning, and event
// publication after the commit that caused each transition.
type Store struct {
	log               *logger.Logger
	repo              jobrepo.JobRepo
	bus               bus.Bus
	maxRunningPerProj int
	defaultMaxRetries int
}

func NewStore(baseLog *logger.Logger, repo jobrepo.JobRepo, eventBus bus.Bus) *Store {
	return &Store{
		log:               baseLog.With("service", "JobStore"),
		repo:              repo,
		bus:               eventBus,
		maxRunningPerProj: envutil.Int("MAX_CONCURRENT_JOBS_PER_PROJECT", 10),
		defaultMaxRetries: envutil.Int("MAX_RETRIES", 2),
	}
}

// CreateJob inserts a CREATED row with attempt=1. The partial unique index
// on (project_id, type, unique_key) for active states rejects a concurrent
// duplicate with ErrUniqueViolation. JOB_DISPATCHED is published after the
// insert commits.
func (s *Store) CreateJob(ctx context.Context, params CreateJobParams) (*domain.Job, error) {
	if params.ProjectID == "" || params.Type == "" {
		return nil, fmt.Errorf("jobs: project id and type required")
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.defaultMaxRetries
	}
	payload := datatypes.JSON([]byte(`{}`))
	if params.Payload != nil {
		b, err := json.Marshal(params.Payload)
		if err != nil {
			return nil, fmt.Errorf("jobs: encode payload: %w", err)
		}
		payload = datatypes.JSON(b)
	}
	job := &domain.Job{
		ID:         uuid.New(),
		ProjectID:  params.ProjectID,
		Type:       params.Type,
		State:      domain.JobStateCreated,
		Payload:    payload,
		UniqueKey:  params.UniqueKey,
		AssetKey:   params.AssetKey,
		Attempt:    1,
		MaxRetries: maxRetries,
	}
	created, err := s.repo.Create(dbctx.New(ctx), job)
	if err != nil {
		return nil, err
	}
	s.publishJobEvent(ctx, bus.EventJobDispatched, created)
	return created, nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.repo.GetByID(dbctx.New(ctx), id)
}

// GetLatestJob returns the newest row for the logical address. A nil
// uniqueKey matches singleton jobs (unique_key IS NULL).
func (s *Store) GetLatestJob(ctx context.Context, projectID string, jobType domain.JobType, uniqueKey *string) (*domain.Job, error) {
	return s.repo.GetLatest(dbctx.New(ctx), projectID, jobType, uniqueKey)
}

// ClaimJob attempts CREATED -> RUNNING under the advisory lock and the
// per-project RUNNING cap. A nil return means another worker won or the cap
// is reached; both are normal.
func (s *Store) ClaimJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.repo.Claim(dbctx.New(ctx), id, s.maxRunningPerProj)
}

// UpdateJobSafe is the optimistic mutation: a nil row means the attempt
// guard missed, which callers treat as "someone else got there first".
func (s *Store) UpdateJobSafe(ctx context.Context, id uuid.UUID, expectedAttempt int, patch map[string]interface{}) (*domain.Job, error) {
	return s.repo.UpdateSafe(dbctx.New(ctx), id, expectedAttempt, patch)
}

// UpdateJobState is the worker-side terminal write. Moving into FAILED
// increments attempt; terminal events publish after the commit.
func (s *Store) UpdateJobState(ctx context.Context, id uuid.UUID, state domain.JobState, result map[string]any, errMsg string) (*domain.Job, error) {
	updates := map[string]interface{}{}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("jobs: encode result: %w", err)
		}
		updates["result"] = datatypes.JSON(b)
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	job, err := s.repo.UpdateState(dbctx.New(ctx), id, state, updates)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	switch state {
	case domain.JobStateCompleted:
		s.publishJobEvent(ctx, bus.EventJobCompleted, job)
	case domain.JobStateFailed, domain.JobStateFatal:
		s.publishJobEvent(ctx, bus.EventJobFailed, job)
	case domain.JobStateCancelled:
		s.publishJobEvent(ctx, bus.EventJobCancelled, job)
	}
	return job, nil
}

// RequeueJob moves a job back to CREATED through the optimistic guard,
// appending an audit line to error. On success JOB_DISPATCHED publishes
// again. A nil return means the attempt moved underneath us; the job is
// left alone.
func (s *Store) RequeueJob(ctx context.Context, id uuid.UUID, expectedAttempt int, reqCtx RequeueContext) (*domain.Job, error) {
	audit := fmt.Sprintf("\n[%s %s attempt=%d]", reqCtx, time.Now().UTC().Format(time.RFC3339), expectedAttempt)
	patch := map[string]interface{}{
		"state": domain.JobStateCreated,
		"error": gorm.Expr("COALESCE(error, '') || ?", audit),
	}
	job, err := s.repo.UpdateSafe(dbctx.New(ctx), id, expectedAttempt, patch)
	if err != nil {
		return nil, err
	}
	if job == nil {
		s.log.Debug("requeue lost optimistic race", "job_id", id, "context", string(reqCtx))
		return nil, nil
	}
	s.log.Info("requeued job", "job_id", id, "context", string(reqCtx), "attempt", job.Attempt)
	s.publishJobEvent(ctx, bus.EventJobDispatched, job)
	return job, nil
}

// CancelJob moves any non-terminal job to CANCELLED.
func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := s.repo.GetByID(dbctx.New(ctx), id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if job.State.Terminal() {
		return job, nil
	}
	return s.UpdateJobState(ctx, id, domain.JobStateCancelled, nil, "")
}

func (s *Store) ListJobs(ctx context.Context, projectID string) ([]*domain.Job, error) {
	return s.repo.ListByProject(dbctx.New(ctx), projectID)
}

// TouchJob refreshes a RUNNING job's updated_at. Returns false when the job
// is no longer RUNNING, which tells the worker its claim is gone.
func (s *Store) TouchJob(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.repo.TouchRunning(dbctx.New(ctx), id)
}

func (s *Store) ListStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	return s.repo.ListStaleRunning(dbctx.New(ctx), cutoff, limit)
}

func (s *Store) ListFailed(ctx context.Context, limit int) ([]*domain.Job, error) {
	return s.repo.ListFailed(dbctx.New(ctx), limit)
}

func (s *Store) CountRunning(ctx context.Context, projectID string) (int64, error) {
	return s.repo.CountRunning(dbctx.New(ctx), projectID)
}

func (s *Store) MaxRunningPerProject() int { return s.maxRunningPerProj }

func (s *Store) DefaultMaxRetries() int { return s.defaultMaxRetries }

// PublishFailure emits JOB_FAILED for a transition written outside
// UpdateJobState, such as the monitor's FATAL write.
func (s *Store) PublishFailure(ctx context.Context, job *domain.Job) {
	s.publishJobEvent(ctx, bus.EventJobFailed, job)
}

func (s *Store) publishJobEvent(ctx context.Context, eventType string, job *domain.Job) {
	if s.bus == nil || job == nil {
		return
	}
	if err := s.bus.Publish(ctx, bus.TopicJobEvents, bus.JobEvent(eventType, job.ProjectID, job.ID.String())); err != nil {
		s.log.Warn("publish job event failed", "event", eventType, "job_id", job.ID, "error", err)
	}
}

// DecodeResult parses a job result into a map, reviving RFC3339 strings to
// timestamps one level deep.
func DecodeResult(job *domain.Job) (map[string]any, error) {
	if job == nil || len(job.Result) == 0 || string(job.Result) == "null" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(job.Result, &m); err != nil {
		return nil, fmt.Errorf("jobs: decode result: %w", err)
	}
	for k, v := range m {
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				m[k] = t
			} else if t, err := time.Parse(time.RFC3339, s); err == nil {
				m[k] = t
			}
		}
	}
	return m, nil
}

// NextBackoff returns the monitor's retry window for a failed attempt:
// 2^max(attempt-1, 0) minutes.
func NextBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<uint(attempt-1)) * time.Minute
}

// ValidateTransition reports whether moving from one state to another is
// legal under the job state machine.
func ValidateTransition(from, to domain.JobState) error {
	if from.Terminal() {
		return fmt.Errorf("jobs: %s is terminal", from)
	}
	switch to {
	case domain.JobStateRunning:
		if from != domain.JobStateCreated {
			return fmt.Errorf("jobs: claim requires CREATED, have %s", from)
		}
	case domain.JobStateCompleted, domain.JobStateFailed:
		if from != domain.JobStateRunning {
			return fmt.Errorf("jobs: terminal outcome requires RUNNING, have %s", from)
		}
	case domain.JobStateCreated:
		if from != domain.JobStateFailed && from != domain.JobStateRunning {
			return fmt.Errorf("jobs: requeue requires FAILED or stale RUNNING, have %s", from)
		}
	case domain.JobStateFatal:
		if from != domain.JobStateRunning && from != domain.JobStateFailed {
			return fmt.Errorf("jobs: FATAL requires RUNNING or FAILED, have %s", from)
		}
	case domain.JobStateCancelled:
		// any non-terminal state may cancel
	default:
		return errors.New("jobs: unknown target state")
	}
	return nil
}
