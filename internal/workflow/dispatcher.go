package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/jobs"
	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

// ErrRetriesExhausted marks a job whose attempt budget is spent. The
// interpreter converts it into an llm_retry_exhausted interrupt.
var ErrRetriesExhausted = errors.New("workflow: retries exhausted")

// RetriesExhaustedError wraps ErrRetriesExhausted with enough detail to
// build the interrupt descriptor.
type RetriesExhaustedError struct {
	NodeName string
	JobIDs   []string
	Attempt  int
	LastErr  string
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("workflow: retries exhausted at %s (jobs %s): %s",
		e.NodeName, strings.Join(e.JobIDs, ","), e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error { return ErrRetriesExhausted }

// JobStore is the slice of the job service the dispatcher needs. Tests
// substitute an in-memory implementation.
type JobStore interface {
	GetLatestJob(ctx context.Context, projectID string, jobType domain.JobType, uniqueKey *string) (*domain.Job, error)
	CreateJob(ctx context.Context, params jobs.CreateJobParams) (*domain.Job, error)
	RequeueJob(ctx context.Context, id uuid.UUID, expectedAttempt int, reqCtx jobs.RequeueContext) (*domain.Job, error)
}

// JobSpec addresses one job inside a fan-out stage. UniqueKey must be
// deterministic per item so repeated stage runs land on the same rows.
type JobSpec struct {
	UniqueKey string
	Type      domain.JobType
	AssetKey  string
	Payload   map[string]any
}

// Dispatcher is the sole suspension primitive. Stages delegate all real work
// to EnsureJob or EnsureBatchJobs; the returned Suspension carries the
// interrupt the interpreter checkpoints.
type Dispatcher struct {
	log         *logger.Logger
	store       JobStore
	maxParallel int
}

func NewDispatcher(baseLog *logger.Logger, store JobStore) *Dispatcher {
	return &Dispatcher{
		log:         baseLog.With("service", "Dispatcher"),
		store:       store,
		maxParallel: envutil.Int("MAX_PARALLEL_JOBS", 2),
	}
}

func (d *Dispatcher) MaxParallel() int { return d.maxParallel }

// EnsureJob is the idempotent singleton-stage primitive. nodeName doubles as
// the job's uniqueKey. It either returns the completed job's result or
// yields: a Suspension while work is pending, a RetriesExhaustedError once
// the budget is spent.
func (d *Dispatcher) EnsureJob(ctx context.Context, st *State, projectID, nodeName string, jobType domain.JobType, assetKey string, payload map[string]any) (map[string]any, error) {
	job, err := d.store.GetLatestJob(ctx, projectID, jobType, &nodeName)
	if err != nil {
		return nil, err
	}

	if job == nil || job.State == domain.JobStateCancelled {
		return nil, d.createAndSuspend(ctx, st, projectID, nodeName, jobType, assetKey, payload)
	}

	st.RecordJob(nodeName, job.ID.String())

	switch job.State {
	case domain.JobStateCompleted:
		return jobs.DecodeResult(job)
	case domain.JobStateFailed:
		if job.Attempt >= job.MaxRetries {
			if st != nil && st.ConsumeRetryGrant(nodeName) {
				// Operator approved a retry past the budget. The old row is
				// not active, so the partial unique index admits a fresh one.
				return nil, d.createAndSuspend(ctx, st, projectID, nodeName, jobType, assetKey, payload)
			}
			return nil, &RetriesExhaustedError{
				NodeName: nodeName,
				JobIDs:   []string{job.ID.String()},
				Attempt:  job.Attempt,
				LastErr:  job.Error,
			}
		}
		if _, rerr := d.store.RequeueJob(ctx, job.ID, job.Attempt, jobs.RequeueBackoffRetry); rerr != nil {
			return nil, rerr
		}
		return nil, d.suspendJob(st, projectID, nodeName, job.ID.String())
	case domain.JobStateFatal:
		if st != nil && st.ConsumeRetryGrant(nodeName) {
			return nil, d.createAndSuspend(ctx, st, projectID, nodeName, jobType, assetKey, payload)
		}
		return nil, &RetriesExhaustedError{
			NodeName: nodeName,
			JobIDs:   []string{job.ID.String()},
			Attempt:  job.Attempt,
			LastErr:  job.Error,
		}
	default: // CREATED, RUNNING
		return nil, d.suspendJob(st, projectID, nodeName, job.ID.String())
	}
}

// createAndSuspend inserts the node's job row and yields. Losing the insert
// race is fine; the winner's row is the job the stage waits on.
func (d *Dispatcher) createAndSuspend(ctx context.Context, st *State, projectID, nodeName string, jobType domain.JobType, assetKey string, payload map[string]any) error {
	created, cerr := d.store.CreateJob(ctx, jobs.CreateJobParams{
		Type:      jobType,
		ProjectID: projectID,
		Payload:   d.mergeRevised(st, payload),
		UniqueKey: &nodeName,
		AssetKey:  assetKey,
	})
	if cerr != nil {
		if errors.Is(cerr, jobs.ErrUniqueViolation) {
			return d.suspendJob(st, projectID, nodeName, "")
		}
		return cerr
	}
	st.RecordJob(nodeName, created.ID.String())
	return d.suspendJob(st, projectID, nodeName, created.ID.String())
}

// EnsureBatchJobs is the fan-out primitive. Results come back keyed by
// UniqueKey only once every spec's job is COMPLETED; before that the stage
// suspends with the remaining count, and any exhausted failure halts new
// work until the operator resolves it.
func (d *Dispatcher) EnsureBatchJobs(ctx context.Context, st *State, projectID, nodeName string, specs []JobSpec) (map[string]map[string]any, error) {
	if len(specs) == 0 {
		return map[string]map[string]any{}, nil
	}

	results := map[string]map[string]any{}
	var missing []JobSpec
	var exhausted RetriesExhaustedError
	running := 0
	// An operator retry grant covers the whole batch node: every exhausted
	// row restarts on a fresh row instead of halting the stage.
	granted := st != nil && st.RetryGranted(nodeName)

	for _, spec := range specs {
		key := spec.UniqueKey
		job, err := d.store.GetLatestJob(ctx, projectID, spec.Type, &key)
		if err != nil {
			return nil, err
		}
		if job == nil || job.State == domain.JobStateCancelled {
			missing = append(missing, spec)
			continue
		}
		st.RecordJob(key, job.ID.String())
		switch job.State {
		case domain.JobStateCompleted:
			res, derr := jobs.DecodeResult(job)
			if derr != nil {
				return nil, derr
			}
			results[key] = res
		case domain.JobStateFailed:
			if job.Attempt >= job.MaxRetries {
				if granted {
					missing = append(missing, spec)
					continue
				}
				exhausted.JobIDs = append(exhausted.JobIDs, job.ID.String())
				exhausted.LastErr = job.Error
				if job.Attempt > exhausted.Attempt {
					exhausted.Attempt = job.Attempt
				}
			} else {
				if _, rerr := d.store.RequeueJob(ctx, job.ID, job.Attempt, jobs.RequeueBackoffRetry); rerr != nil {
					return nil, rerr
				}
				running++
			}
		case domain.JobStateFatal:
			if granted {
				missing = append(missing, spec)
				continue
			}
			exhausted.JobIDs = append(exhausted.JobIDs, job.ID.String())
			exhausted.LastErr = job.Error
			if job.Attempt > exhausted.Attempt {
				exhausted.Attempt = job.Attempt
			}
		default:
			running++
		}
	}
	if granted {
		st.ConsumeRetryGrant(nodeName)
	}

	if len(exhausted.JobIDs) > 0 {
		exhausted.NodeName = nodeName
		return nil, &exhausted
	}

	slots := d.maxParallel - running
	for _, spec := range missing {
		if slots <= 0 {
			break
		}
		key := spec.UniqueKey
		created, cerr := d.store.CreateJob(ctx, jobs.CreateJobParams{
			Type:      spec.Type,
			ProjectID: projectID,
			Payload:   spec.Payload,
			UniqueKey: &key,
			AssetKey:  spec.AssetKey,
		})
		if cerr != nil {
			if errors.Is(cerr, jobs.ErrUniqueViolation) {
				// Another coordinator created it; it counts as pending.
				running++
				continue
			}
			return nil, cerr
		}
		st.RecordJob(key, created.ID.String())
		slots--
		running++
	}

	remaining := len(specs) - len(results)
	if remaining > 0 {
		return nil, Suspend(Interrupt{
			Type:      InterruptWaitingForBatch,
			NodeName:  nodeName,
			ProjectID: projectID,
			Remaining: remaining,
		})
	}
	return results, nil
}

func (d *Dispatcher) suspendJob(st *State, projectID, nodeName, jobID string) error {
	i := Interrupt{
		Type:      InterruptWaitingForJob,
		NodeName:  nodeName,
		ProjectID: projectID,
	}
	if st != nil && st.NodeAttempts != nil {
		i.Attempt = st.NodeAttempts[nodeName]
	}
	if jobID != "" {
		i.Params = map[string]any{"jobId": jobID}
	}
	return Suspend(i)
}

// mergeRevised folds operator-revised params into the job payload once,
// consuming them.
func (d *Dispatcher) mergeRevised(st *State, payload map[string]any) map[string]any {
	if st == nil || len(st.RevisedParams) == 0 {
		return payload
	}
	merged := map[string]any{}
	for k, v := range payload {
		merged[k] = v
	}
	for k, v := range st.RevisedParams {
		merged[k] = v
	}
	st.RevisedParams = nil
	return merged
}
