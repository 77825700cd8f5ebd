package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/jobs"
	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

// Lister is the read side the sweeps need, separated so tests can feed
// candidate rows without a database.
type Lister interface {
	ListStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error)
	ListFailed(ctx context.Context, limit int) ([]*domain.Job, error)
}

// Store is the write side, satisfied by *jobs.Store.
type Store interface {
	UpdateJobSafe(ctx context.Context, id uuid.UUID, expectedAttempt int, patch map[string]interface{}) (*domain.Job, error)
	RequeueJob(ctx context.Context, id uuid.UUID, expectedAttempt int, reqCtx jobs.RequeueContext) (*domain.Job, error)
	PublishFailure(ctx context.Context, job *domain.Job)
}

// Monitor is the autonomous failure detector. Two sweeps run concurrently on
// each tick: stale RUNNING recovery and FAILED backoff retry. Both route
// every write through the optimistic attempt guard, so a live worker that
// merely looks stale cannot be double-run; losing the race is a no-op. Jobs
// in FATAL are never selected.
type Monitor struct {
	log       *logger.Logger
	store     Store
	lister    Lister
	frequency time.Duration
	staleAge  time.Duration
	batchSize int
}

func New(baseLog *logger.Logger, store Store, lister Lister) *Monitor {
	return &Monitor{
		log:       baseLog.With("service", "JobMonitor"),
		store:     store,
		lister:    lister,
		frequency: envutil.Seconds("MONITOR_FREQUENCY_SECONDS", 60),
		staleAge:  envutil.Seconds("STALE_JOB_TIMEOUT_SECONDS", 600),
		batchSize: envutil.Int("MONITOR_BATCH_SIZE", 100),
	}
}

// Run executes sweep cycles until ctx is cancelled. A cycle runs immediately
// on start, then every tick.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor started",
		"frequency", m.frequency.String(),
		"stale_age", m.staleAge.String(),
	)
	ticker := time.NewTicker(m.frequency)
	defer ticker.Stop()
	for {
		if err := m.Sweep(ctx); err != nil {
			m.log.Error("sweep cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one cycle: both sweeps concurrently.
func (m *Monitor) Sweep(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.sweepStale(gctx) })
	g.Go(func() error { return m.sweepFailed(gctx) })
	return g.Wait()
}

// sweepStale recovers RUNNING jobs whose updated_at is older than the stale
// window. Exhausted rows go to FATAL, the rest requeue.
func (m *Monitor) sweepStale(ctx context.Context) error {
	cutoff := time.Now().Add(-m.staleAge)
	rows, err := m.lister.ListStaleRunning(ctx, cutoff, m.batchSize)
	if err != nil {
		return fmt.Errorf("list stale running: %w", err)
	}
	for _, job := range rows {
		if err := m.recover(ctx, job, jobs.RequeueStaleRecovery); err != nil {
			m.log.Error("stale recovery failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// sweepFailed retries FAILED jobs whose exponential backoff window has
// elapsed: 2^(attempt-1) minutes since the failure write.
func (m *Monitor) sweepFailed(ctx context.Context) error {
	rows, err := m.lister.ListFailed(ctx, m.batchSize)
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}
	now := time.Now()
	for _, job := range rows {
		if now.Sub(job.UpdatedAt) < jobs.NextBackoff(job.Attempt) {
			continue
		}
		if err := m.recover(ctx, job, jobs.RequeueBackoffRetry); err != nil {
			m.log.Error("backoff retry failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// recover decides FATAL vs requeue for one candidate row. attempt counts
// from 1, so attempt >= max_retries means the budget is spent.
func (m *Monitor) recover(ctx context.Context, job *domain.Job, reqCtx jobs.RequeueContext) error {
	if job == nil || job.State.Terminal() {
		return nil
	}
	if job.Attempt >= job.MaxRetries {
		audit := fmt.Sprintf("\n[FATAL via %s %s]", reqCtx, time.Now().UTC().Format(time.RFC3339))
		updated, err := m.store.UpdateJobSafe(ctx, job.ID, job.Attempt, map[string]interface{}{
			"state": domain.JobStateFatal,
			"error": job.Error + audit,
		})
		if err != nil {
			return err
		}
		if updated == nil {
			m.log.Debug("fatal write lost optimistic race", "job_id", job.ID)
			return nil
		}
		m.log.Warn("job exhausted retries, marked fatal",
			"job_id", job.ID,
			"project_id", job.ProjectID,
			"type", string(job.Type),
			"attempt", job.Attempt,
			"context", string(reqCtx),
		)
		m.store.PublishFailure(ctx, updated)
		return nil
	}
	_, err := m.store.RequeueJob(ctx, job.ID, job.Attempt, reqCtx)
	return err
}
