package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
	"github.com/yungbote/videoforge-backend/internal/realtime/bus"
	"github.com/yungbote/videoforge-backend/internal/worker/handlers"
	"github.com/yungbote/videoforge-backend/internal/worker/runtime"
)

// Worker consumes JOB_DISPATCHED events, claims jobs atomically and runs the
// matching handler. Execution ends in exactly one terminal job write; the
// store's events drive the coordinator from there. Claims that lose the race
// or hit the per-project cap are silent no-ops, the job stays CREATED for
// the next dispatch or the monitor's sweep.
type Worker struct {
	log      *logger.Logger
	bus      bus.Bus
	env      runtime.Env
	registry *handlers.Registry
	sem      chan struct{}
}

func New(baseLog *logger.Logger, eventBus bus.Bus, env runtime.Env, registry *handlers.Registry) *Worker {
	if registry == nil {
		registry = handlers.Default()
	}
	maxConcurrent := envutil.Int("WORKER_MAX_CONCURRENT", 4)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Worker{
		log:      baseLog.With("service", "Worker"),
		bus:      eventBus,
		env:      env,
		registry: registry,
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// Start subscribes to dispatch events. Each claimed job runs in its own
// goroutine, bounded by the worker-level concurrency cap.
func (w *Worker) Start(ctx context.Context) error {
	return w.bus.Subscribe(ctx, bus.TopicJobEvents,
		[]string{bus.EventJobDispatched},
		func(msgCtx context.Context, msg bus.Message) error {
			return w.handleDispatch(msgCtx, msg)
		},
	)
}

func (w *Worker) handleDispatch(ctx context.Context, msg bus.Message) error {
	jobIDStr := msg.PayloadString("jobId")
	if jobIDStr == "" {
		return fmt.Errorf("worker: dispatch without jobId")
	}
	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		return fmt.Errorf("worker: bad jobId %q: %w", jobIDStr, err)
	}

	// The slot is taken before the claim. A saturated worker must not mark
	// jobs RUNNING it cannot start; they stay CREATED for another worker or
	// the monitor's sweep.
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	job, err := w.env.Store.ClaimJob(ctx, jobID)
	if err != nil {
		<-w.sem
		return err
	}
	if job == nil {
		<-w.sem
		w.log.Debug("claim skipped", "job_id", jobID)
		return nil
	}

	go func() {
		defer func() { <-w.sem }()
		w.Execute(ctx, job)
	}()
	return nil
}

// Execute runs one claimed job to its terminal state.
func (w *Worker) Execute(ctx context.Context, job *domain.Job) {
	log := w.log.With("job_id", job.ID, "type", string(job.Type), "project_id", job.ProjectID)
	if traceID := traceFromPayload(job); traceID != "" {
		log = log.With("trace_id", traceID)
	}

	handler, err := w.registry.Get(job.Type)
	if err != nil {
		log.Error("no handler", "error", err)
		rc := runtime.NewContext(ctx, w.env, job)
		if ferr := rc.Fail(err); ferr != nil {
			log.Error("terminal write failed", "error", ferr)
		}
		return
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rc := runtime.NewContext(execCtx, w.env, job)

	log.Info("job started", "attempt", job.Attempt)
	result, herr := handler(rc)
	if herr != nil {
		log.Warn("job failed", "error", herr)
		if ferr := rc.Fail(herr); ferr != nil {
			log.Error("terminal write failed", "error", ferr)
		}
		return
	}
	if serr := rc.Succeed(result); serr != nil {
		log.Error("terminal write failed", "error", serr)
		return
	}
	log.Info("job completed")
}

// traceFromPayload lifts the caller's trace id out of the payload so worker
// logs correlate with the coordinator's.
func traceFromPayload(job *domain.Job) string {
	if job == nil || len(job.Payload) == 0 {
		return ""
	}
	var p struct {
		TraceID string `json:"traceId"`
	}
	_ = json.Unmarshal(job.Payload, &p)
	return p.TraceID
}

// RunOnce claims and executes one job synchronously. Used by tests and by
// operational backfills.
func (w *Worker) RunOnce(ctx context.Context, jobID uuid.UUID) error {
	job, err := w.env.Store.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	w.Execute(ctx, job)
	return nil
}
