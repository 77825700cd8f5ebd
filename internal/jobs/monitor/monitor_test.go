package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/jobs"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

type fakeLister struct {
	stale  []*domain.Job
	failed []*domain.Job
}

func (f *fakeLister) ListStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	return f.stale, nil
}

func (f *fakeLister) ListFailed(ctx context.Context, limit int) ([]*domain.Job, error) {
	return f.failed, nil
}

type fakeStore struct {
	mu        sync.Mutex
	fatals    []uuid.UUID
	requeues  []uuid.UUID
	published []uuid.UUID
	loseRace  bool
}

func (f *fakeStore) UpdateJobSafe(ctx context.Context, id uuid.UUID, expectedAttempt int, patch map[string]interface{}) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loseRace {
		return nil, nil
	}
	f.fatals = append(f.fatals, id)
	return &domain.Job{ID: id, State: domain.JobStateFatal, Attempt: expectedAttempt}, nil
}

func (f *fakeStore) RequeueJob(ctx context.Context, id uuid.UUID, expectedAttempt int, reqCtx jobs.RequeueContext) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeues = append(f.requeues, id)
	return &domain.Job{ID: id, State: domain.JobStateCreated, Attempt: expectedAttempt + 1}, nil
}

func (f *fakeStore) PublishFailure(ctx context.Context, job *domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, job.ID)
}

func monitorLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

func staleJob(attempt, maxRetries int) *domain.Job {
	return &domain.Job{
		ID:         uuid.New(),
		ProjectID:  uuid.NewString(),
		Type:       domain.JobTypeGenerateSceneVideo,
		State:      domain.JobStateRunning,
		Attempt:    attempt,
		MaxRetries: maxRetries,
		UpdatedAt:  time.Now().Add(-time.Hour),
	}
}

func failedJob(attempt, maxRetries int, age time.Duration) *domain.Job {
	return &domain.Job{
		ID:         uuid.New(),
		ProjectID:  uuid.NewString(),
		Type:       domain.JobTypeGenerateSceneVideo,
		State:      domain.JobStateFailed,
		Attempt:    attempt,
		MaxRetries: maxRetries,
		UpdatedAt:  time.Now().Add(-age),
	}
}

func TestSweepRequeuesStaleWithBudget(t *testing.T) {
	job := staleJob(1, 3)
	store := &fakeStore{}
	m := New(monitorLog(t), store, &fakeLister{stale: []*domain.Job{job}})

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(store.requeues) != 1 || store.requeues[0] != job.ID {
		t.Fatalf("expected one requeue for %s, got %v", job.ID, store.requeues)
	}
	if len(store.fatals) != 0 {
		t.Fatalf("expected no fatal writes, got %v", store.fatals)
	}
}

func TestSweepMarksExhaustedStaleFatal(t *testing.T) {
	job := staleJob(3, 3)
	store := &fakeStore{}
	m := New(monitorLog(t), store, &fakeLister{stale: []*domain.Job{job}})

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(store.fatals) != 1 || store.fatals[0] != job.ID {
		t.Fatalf("expected fatal write for %s, got %v", job.ID, store.fatals)
	}
	if len(store.published) != 1 {
		t.Fatalf("expected failure event for the fatal write, got %v", store.published)
	}
	if len(store.requeues) != 0 {
		t.Fatalf("expected no requeues, got %v", store.requeues)
	}
}

func TestSweepRetriesFailedAfterBackoff(t *testing.T) {
	// attempt=2 -> 2 minute window. One row is past it, one is not.
	ready := failedJob(2, 5, 3*time.Minute)
	early := failedJob(2, 5, 30*time.Second)
	store := &fakeStore{}
	m := New(monitorLog(t), store, &fakeLister{failed: []*domain.Job{ready, early}})

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(store.requeues) != 1 || store.requeues[0] != ready.ID {
		t.Fatalf("expected only the aged row requeued, got %v", store.requeues)
	}
}

func TestSweepMarksExhaustedFailedFatal(t *testing.T) {
	job := failedJob(3, 3, time.Hour)
	store := &fakeStore{}
	m := New(monitorLog(t), store, &fakeLister{failed: []*domain.Job{job}})

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(store.fatals) != 1 {
		t.Fatalf("expected fatal write, got %v", store.fatals)
	}
	if len(store.requeues) != 0 {
		t.Fatalf("expected no requeue past the budget, got %v", store.requeues)
	}
}

func TestSweepSkipsTerminalRows(t *testing.T) {
	done := staleJob(1, 3)
	done.State = domain.JobStateFatal
	store := &fakeStore{}
	m := New(monitorLog(t), store, &fakeLister{stale: []*domain.Job{done}})

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(store.requeues) != 0 || len(store.fatals) != 0 {
		t.Fatal("terminal rows must never be touched")
	}
}

func TestSweepTreatsLostRaceAsNoop(t *testing.T) {
	job := staleJob(3, 3)
	store := &fakeStore{loseRace: true}
	m := New(monitorLog(t), store, &fakeLister{stale: []*domain.Job{job}})

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep must not surface a lost optimistic race: %v", err)
	}
	if len(store.published) != 0 {
		t.Fatalf("no event may publish when the guard misses, got %v", store.published)
	}
}
