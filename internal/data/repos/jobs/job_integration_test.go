package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/videoforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
)

func strPtr(s string) *string { return &s }

func newRepo(t *testing.T) (JobRepo, dbctx.Context) {
	t.Helper()
	gdb := testutil.DB(t)
	return NewJobRepo(gdb, testutil.Logger(t)), dbctx.New(context.Background())
}

func seedJob(t *testing.T, repo JobRepo, dbc dbctx.Context, projectID string, key *string) *domain.Job {
	t.Helper()
	job, err := repo.Create(dbc, &domain.Job{
		ProjectID:  projectID,
		Type:       domain.JobTypeGenerateSceneVideo,
		UniqueKey:  key,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func TestCreateRejectsActiveDuplicate(t *testing.T) {
	repo, dbc := newRepo(t)
	projectID := uuid.NewString()
	key := strPtr("scene-1:v1")

	first := seedJob(t, repo, dbc, projectID, key)

	_, err := repo.Create(dbc, &domain.Job{
		ProjectID: projectID,
		Type:      domain.JobTypeGenerateSceneVideo,
		UniqueKey: key,
	})
	if !errors.Is(err, ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got %v", err)
	}

	// Once the first row is terminal the logical address is free again.
	if _, err := repo.UpdateState(dbc, first.ID, domain.JobStateCancelled, nil); err != nil {
		t.Fatalf("cancel first: %v", err)
	}
	fresh, err := repo.Create(dbc, &domain.Job{
		ProjectID: projectID,
		Type:      domain.JobTypeGenerateSceneVideo,
		UniqueKey: key,
	})
	if err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
	if fresh.ID == first.ID {
		t.Fatal("expected a fresh row")
	}
}

func TestGetLatestDistinguishesNilKey(t *testing.T) {
	repo, dbc := newRepo(t)
	projectID := uuid.NewString()

	keyed := seedJob(t, repo, dbc, projectID, strPtr("render_video:v1"))
	singleton := seedJob(t, repo, dbc, projectID, nil)

	got, err := repo.GetLatest(dbc, projectID, domain.JobTypeGenerateSceneVideo, nil)
	if err != nil {
		t.Fatalf("get latest nil key: %v", err)
	}
	if got == nil || got.ID != singleton.ID {
		t.Fatalf("expected singleton row, got %+v", got)
	}

	got, err = repo.GetLatest(dbc, projectID, domain.JobTypeGenerateSceneVideo, strPtr("render_video:v1"))
	if err != nil {
		t.Fatalf("get latest keyed: %v", err)
	}
	if got == nil || got.ID != keyed.ID {
		t.Fatalf("expected keyed row, got %+v", got)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	repo, dbc := newRepo(t)
	job := seedJob(t, repo, dbc, uuid.NewString(), strPtr("claim-race"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.Claim(dbctx.New(context.Background()), job.ID, 10)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", wins)
	}

	after, err := repo.GetByID(dbc, job.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.State != domain.JobStateRunning {
		t.Fatalf("expected RUNNING, got %s", after.State)
	}
}

func TestClaimHonorsRunningCap(t *testing.T) {
	repo, dbc := newRepo(t)
	projectID := uuid.NewString()

	running := seedJob(t, repo, dbc, projectID, strPtr("cap-a"))
	if claimed, err := repo.Claim(dbc, running.ID, 1); err != nil || claimed == nil {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}

	blocked := seedJob(t, repo, dbc, projectID, strPtr("cap-b"))
	claimed, err := repo.Claim(dbc, blocked.ID, 1)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed != nil {
		t.Fatal("expected claim refused at the per-project cap")
	}

	after, _ := repo.GetByID(dbc, blocked.ID)
	if after.State != domain.JobStateCreated {
		t.Fatalf("refused claim must leave the row CREATED, got %s", after.State)
	}
}

func TestUpdateSafeGuardsOnAttempt(t *testing.T) {
	repo, dbc := newRepo(t)
	job := seedJob(t, repo, dbc, uuid.NewString(), strPtr("guard"))

	updated, err := repo.UpdateSafe(dbc, job.ID, job.Attempt, map[string]interface{}{
		"state": domain.JobStateCreated,
	})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if updated == nil || updated.Attempt != job.Attempt+1 {
		t.Fatalf("expected attempt bumped to %d, got %+v", job.Attempt+1, updated)
	}

	// Replaying the same expected attempt must miss.
	stale, err := repo.UpdateSafe(dbc, job.ID, job.Attempt, map[string]interface{}{
		"state": domain.JobStateFatal,
	})
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if stale != nil {
		t.Fatalf("expected stale guard to miss, got %+v", stale)
	}
	after, _ := repo.GetByID(dbc, job.ID)
	if after.State == domain.JobStateFatal {
		t.Fatal("stale writer must not change state")
	}
}

func TestUpdateSafeNeverAcceptsAttemptColumn(t *testing.T) {
	repo, dbc := newRepo(t)
	job := seedJob(t, repo, dbc, uuid.NewString(), strPtr("attempt-col"))

	updated, err := repo.UpdateSafe(dbc, job.ID, job.Attempt, map[string]interface{}{
		"attempt": 99,
		"state":   domain.JobStateCreated,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Attempt != job.Attempt+1 {
		t.Fatalf("attempt must only ever move by one, got %d", updated.Attempt)
	}
}

func TestUpdateStateFailureBumpsAttempt(t *testing.T) {
	repo, dbc := newRepo(t)
	job := seedJob(t, repo, dbc, uuid.NewString(), strPtr("fail-bump"))
	if claimed, err := repo.Claim(dbc, job.ID, 10); err != nil || claimed == nil {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	failed, err := repo.UpdateState(dbc, job.ID, domain.JobStateFailed, map[string]interface{}{
		"error": "model refused",
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Attempt != job.Attempt+1 {
		t.Fatalf("failure must bump attempt, got %d", failed.Attempt)
	}

	done, err := repo.UpdateState(dbc, job.ID, domain.JobStateCancelled, nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if done.Attempt != failed.Attempt {
		t.Fatalf("non-failure transition must not bump attempt, got %d", done.Attempt)
	}
}

func TestTouchRunning(t *testing.T) {
	repo, dbc := newRepo(t)
	job := seedJob(t, repo, dbc, uuid.NewString(), strPtr("touch"))

	// Not RUNNING yet.
	if ok, err := repo.TouchRunning(dbc, job.ID); err != nil || ok {
		t.Fatalf("touch on CREATED: ok=%v err=%v", ok, err)
	}

	if claimed, err := repo.Claim(dbc, job.ID, 10); err != nil || claimed == nil {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	before, _ := repo.GetByID(dbc, job.ID)
	time.Sleep(20 * time.Millisecond)
	if ok, err := repo.TouchRunning(dbc, job.ID); err != nil || !ok {
		t.Fatalf("touch on RUNNING: ok=%v err=%v", ok, err)
	}
	after, _ := repo.GetByID(dbc, job.ID)
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("touch must advance updated_at: %s -> %s", before.UpdatedAt, after.UpdatedAt)
	}
	if after.Attempt != before.Attempt {
		t.Fatal("touch must not bump attempt")
	}
}

func TestListStaleRunningWindow(t *testing.T) {
	repo, dbc := newRepo(t)
	projectID := uuid.NewString()

	stale := seedJob(t, repo, dbc, projectID, strPtr("stale-old"))
	fresh := seedJob(t, repo, dbc, projectID, strPtr("stale-new"))
	for _, j := range []*domain.Job{stale, fresh} {
		if claimed, err := repo.Claim(dbc, j.ID, 10); err != nil || claimed == nil {
			t.Fatalf("claim %s: claimed=%v err=%v", j.ID, claimed, err)
		}
	}
	// Age one row behind the cutoff.
	if err := testutil.DB(t).Exec(
		`UPDATE jobs SET updated_at = now() - interval '1 hour' WHERE id = ?`, stale.ID,
	).Error; err != nil {
		t.Fatalf("age row: %v", err)
	}

	rows, err := repo.ListStaleRunning(dbc, time.Now().Add(-10*time.Minute), 100)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	var sawStale, sawFresh bool
	for _, row := range rows {
		if row.ID == stale.ID {
			sawStale = true
		}
		if row.ID == fresh.ID {
			sawFresh = true
		}
	}
	if !sawStale {
		t.Fatal("aged RUNNING row must be listed")
	}
	if sawFresh {
		t.Fatal("recently touched RUNNING row must not be listed")
	}
}
