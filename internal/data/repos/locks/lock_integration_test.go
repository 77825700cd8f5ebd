package locks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/videoforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
)

func newRepo(t *testing.T) (LockRepo, dbctx.Context) {
	t.Helper()
	gdb := testutil.DB(t)
	return NewLockRepo(gdb, testutil.Logger(t)), dbctx.New(context.Background())
}

func TestUpsertGrantsAndDefendsLease(t *testing.T) {
	repo, dbc := newRepo(t)
	projectID := uuid.NewString()

	ok, err := repo.Upsert(dbc, projectID, "worker-a", time.Minute, nil)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !ok {
		t.Fatal("expected a free lease to be granted")
	}

	// A rival cannot take a valid lease.
	ok, err = repo.Upsert(dbc, projectID, "worker-b", time.Minute, nil)
	if err != nil {
		t.Fatalf("rival upsert: %v", err)
	}
	if ok {
		t.Fatal("expected a held lease to be defended")
	}

	// The owner re-upserting is a refresh, not a conflict.
	ok, err = repo.Upsert(dbc, projectID, "worker-a", time.Minute, nil)
	if err != nil {
		t.Fatalf("owner re-upsert: %v", err)
	}
	if !ok {
		t.Fatal("expected owner re-upsert to succeed")
	}
}

func TestUpsertStealsExpiredLease(t *testing.T) {
	repo, dbc := newRepo(t)
	projectID := uuid.NewString()

	if ok, err := repo.Upsert(dbc, projectID, "crashed", time.Minute, nil); err != nil || !ok {
		t.Fatalf("seed lease: ok=%v err=%v", ok, err)
	}
	if err := testutil.DB(t).Exec(
		`UPDATE project_locks SET expires_at = now() - interval '1 minute' WHERE project_id = ?`, projectID,
	).Error; err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	ok, err := repo.Upsert(dbc, projectID, "worker-a", time.Minute, nil)
	if err != nil {
		t.Fatalf("steal: %v", err)
	}
	if !ok {
		t.Fatal("expected expired lease to be taken over")
	}
	lock, err := repo.Get(dbc, projectID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if lock == nil || lock.WorkerID != "worker-a" {
		t.Fatalf("expected worker-a to own the lease, got %+v", lock)
	}
	if lock.LockVersion < 2 {
		t.Fatalf("takeover must advance lock_version, got %d", lock.LockVersion)
	}
}

func TestRenewRequiresOwnership(t *testing.T) {
	repo, dbc := newRepo(t)
	projectID := uuid.NewString()

	if ok, err := repo.Upsert(dbc, projectID, "worker-a", time.Minute, nil); err != nil || !ok {
		t.Fatalf("seed lease: ok=%v err=%v", ok, err)
	}
	before, _ := repo.Get(dbc, projectID)

	ok, err := repo.Renew(dbc, projectID, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("rival renew: %v", err)
	}
	if ok {
		t.Fatal("rival renew must report a lost lock")
	}

	time.Sleep(20 * time.Millisecond)
	ok, err = repo.Renew(dbc, projectID, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("owner renew: %v", err)
	}
	if !ok {
		t.Fatal("owner renew must succeed")
	}
	after, _ := repo.Get(dbc, projectID)
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Fatalf("renew must push expiry forward: %s -> %s", before.ExpiresAt, after.ExpiresAt)
	}
}

func TestDeleteRequiresOwnership(t *testing.T) {
	repo, dbc := newRepo(t)
	projectID := uuid.NewString()

	if ok, err := repo.Upsert(dbc, projectID, "worker-a", time.Minute, nil); err != nil || !ok {
		t.Fatalf("seed lease: ok=%v err=%v", ok, err)
	}

	if ok, err := repo.Delete(dbc, projectID, "worker-b"); err != nil || ok {
		t.Fatalf("rival delete must be a no-op: ok=%v err=%v", ok, err)
	}
	if lock, _ := repo.Get(dbc, projectID); lock == nil {
		t.Fatal("lease must survive a rival delete")
	}

	if ok, err := repo.Delete(dbc, projectID, "worker-a"); err != nil || !ok {
		t.Fatalf("owner delete: ok=%v err=%v", ok, err)
	}
	if lock, _ := repo.Get(dbc, projectID); lock != nil {
		t.Fatalf("expected lease removed, got %+v", lock)
	}
}

func TestSweepExpiredReturnsReclaimed(t *testing.T) {
	repo, dbc := newRepo(t)
	expired := uuid.NewString()
	live := uuid.NewString()

	for _, id := range []string{expired, live} {
		if ok, err := repo.Upsert(dbc, id, "worker-a", time.Minute, nil); err != nil || !ok {
			t.Fatalf("seed %s: ok=%v err=%v", id, ok, err)
		}
	}
	if err := testutil.DB(t).Exec(
		`UPDATE project_locks SET expires_at = now() - interval '1 minute' WHERE project_id = ?`, expired,
	).Error; err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	reclaimed, err := repo.SweepExpired(dbc)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	var sawExpired bool
	for _, row := range reclaimed {
		if row.ProjectID == expired {
			sawExpired = true
		}
		if row.ProjectID == live {
			t.Fatal("live lease must not be swept")
		}
	}
	if !sawExpired {
		t.Fatal("expired lease must be swept and returned")
	}
	if lock, _ := repo.Get(dbc, live); lock == nil {
		t.Fatal("live lease must remain")
	}
}

func TestListByWorker(t *testing.T) {
	repo, dbc := newRepo(t)
	mine := []string{uuid.NewString(), uuid.NewString()}
	other := uuid.NewString()

	for _, id := range mine {
		if ok, err := repo.Upsert(dbc, id, "worker-list-a", time.Minute, nil); err != nil || !ok {
			t.Fatalf("seed %s: ok=%v err=%v", id, ok, err)
		}
	}
	if ok, err := repo.Upsert(dbc, other, "worker-list-b", time.Minute, nil); err != nil || !ok {
		t.Fatalf("seed other: ok=%v err=%v", ok, err)
	}

	rows, err := repo.ListByWorker(dbc, "worker-list-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 leases, got %d", len(rows))
	}
	for _, row := range rows {
		if row.WorkerID != "worker-list-a" {
			t.Fatalf("foreign lease leaked: %+v", row)
		}
	}
}
