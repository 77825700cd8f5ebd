package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/jobs"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

// memStore is an in-memory JobStore covering exactly what the dispatcher
// exercises: latest-by-logical-address lookup, create with the active-row
// uniqueness rule, and requeue.
type memStore struct {
	rows     []*domain.Job
	requeues int
}

func (m *memStore) GetLatestJob(_ context.Context, projectID string, jobType domain.JobType, uniqueKey *string) (*domain.Job, error) {
	var latest *domain.Job
	for _, j := range m.rows {
		if j.ProjectID != projectID || j.Type != jobType {
			continue
		}
		if (j.UniqueKey == nil) != (uniqueKey == nil) {
			continue
		}
		if uniqueKey != nil && *j.UniqueKey != *uniqueKey {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	return latest, nil
}

func (m *memStore) CreateJob(_ context.Context, params jobs.CreateJobParams) (*domain.Job, error) {
	for _, j := range m.rows {
		if j.ProjectID == params.ProjectID && j.Type == params.Type &&
			j.UniqueKey != nil && params.UniqueKey != nil && *j.UniqueKey == *params.UniqueKey &&
			(j.State == domain.JobStateCreated || j.State == domain.JobStateRunning) {
			return nil, jobs.ErrUniqueViolation
		}
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	job := &domain.Job{
		ID:         uuid.New(),
		ProjectID:  params.ProjectID,
		Type:       params.Type,
		State:      domain.JobStateCreated,
		UniqueKey:  params.UniqueKey,
		AssetKey:   params.AssetKey,
		Attempt:    1,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
	m.rows = append(m.rows, job)
	return job, nil
}

func (m *memStore) RequeueJob(_ context.Context, id uuid.UUID, expectedAttempt int, _ jobs.RequeueContext) (*domain.Job, error) {
	for _, j := range m.rows {
		if j.ID == id && j.Attempt == expectedAttempt {
			j.State = domain.JobStateCreated
			j.Attempt++
			m.requeues++
			return j, nil
		}
	}
	return nil, nil
}

func (m *memStore) seed(projectID string, jobType domain.JobType, uniqueKey string, state domain.JobState, attempt, maxRetries int, result string) *domain.Job {
	job := &domain.Job{
		ID:         uuid.New(),
		ProjectID:  projectID,
		Type:       jobType,
		State:      state,
		UniqueKey:  &uniqueKey,
		Attempt:    attempt,
		MaxRetries: maxRetries,
	}
	if result != "" {
		job.Result = datatypes.JSON(result)
	}
	m.rows = append(m.rows, job)
	return job
}

func newTestDispatcher(t *testing.T, store JobStore) *Dispatcher {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewDispatcher(log, store)
}

func TestEnsureJobCreatesAndSuspends(t *testing.T) {
	store := &memStore{}
	d := newTestDispatcher(t, store)
	st := NewState()

	_, err := d.EnsureJob(context.Background(), st, "p1", "expand_creative_prompt",
		domain.JobTypeExpandCreativePrompt, "enhanced_prompt", nil)

	var susp *Suspension
	if !errors.As(err, &susp) {
		t.Fatalf("expected suspension, got %v", err)
	}
	if susp.Interrupt.Type != InterruptWaitingForJob {
		t.Fatalf("expected waiting_for_job, got %s", susp.Interrupt.Type)
	}
	if len(store.rows) != 1 || store.rows[0].State != domain.JobStateCreated {
		t.Fatalf("expected one CREATED row, got %+v", store.rows)
	}
	if st.JobIDs["expand_creative_prompt"] != store.rows[0].ID.String() {
		t.Fatal("job id not recorded in state")
	}
}

func TestEnsureJobReturnsCompletedResult(t *testing.T) {
	store := &memStore{}
	store.seed("p1", domain.JobTypeExpandCreativePrompt, "expand_creative_prompt",
		domain.JobStateCompleted, 1, 2, `{"version": 3}`)
	d := newTestDispatcher(t, store)

	result, err := d.EnsureJob(context.Background(), NewState(), "p1", "expand_creative_prompt",
		domain.JobTypeExpandCreativePrompt, "enhanced_prompt", nil)
	if err != nil {
		t.Fatalf("expected result, got %v", err)
	}
	if v, ok := result["version"].(float64); !ok || v != 3 {
		t.Fatalf("expected version 3 in result, got %+v", result)
	}
}

func TestEnsureJobRequeuesRetryableFailure(t *testing.T) {
	store := &memStore{}
	job := store.seed("p1", domain.JobTypeGenerateSceneVideo, "s1:v1",
		domain.JobStateFailed, 1, 3, "")
	d := newTestDispatcher(t, store)

	_, err := d.EnsureJob(context.Background(), NewState(), "p1", "s1:v1",
		domain.JobTypeGenerateSceneVideo, "scene_video", nil)

	var susp *Suspension
	if !errors.As(err, &susp) {
		t.Fatalf("expected suspension, got %v", err)
	}
	if store.requeues != 1 || job.State != domain.JobStateCreated {
		t.Fatalf("expected one requeue back to CREATED, got requeues=%d state=%s", store.requeues, job.State)
	}
}

func TestEnsureJobRaisesRetriesExhausted(t *testing.T) {
	store := &memStore{}
	// attempt == maxRetries is terminal: the comparison is inclusive.
	store.seed("p1", domain.JobTypeGenerateSceneVideo, "s1:v1",
		domain.JobStateFailed, 3, 3, "")
	d := newTestDispatcher(t, store)

	_, err := d.EnsureJob(context.Background(), NewState(), "p1", "s1:v1",
		domain.JobTypeGenerateSceneVideo, "scene_video", nil)

	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetriesExhaustedError, got %v", err)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatal("expected errors.Is(err, ErrRetriesExhausted)")
	}
	if store.requeues != 0 {
		t.Fatal("exhausted job must not be requeued")
	}
}

func TestEnsureJobSuspendsOnRunning(t *testing.T) {
	store := &memStore{}
	store.seed("p1", domain.JobTypeRenderVideo, "render_video:v1",
		domain.JobStateRunning, 1, 2, "")
	d := newTestDispatcher(t, store)

	_, err := d.EnsureJob(context.Background(), NewState(), "p1", "render_video:v1",
		domain.JobTypeRenderVideo, "rendered_video", nil)

	var susp *Suspension
	if !errors.As(err, &susp) {
		t.Fatalf("expected suspension while RUNNING, got %v", err)
	}
	if len(store.rows) != 1 {
		t.Fatal("no new row may be created while one is RUNNING")
	}
}

func TestEnsureJobCreatesFreshRowAfterCancelled(t *testing.T) {
	store := &memStore{}
	store.seed("p1", domain.JobTypeFinalize, "finalize:v1",
		domain.JobStateCancelled, 1, 2, "")
	d := newTestDispatcher(t, store)

	_, err := d.EnsureJob(context.Background(), NewState(), "p1", "finalize:v1",
		domain.JobTypeFinalize, "final_output", nil)

	var susp *Suspension
	if !errors.As(err, &susp) {
		t.Fatalf("expected suspension, got %v", err)
	}
	if len(store.rows) != 2 {
		t.Fatalf("expected a fresh row next to the cancelled one, got %d rows", len(store.rows))
	}
}

func TestEnsureBatchJobsPartitions(t *testing.T) {
	t.Setenv("MAX_PARALLEL_JOBS", "2")
	store := &memStore{}
	store.seed("p1", domain.JobTypeGenerateSceneFrames, "s1", domain.JobStateCompleted, 1, 2, `{"ok": true}`)
	store.seed("p1", domain.JobTypeGenerateSceneFrames, "s2", domain.JobStateRunning, 1, 2, "")
	d := newTestDispatcher(t, store)

	specs := []JobSpec{
		{UniqueKey: "s1", Type: domain.JobTypeGenerateSceneFrames},
		{UniqueKey: "s2", Type: domain.JobTypeGenerateSceneFrames},
		{UniqueKey: "s3", Type: domain.JobTypeGenerateSceneFrames},
		{UniqueKey: "s4", Type: domain.JobTypeGenerateSceneFrames},
	}
	_, err := d.EnsureBatchJobs(context.Background(), NewState(), "p1", "generate_scene_assets", specs)

	var susp *Suspension
	if !errors.As(err, &susp) {
		t.Fatalf("expected waiting_for_batch, got %v", err)
	}
	if susp.Interrupt.Type != InterruptWaitingForBatch {
		t.Fatalf("expected waiting_for_batch, got %s", susp.Interrupt.Type)
	}
	if susp.Interrupt.Remaining != 3 {
		t.Fatalf("expected 3 remaining, got %d", susp.Interrupt.Remaining)
	}
	// One RUNNING occupies a slot; with MAX_PARALLEL_JOBS=2 only one of the
	// two missing specs may start.
	created := 0
	for _, j := range store.rows {
		if j.State == domain.JobStateCreated {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly 1 new CREATED row under the cap, got %d", created)
	}
}

func TestEnsureBatchJobsAggregatesExhaustedFailures(t *testing.T) {
	store := &memStore{}
	store.seed("p1", domain.JobTypeGenerateSceneFrames, "s1", domain.JobStateFailed, 2, 2, "")
	store.seed("p1", domain.JobTypeGenerateSceneFrames, "s2", domain.JobStateFatal, 3, 3, "")
	d := newTestDispatcher(t, store)

	specs := []JobSpec{
		{UniqueKey: "s1", Type: domain.JobTypeGenerateSceneFrames},
		{UniqueKey: "s2", Type: domain.JobTypeGenerateSceneFrames},
		{UniqueKey: "s3", Type: domain.JobTypeGenerateSceneFrames},
	}
	_, err := d.EnsureBatchJobs(context.Background(), NewState(), "p1", "generate_scene_assets", specs)

	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected aggregated RetriesExhaustedError, got %v", err)
	}
	if len(exhausted.JobIDs) != 2 {
		t.Fatalf("expected both exhausted jobs reported, got %v", exhausted.JobIDs)
	}
	// No new work may start while failures await the operator.
	if len(store.rows) != 2 {
		t.Fatalf("expected no new rows, got %d", len(store.rows))
	}
}

func TestEnsureBatchJobsAllCompleted(t *testing.T) {
	store := &memStore{}
	store.seed("p1", domain.JobTypeGenerateSceneFrames, "s1", domain.JobStateCompleted, 1, 2, `{"url": "a"}`)
	store.seed("p1", domain.JobTypeGenerateSceneFrames, "s2", domain.JobStateCompleted, 1, 2, `{"url": "b"}`)
	d := newTestDispatcher(t, store)

	results, err := d.EnsureBatchJobs(context.Background(), NewState(), "p1", "generate_scene_assets", []JobSpec{
		{UniqueKey: "s1", Type: domain.JobTypeGenerateSceneFrames},
		{UniqueKey: "s2", Type: domain.JobTypeGenerateSceneFrames},
	})
	if err != nil {
		t.Fatalf("expected results, got %v", err)
	}
	if results["s1"]["url"] != "a" || results["s2"]["url"] != "b" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestDispatcherParallelSlotDefault(t *testing.T) {
	t.Setenv("MAX_PARALLEL_JOBS", "")
	d := newTestDispatcher(t, &memStore{})
	if d.MaxParallel() != 2 {
		t.Fatalf("expected default parallel slot count 2, got %d", d.MaxParallel())
	}
}

func TestPinnedVersionKeyStableAcrossResume(t *testing.T) {
	store := &memStore{}
	d := newTestDispatcher(t, store)
	st := NewState()

	// First pass computes the target version and creates the job.
	version, err := st.PinVersion("render_video", func() (int, error) { return 1, nil })
	if err != nil || version != 1 {
		t.Fatalf("expected pinned version 1, got %d err %v", version, err)
	}
	key := fmt.Sprintf("render_video:v%d", version)
	_, err = d.EnsureJob(context.Background(), st, "p1", key,
		domain.JobTypeRenderVideo, "rendered_video", nil)
	var susp *Suspension
	if !errors.As(err, &susp) {
		t.Fatalf("expected suspension, got %v", err)
	}

	// The worker completes and appends the version; the registry's next
	// version is now 2, but the resume must still use the pinned key.
	store.rows[0].State = domain.JobStateCompleted
	store.rows[0].Result = datatypes.JSON(`{"version": 1}`)

	version, err = st.PinVersion("render_video", func() (int, error) { return 2, nil })
	if err != nil || version != 1 {
		t.Fatalf("pin drifted on resume: got %d err %v", version, err)
	}
	result, err := d.EnsureJob(context.Background(), st, "p1", fmt.Sprintf("render_video:v%d", version),
		domain.JobTypeRenderVideo, "rendered_video", nil)
	if err != nil {
		t.Fatalf("expected completed result on resume, got %v", err)
	}
	if v, ok := result["version"].(float64); !ok || v != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(store.rows) != 1 {
		t.Fatalf("resume must not create a second row, got %d rows", len(store.rows))
	}

	// After completion the pin is dropped and a regeneration pass computes a
	// fresh version.
	st.UnpinVersion("render_video")
	version, err = st.PinVersion("render_video", func() (int, error) { return 2, nil })
	if err != nil || version != 2 {
		t.Fatalf("expected fresh version after unpin, got %d err %v", version, err)
	}
}

func TestEnsureJobRetryGrantStartsFreshRow(t *testing.T) {
	store := &memStore{}
	store.seed("p1", domain.JobTypeGenerateSceneVideo, "s1:v1",
		domain.JobStateFailed, 3, 3, "")
	d := newTestDispatcher(t, store)
	st := NewState()
	st.GrantRetry("s1:v1")
	st.RevisedParams = map[string]any{"promptModification": "slower pan"}

	_, err := d.EnsureJob(context.Background(), st, "p1", "s1:v1",
		domain.JobTypeGenerateSceneVideo, "scene_video", map[string]any{"sceneId": "s1"})

	var susp *Suspension
	if !errors.As(err, &susp) {
		t.Fatalf("expected suspension on granted retry, got %v", err)
	}
	if len(store.rows) != 2 {
		t.Fatalf("expected a fresh row next to the exhausted one, got %d", len(store.rows))
	}
	fresh := store.rows[1]
	if fresh.State != domain.JobStateCreated || fresh.Attempt != 1 {
		t.Fatalf("fresh row must start CREATED at attempt 1, got %+v", fresh)
	}
	if st.RetryGranted("s1:v1") {
		t.Fatal("retry grant must be consumed by the create")
	}
	if st.RevisedParams != nil {
		t.Fatal("revised params must be consumed by the create")
	}
}

func TestEnsureJobRetryGrantCoversFatal(t *testing.T) {
	store := &memStore{}
	store.seed("p1", domain.JobTypeFinalize, "finalize:v1",
		domain.JobStateFatal, 3, 3, "")
	d := newTestDispatcher(t, store)
	st := NewState()
	st.GrantRetry("finalize:v1")

	_, err := d.EnsureJob(context.Background(), st, "p1", "finalize:v1",
		domain.JobTypeFinalize, "final_output", nil)

	var susp *Suspension
	if !errors.As(err, &susp) {
		t.Fatalf("expected suspension, got %v", err)
	}
	if len(store.rows) != 2 {
		t.Fatalf("expected fresh row after FATAL with grant, got %d", len(store.rows))
	}
}

func TestEnsureJobWithoutGrantStillExhausts(t *testing.T) {
	store := &memStore{}
	store.seed("p1", domain.JobTypeGenerateSceneVideo, "s1:v1",
		domain.JobStateFailed, 3, 3, "")
	d := newTestDispatcher(t, store)

	_, err := d.EnsureJob(context.Background(), NewState(), "p1", "s1:v1",
		domain.JobTypeGenerateSceneVideo, "scene_video", nil)

	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("an unresolved exhausted job must keep raising, got %v", err)
	}
	if len(store.rows) != 1 {
		t.Fatal("no fresh row without an operator grant")
	}
}

func TestEnsureBatchJobsRetryGrantRestartsExhausted(t *testing.T) {
	store := &memStore{}
	store.seed("p1", domain.JobTypeGenerateSceneFrames, "s1", domain.JobStateFailed, 2, 2, "")
	store.seed("p1", domain.JobTypeGenerateSceneFrames, "s2", domain.JobStateFatal, 3, 3, "")
	d := newTestDispatcher(t, store)
	st := NewState()
	st.GrantRetry("generate_scene_assets")

	specs := []JobSpec{
		{UniqueKey: "s1", Type: domain.JobTypeGenerateSceneFrames},
		{UniqueKey: "s2", Type: domain.JobTypeGenerateSceneFrames},
	}
	_, err := d.EnsureBatchJobs(context.Background(), st, "p1", "generate_scene_assets", specs)

	var susp *Suspension
	if !errors.As(err, &susp) {
		t.Fatalf("expected waiting_for_batch after granted retry, got %v", err)
	}
	created := 0
	for _, j := range store.rows {
		if j.State == domain.JobStateCreated {
			created++
		}
	}
	if created != 2 {
		t.Fatalf("expected both exhausted jobs restarted on fresh rows, got %d", created)
	}
	if st.RetryGranted("generate_scene_assets") {
		t.Fatal("batch retry grant must be consumed")
	}
}

func TestMergeRevisedParamsConsumedOnce(t *testing.T) {
	store := &memStore{}
	d := newTestDispatcher(t, store)
	st := NewState()
	st.RevisedParams = map[string]any{"promptModification": "darker mood"}

	_, _ = d.EnsureJob(context.Background(), st, "p1", "s1:v2",
		domain.JobTypeGenerateSceneVideo, "scene_video", map[string]any{"sceneId": "s1"})

	if st.RevisedParams != nil {
		t.Fatal("revised params must be consumed by the create")
	}
}
