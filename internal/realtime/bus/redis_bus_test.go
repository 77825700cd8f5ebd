package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

func newTestBus(t *testing.T, mr *miniredis.Miniredis, group string) Bus {
	t.Helper()
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return NewRedisBusWithClient(log, rdb, group)
}

func testBus(t *testing.T) Bus {
	t.Helper()
	return newTestBus(t, miniredis.RunT(t), "coordinator")
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) waitFor(t *testing.T, n int) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.msgs) >= n {
			out := append([]Message(nil), r.msgs...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d messages", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	if err := b.Subscribe(ctx, TopicJobEvents, nil, rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sent := JobEvent(EventJobDispatched, "p1", "job-1")
	if err := b.Publish(ctx, TopicJobEvents, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := rec.waitFor(t, 1)[0]
	if got.Type != EventJobDispatched || got.ProjectID != "p1" {
		t.Fatalf("envelope mangled: %+v", got)
	}
	if got.PayloadString("jobId") != "job-1" {
		t.Fatalf("payload mangled: %+v", got.Payload)
	}
	if got.Timestamp == "" {
		t.Fatal("timestamp must be stamped on publish")
	}
}

func TestSubscribeFiltersOnType(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	err := b.Subscribe(ctx, TopicJobEvents, []string{EventJobCompleted, EventJobFailed}, rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, typ := range []string{EventJobDispatched, EventJobCompleted, EventJobCancelled, EventJobFailed} {
		if err := b.Publish(ctx, TopicJobEvents, JobEvent(typ, "p1", "j1")); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}

	got := rec.waitFor(t, 2)
	for _, msg := range got {
		if msg.Type != EventJobCompleted && msg.Type != EventJobFailed {
			t.Fatalf("filter leaked %s", msg.Type)
		}
	}
	// Give the leaked types a moment to show up if the filter were broken.
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 2 {
		t.Fatalf("expected exactly 2 deliveries, got %d", rec.count())
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobRec := &recorder{}
	pipeRec := &recorder{}
	if err := b.Subscribe(ctx, TopicJobEvents, nil, jobRec.handle); err != nil {
		t.Fatalf("subscribe jobs: %v", err)
	}
	if err := b.Subscribe(ctx, TopicPipelineEvents, nil, pipeRec.handle); err != nil {
		t.Fatalf("subscribe pipeline: %v", err)
	}

	if err := b.Publish(ctx, TopicPipelineEvents, NewMessage(EventWorkflowStarted, "p1", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := pipeRec.waitFor(t, 1)[0]
	if got.Type != EventWorkflowStarted {
		t.Fatalf("wrong message: %+v", got)
	}
	time.Sleep(50 * time.Millisecond)
	if jobRec.count() != 0 {
		t.Fatalf("job topic must not see pipeline events, got %d", jobRec.count())
	}
}

func TestEachGroupSeesEveryMessage(t *testing.T) {
	mr := miniredis.RunT(t)
	coord := newTestBus(t, mr, "coordinator")
	workers := newTestBus(t, mr, "workers")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordRec := &recorder{}
	workerRec := &recorder{}
	if err := coord.Subscribe(ctx, TopicJobEvents, nil, coordRec.handle); err != nil {
		t.Fatalf("subscribe coordinator: %v", err)
	}
	if err := workers.Subscribe(ctx, TopicJobEvents, nil, workerRec.handle); err != nil {
		t.Fatalf("subscribe workers: %v", err)
	}

	if err := coord.Publish(ctx, TopicJobEvents, JobEvent(EventJobCompleted, "p1", "j1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	coordRec.waitFor(t, 1)
	workerRec.waitFor(t, 1)
}

func TestHandlerErrorIsRedelivered(t *testing.T) {
	t.Setenv("BUS_REDELIVERY_SECONDS", "0")
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	var mu sync.Mutex
	failed := false
	handler := func(hctx context.Context, msg Message) error {
		mu.Lock()
		first := !failed
		failed = true
		mu.Unlock()
		if first {
			return errors.New("transient")
		}
		return rec.handle(hctx, msg)
	}
	if err := b.Subscribe(ctx, TopicJobEvents, nil, handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, TopicJobEvents, JobEvent(EventJobCompleted, "p1", "j1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The failed delivery stays pending and comes back through autoclaim.
	got := rec.waitFor(t, 1)[0]
	if got.PayloadString("jobId") != "j1" {
		t.Fatalf("redelivered payload mangled: %+v", got.Payload)
	}
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	rec := &recorder{}
	if err := b.Subscribe(ctx, TopicCommands, nil, rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish(context.Background(), TopicCommands, NewMessage("START_PIPELINE", "p1", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("cancelled subscription must not deliver, got %d", rec.count())
	}
}
