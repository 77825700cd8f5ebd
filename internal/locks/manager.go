package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/datatypes"

	lockrepo "github.com/yungbote/videoforge-backend/internal/data/repos/locks"
	"github.com/yungbote/videoforge-backend/internal/db"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

var (
	// ErrBadLease rejects heartbeat intervals that are not clearly shorter
	// than the lease TTL. Checked at the call site, never defaulted away.
	ErrBadLease = errors.New("locks: heartbeat interval must be well below lock TTL")
)

type Options struct {
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	Metadata          datatypes.JSON
}

func DefaultOptions() Options {
	return Options{
		LockTTL:           60 * time.Second,
		HeartbeatInterval: 20 * time.Second,
	}
}

type heldLock struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager grants at most one active lease per project. Crashed holders are
// survived through lease expiry; a running holder keeps its lease alive with
// a background heartbeat per lock. When the DB circuit opens all local
// ownership state is dropped synchronously: without the database leases
// cannot be renewed, and other workers will observe expiry anyway.
type Manager struct {
	log      *logger.Logger
	repo     lockrepo.LockRepo
	breaker  *db.Breaker
	workerID string

	mu   sync.Mutex
	held map[string]*heldLock
}

func NewManager(baseLog *logger.Logger, repo lockrepo.LockRepo, breaker *db.Breaker, workerID string) *Manager {
	m := &Manager{
		log:      baseLog.With("service", "LockManager", "worker_id", workerID),
		repo:     repo,
		breaker:  breaker,
		workerID: workerID,
		held:     map[string]*heldLock{},
	}
	if breaker != nil {
		breaker.OnOpen(m.dropAllLocal)
	}
	return m
}

func (m *Manager) WorkerID() string { return m.workerID }

// AcquireLock sweeps expired leases and attempts the conditional upsert. On
// success the heartbeat task starts immediately.
func (m *Manager) AcquireLock(ctx context.Context, projectID string, opts Options) (bool, error) {
	if projectID == "" {
		return false, fmt.Errorf("locks: empty project id")
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 60 * time.Second
	}
	if opts.HeartbeatInterval <= 0 || opts.HeartbeatInterval*2 > opts.LockTTL {
		return false, ErrBadLease
	}

	if err := m.do(ctx, func(dbc dbctx.Context) error {
		_, err := m.repo.SweepExpired(dbc)
		return err
	}); err != nil {
		return false, err
	}

	var ok bool
	err := m.do(ctx, func(dbc dbctx.Context) error {
		var uerr error
		ok, uerr = m.repo.Upsert(dbc, projectID, m.workerID, opts.LockTTL, opts.Metadata)
		return uerr
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	m.startHeartbeat(projectID, opts)
	return true, nil
}

// ReleaseLock stops the heartbeat unconditionally, then deletes the row
// while ownership still matches. A DB failure never blocks the local stop.
func (m *Manager) ReleaseLock(ctx context.Context, projectID string) error {
	m.stopHeartbeat(projectID)
	return m.do(ctx, func(dbc dbctx.Context) error {
		_, err := m.repo.Delete(dbc, projectID, m.workerID)
		return err
	})
}

// HasLock reports local soft ownership. It flips to false as soon as the
// heartbeat observes a lost lease or the circuit opens, which is what write
// paths check at critical junctions.
func (m *Manager) HasLock(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[projectID]
	return ok
}

func (m *Manager) GetLockInfo(ctx context.Context, projectID string) (*domain.ProjectLock, error) {
	var info *domain.ProjectLock
	err := m.do(ctx, func(dbc dbctx.Context) error {
		var gerr error
		info, gerr = m.repo.Get(dbc, projectID)
		return gerr
	})
	return info, err
}

func (m *Manager) ForceRelease(ctx context.Context, projectID string) error {
	m.stopHeartbeat(projectID)
	return m.do(ctx, func(dbc dbctx.Context) error {
		_, err := m.repo.DeleteForce(dbc, projectID)
		return err
	})
}

func (m *Manager) GetMyLocks(ctx context.Context) ([]*domain.ProjectLock, error) {
	var out []*domain.ProjectLock
	err := m.do(ctx, func(dbc dbctx.Context) error {
		var lerr error
		out, lerr = m.repo.ListByWorker(dbc, m.workerID)
		return lerr
	})
	return out, err
}

func (m *Manager) ReleaseAllLocks(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.held))
	for id := range m.held {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.ReleaseLock(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) startHeartbeat(projectID string, opts Options) {
	hbCtx, cancel := context.WithCancel(context.Background())
	hl := &heldLock{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if prev, ok := m.held[projectID]; ok {
		prev.cancel()
	}
	m.held[projectID] = hl
	m.mu.Unlock()

	go func() {
		defer close(hl.done)
		ticker := time.NewTicker(opts.HeartbeatInterval)
		defer ticker.Stop()
		log := m.log.With("project_id", projectID)
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				var renewed bool
				err := m.do(hbCtx, func(dbc dbctx.Context) error {
					var rerr error
					renewed, rerr = m.repo.Renew(dbc, projectID, m.workerID, opts.LockTTL)
					return rerr
				})
				if err != nil {
					if errors.Is(err, db.ErrCircuitOpen) {
						// dropAllLocal already ran via the breaker callback;
						// just make sure this heartbeat is gone.
						m.dropLocal(projectID)
						return
					}
					log.Warn("heartbeat renew failed, will retry", "error", err)
					continue
				}
				if !renewed {
					log.Warn("lost lock")
					m.dropLocal(projectID)
					return
				}
			}
		}
	}()
}

func (m *Manager) stopHeartbeat(projectID string) {
	m.mu.Lock()
	hl, ok := m.held[projectID]
	if ok {
		delete(m.held, projectID)
	}
	m.mu.Unlock()
	if ok {
		hl.cancel()
		<-hl.done
	}
}

func (m *Manager) dropLocal(projectID string) {
	m.mu.Lock()
	hl, ok := m.held[projectID]
	if ok {
		delete(m.held, projectID)
	}
	m.mu.Unlock()
	if ok {
		hl.cancel()
	}
}

// dropAllLocal runs synchronously on circuit open. No DB access happens
// here; other workers will see the leases expire.
func (m *Manager) dropAllLocal() {
	m.mu.Lock()
	dropped := make([]*heldLock, 0, len(m.held))
	n := len(m.held)
	for id, hl := range m.held {
		dropped = append(dropped, hl)
		delete(m.held, id)
	}
	m.mu.Unlock()
	for _, hl := range dropped {
		hl.cancel()
	}
	if n > 0 {
		m.log.Warn("circuit open: dropped local lock state", "count", n)
	}
}

func (m *Manager) do(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dbc := dbctx.New(ctx)
	if m.breaker == nil {
		return fn(dbc)
	}
	return m.breaker.Execute(func() error { return fn(dbc) })
}
