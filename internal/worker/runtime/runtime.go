package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/videoforge-backend/internal/assets"
	"github.com/yungbote/videoforge-backend/internal/clients/genai"
	"github.com/yungbote/videoforge-backend/internal/data/repos/projects"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/jobs"
	"github.com/yungbote/videoforge-backend/internal/platform/gcp"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

// Env bundles the services every handler may touch. One Env is shared by all
// executions of a worker process.
type Env struct {
	Log        *logger.Logger
	Store      *jobs.Store
	Assets     *assets.Manager
	Projects   projects.ProjectRepo
	Scenes     projects.SceneRepo
	Characters projects.CharacterRepo
	Locations  projects.LocationRepo
	Bucket     gcp.BucketService
	GenAI      genai.Client
}

// Context is the per-execution handle passed to a handler. It decodes the
// payload and owns the job's terminal write: exactly one of Succeed or Fail
// runs per execution, everything after the first is a no-op.
type Context struct {
	Env
	Job *domain.Job

	ctx      context.Context
	mu       sync.Mutex
	terminal bool
}

func NewContext(ctx context.Context, env Env, job *domain.Job) *Context {
	return &Context{
		Env: env,
		Job: job,
		ctx: ctx,
	}
}

func (c *Context) Ctx() context.Context { return c.ctx }

// Payload decodes the job payload into v.
func (c *Context) Payload(v any) error {
	if len(c.Job.Payload) == 0 || string(c.Job.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(c.Job.Payload, v); err != nil {
		return fmt.Errorf("runtime: decode payload for job %s: %w", c.Job.ID, err)
	}
	return nil
}

func (c *Context) PayloadMap() (map[string]any, error) {
	m := map[string]any{}
	if err := c.Payload(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// Succeed writes COMPLETED with the result. The store publishes
// JOB_COMPLETED after the write commits.
func (c *Context) Succeed(result map[string]any) error {
	if !c.claimTerminal() {
		return nil
	}
	_, err := c.Store.UpdateJobState(c.ctx, c.Job.ID, domain.JobStateCompleted, result, "")
	return err
}

// Fail writes FAILED with the error text; the repo bumps attempt and the
// monitor decides whether to retry.
func (c *Context) Fail(cause error) error {
	if !c.claimTerminal() {
		return nil
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := c.Store.UpdateJobState(c.ctx, c.Job.ID, domain.JobStateFailed, nil, msg)
	return err
}

func (c *Context) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

func (c *Context) claimTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal {
		return false
	}
	c.terminal = true
	return true
}

// KeepAlive refreshes the job's updated_at every interval until the returned
// stop function runs. A refresh that reports the job is no longer RUNNING
// cancels the execution context via onLost.
func (c *Context) KeepAlive(interval time.Duration, onLost func()) (stop func()) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				ok, err := c.Store.TouchJob(c.ctx, c.Job.ID)
				if err != nil {
					c.Log.Warn("job keepalive failed", "job_id", c.Job.ID, "error", err)
					continue
				}
				if !ok {
					c.Log.Warn("job claim lost", "job_id", c.Job.ID)
					if onLost != nil {
						onLost()
					}
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// Handler executes one claimed job and returns its result. The worker turns
// the return into the single terminal write.
type Handler func(rc *Context) (map[string]any, error)
