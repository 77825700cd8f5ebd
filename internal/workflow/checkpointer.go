package workflow

import (
	"context"

	checkpointrepo "github.com/yungbote/videoforge-backend/internal/data/repos/checkpoints"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

// Checkpointer persists the state channel. Saves are append-only rows; a
// load reads the newest row for the project thread.
type Checkpointer struct {
	log  *logger.Logger
	repo checkpointrepo.CheckpointRepo
}

func NewCheckpointer(baseLog *logger.Logger, repo checkpointrepo.CheckpointRepo) *Checkpointer {
	return &Checkpointer{
		log:  baseLog.With("service", "Checkpointer"),
		repo: repo,
	}
}

func (c *Checkpointer) Save(ctx context.Context, projectID string, st *State) error {
	raw, err := st.Encode()
	if err != nil {
		return err
	}
	_, err = c.repo.Put(dbctx.New(ctx), projectID, raw)
	return err
}

// Load returns the latest state for the project, or a fresh state when no
// checkpoint exists yet.
func (c *Checkpointer) Load(ctx context.Context, projectID string) (*State, bool, error) {
	row, err := c.repo.GetLatest(dbctx.New(ctx), projectID)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return NewState(), false, nil
	}
	st, err := DecodeState(row.Checkpoint)
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}
