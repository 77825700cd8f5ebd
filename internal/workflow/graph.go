package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/yungbote/videoforge-backend/internal/assets"
	"github.com/yungbote/videoforge-backend/internal/data/repos/projects"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
	"github.com/yungbote/videoforge-backend/internal/realtime/bus"
)

// Stage names the nodes of the pipeline graph. The set is closed; handlers
// and routing both key off it.
type Stage string

const (
	StageStart                   Stage = "__start__"
	StageExpandCreativePrompt    Stage = "expand_creative_prompt"
	StageCreateScenesFromAudio   Stage = "create_scenes_from_audio"
	StageGenerateStoryboard      Stage = "generate_storyboard_exclusively_from_prompt"
	StageEnrichStoryboard        Stage = "enrich_storyboard_and_scenes"
	StageSemanticAnalysis        Stage = "semantic_analysis"
	StageGenerateCharacterAssets Stage = "generate_character_assets"
	StageGenerateLocationAssets  Stage = "generate_location_assets"
	StageGenerateSceneAssets     Stage = "generate_scene_assets"
	StageProcessScene            Stage = "process_scene"
	StageRenderVideo             Stage = "render_video"
	StageFinalize                Stage = "finalize"
	StageEnd                     Stage = "__end__"
)

// Handler executes one stage against the current project snapshot. It
// returns the next stage, or yields through a Suspension or
// RetriesExhaustedError from the dispatcher.
type Handler func(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error)

// Graph is the workflow interpreter: a table of stage handlers, an entry
// router consulted on every resume, and a checkpoint write after each
// transition. Suspension is explicit; there is no hidden control flow.
type Graph struct {
	log          *logger.Logger
	dispatcher   *Dispatcher
	checkpointer *Checkpointer
	projects     projects.ProjectRepo
	scenes       projects.SceneRepo
	characters   projects.CharacterRepo
	locations    projects.LocationRepo
	assets       *assets.Manager
	bus          bus.Bus
	handlers     map[Stage]Handler
}

func NewGraph(
	baseLog *logger.Logger,
	dispatcher *Dispatcher,
	checkpointer *Checkpointer,
	projectRepo projects.ProjectRepo,
	sceneRepo projects.SceneRepo,
	characterRepo projects.CharacterRepo,
	locationRepo projects.LocationRepo,
	assetManager *assets.Manager,
	eventBus bus.Bus,
) *Graph {
	g := &Graph{
		log:          baseLog.With("service", "WorkflowGraph"),
		dispatcher:   dispatcher,
		checkpointer: checkpointer,
		projects:     projectRepo,
		scenes:       sceneRepo,
		characters:   characterRepo,
		locations:    locationRepo,
		assets:       assetManager,
		bus:          eventBus,
	}
	g.handlers = map[Stage]Handler{
		StageExpandCreativePrompt:    stageExpandCreativePrompt,
		StageCreateScenesFromAudio:   stageCreateScenesFromAudio,
		StageGenerateStoryboard:      stageGenerateStoryboard,
		StageEnrichStoryboard:        stageEnrichStoryboard,
		StageSemanticAnalysis:        stageSemanticAnalysis,
		StageGenerateCharacterAssets: stageGenerateCharacterAssets,
		StageGenerateLocationAssets:  stageGenerateLocationAssets,
		StageGenerateSceneAssets:     stageGenerateSceneAssets,
		StageProcessScene:            stageProcessScene,
		StageRenderVideo:             stageRenderVideo,
		StageFinalize:                stageFinalize,
	}
	return g
}

func (g *Graph) Dispatcher() *Dispatcher     { return g.dispatcher }
func (g *Graph) Checkpointer() *Checkpointer { return g.checkpointer }

// EntryRoute picks the stage a resume should enter based purely on durable
// project state. Checked in order: scene videos already exist, storyboard
// with rules, storyboard without rules, enhanced prompt, nothing yet.
func (g *Graph) EntryRoute(ctx context.Context, p *domain.Project, scenes []*domain.Scene) (Stage, error) {
	for _, sc := range scenes {
		reg, err := assets.DecodeRegistry(sc.Assets)
		if err != nil {
			return "", err
		}
		if assets.BestVersion(reg, domain.AssetKindSceneVideo) != nil {
			return StageProcessScene, nil
		}
	}
	hasScenes := len(scenes) > 0
	if hasScenes && len(p.GenerationRules) > 0 {
		return StageGenerateCharacterAssets, nil
	}
	if hasScenes {
		return StageSemanticAnalysis, nil
	}
	reg, err := assets.DecodeRegistry(p.Assets)
	if err != nil {
		return "", err
	}
	if assets.BestVersion(reg, domain.AssetKindEnhancedPrompt) != nil {
		return StageEnrichStoryboard, nil
	}
	return StageExpandCreativePrompt, nil
}

// Run drives the graph until it completes, suspends, or fails. The state is
// checkpointed after every transition including the suspending one, so a
// crashed coordinator resumes exactly where it left off. Callers hold the
// project lock.
func (g *Graph) Run(ctx context.Context, projectID string, st *State) error {
	if st == nil {
		st = NewState()
	}
	if st.PendingInterrupt != nil && !st.InterruptResolved {
		// Still waiting on a job or the operator; the resume event that
		// clears this arrives through ResolveInterrupt or job completion.
		g.log.Debug("graph idle, interrupt pending",
			"project_id", projectID,
			"interrupt", string(st.PendingInterrupt.Type),
		)
		if st.PendingInterrupt.Type == InterruptRetryExhausted || st.PendingInterrupt.Type == InterruptModelIntervention {
			return nil
		}
		// waiting_for_job and waiting_for_batch re-check the job on resume.
		st.PendingInterrupt = nil
	}
	st.InterruptResolved = false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		project, scenes, err := g.loadProject(ctx, projectID)
		if err != nil {
			return err
		}

		stage := st.CurrentStage
		if stage == "" || stage == StageStart {
			stage, err = g.EntryRoute(ctx, project, scenes)
			if err != nil {
				return err
			}
			st.CurrentStage = stage
		}
		if stage == StageEnd {
			return g.complete(ctx, projectID, st)
		}

		handler, ok := g.handlers[stage]
		if !ok {
			return fmt.Errorf("workflow: no handler for stage %s", stage)
		}

		st.BumpAttempt(stage)
		next, err := handler(ctx, g, project, st)
		if err != nil {
			return g.handleStageError(ctx, projectID, stage, st, err)
		}

		g.log.Info("stage transition",
			"project_id", projectID,
			"from", string(stage),
			"to", string(next),
		)
		st.CurrentStage = next
		if cerr := g.checkpointer.Save(ctx, projectID, st); cerr != nil {
			return cerr
		}
		if next == StageEnd {
			return g.complete(ctx, projectID, st)
		}
	}
}

func (g *Graph) handleStageError(ctx context.Context, projectID string, stage Stage, st *State, err error) error {
	var susp *Suspension
	if errors.As(err, &susp) {
		st.PendingInterrupt = &susp.Interrupt
		st.InterruptResolved = false
		if cerr := g.checkpointer.Save(ctx, projectID, st); cerr != nil {
			return cerr
		}
		g.log.Info("workflow suspended",
			"project_id", projectID,
			"stage", string(stage),
			"interrupt", string(susp.Interrupt.Type),
		)
		return nil
	}

	var exhausted *RetriesExhaustedError
	if errors.As(err, &exhausted) {
		st.PendingInterrupt = &Interrupt{
			Type:         InterruptRetryExhausted,
			Error:        "retries exhausted",
			ErrorDetails: exhausted.LastErr,
			NodeName:     exhausted.NodeName,
			ProjectID:    projectID,
			Attempt:      exhausted.Attempt,
		}
		st.InterruptResolved = false
		if cerr := g.checkpointer.Save(ctx, projectID, st); cerr != nil {
			return cerr
		}
		g.log.Warn("workflow waiting on operator",
			"project_id", projectID,
			"stage", string(stage),
			"node", exhausted.NodeName,
		)
		return nil
	}

	st.RecordError(string(stage), err.Error())
	if cerr := g.checkpointer.Save(ctx, projectID, st); cerr != nil {
		g.log.Error("checkpoint save after stage error failed", "project_id", projectID, "error", cerr)
	}
	g.publish(ctx, bus.NewMessage(bus.EventWorkflowFailed, projectID, map[string]any{
		"error":    err.Error(),
		"nodeName": string(stage),
	}))
	return err
}

func (g *Graph) complete(ctx context.Context, projectID string, st *State) error {
	st.CurrentStage = StageEnd
	if err := g.checkpointer.Save(ctx, projectID, st); err != nil {
		return err
	}
	if err := g.projects.UpdateFields(dbctx.New(ctx), projectID, map[string]interface{}{
		"status": domain.ProjectStatusComplete,
	}); err != nil {
		return err
	}
	g.publish(ctx, bus.NewMessage(bus.EventWorkflowCompleted, projectID, nil))
	g.log.Info("workflow completed", "project_id", projectID)
	return nil
}

func (g *Graph) loadProject(ctx context.Context, projectID string) (*domain.Project, []*domain.Scene, error) {
	dbc := dbctx.New(ctx)
	project, err := g.projects.GetByID(dbc, projectID)
	if err != nil {
		return nil, nil, err
	}
	if project == nil {
		return nil, nil, fmt.Errorf("workflow: project %s not found", projectID)
	}
	scenes, err := g.scenes.ListByProject(dbc, projectID)
	if err != nil {
		return nil, nil, err
	}
	return project, scenes, nil
}

func (g *Graph) publish(ctx context.Context, msg bus.Message) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(ctx, bus.TopicPipelineEvents, msg); err != nil {
		g.log.Warn("publish pipeline event failed", "type", msg.Type, "project_id", msg.ProjectID, "error", err)
	}
}
