package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/videoforge-backend/internal/assets"
	"github.com/yungbote/videoforge-backend/internal/data/repos/projects"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/jobs"
	"github.com/yungbote/videoforge-backend/internal/locks"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
	"github.com/yungbote/videoforge-backend/internal/realtime/bus"
	"github.com/yungbote/videoforge-backend/internal/workflow"

	"github.com/google/uuid"
)

// Command types accepted on the commands topic.
const (
	CmdStartPipeline       = "START_PIPELINE"
	CmdResumePipeline      = "RESUME_PIPELINE"
	CmdRegenerateScene     = "REGENERATE_SCENE"
	CmdRegenerateFrame     = "REGENERATE_FRAME"
	CmdUpdateSceneAsset    = "UPDATE_SCENE_ASSET"
	CmdResolveIntervention = "RESOLVE_INTERVENTION"
	CmdStopPipeline        = "STOP_PIPELINE"
)

// Intervention resolutions.
const (
	ActionAbort = "abort"
	ActionSkip  = "skip"
	ActionRetry = "retry_with_revised_params"
)

// ErrLockBusy is returned when another coordinator holds the project lock.
// Commands fail fast rather than queue.
var ErrLockBusy = errors.New("operator: project is locked by another worker")

// Operator is the command plane of the coordinator. Every command that runs
// or mutates the graph takes the project lock first and releases it on the
// way out, so concurrent commands for one project serialize. Each command
// runs under a per-project abort handle that STOP_PIPELINE fires.
type Operator struct {
	log          *logger.Logger
	locks        *locks.Manager
	graph        *workflow.Graph
	checkpointer *workflow.Checkpointer
	store        *jobs.Store
	assets       *assets.Manager
	projects     projects.ProjectRepo
	scenes       projects.SceneRepo
	bus          bus.Bus
	lockOpts     locks.Options

	mu     sync.Mutex
	aborts map[string]context.CancelFunc
	seen   map[string]time.Time
}

func New(
	baseLog *logger.Logger,
	lockManager *locks.Manager,
	graph *workflow.Graph,
	checkpointer *workflow.Checkpointer,
	store *jobs.Store,
	assetManager *assets.Manager,
	projectRepo projects.ProjectRepo,
	sceneRepo projects.SceneRepo,
	eventBus bus.Bus,
) *Operator {
	return &Operator{
		log:          baseLog.With("service", "Operator"),
		locks:        lockManager,
		graph:        graph,
		checkpointer: checkpointer,
		store:        store,
		assets:       assetManager,
		projects:     projectRepo,
		scenes:       sceneRepo,
		bus:          eventBus,
		lockOpts: locks.Options{
			LockTTL:           envutil.Seconds("LOCK_TTL_SECONDS", 60),
			HeartbeatInterval: envutil.Seconds("LOCK_HEARTBEAT_SECONDS", 20),
		},
		aborts: map[string]context.CancelFunc{},
		seen:   map[string]time.Time{},
	}
}

// Start subscribes the operator to its two inbound streams: operator
// commands and the job terminal events that drive resumption.
func (o *Operator) Start(ctx context.Context) error {
	err := o.bus.Subscribe(ctx, bus.TopicCommands, nil, o.HandleCommand)
	if err != nil {
		return err
	}
	return o.bus.Subscribe(ctx, bus.TopicJobEvents,
		[]string{bus.EventJobCompleted, bus.EventJobFailed},
		o.handleJobEvent,
	)
}

// HandleCommand dispatches one command message. Commands are idempotent on
// commandId; a replay is dropped.
func (o *Operator) HandleCommand(ctx context.Context, msg bus.Message) error {
	if msg.ProjectID == "" {
		return fmt.Errorf("operator: command %s without projectId", msg.Type)
	}
	if o.alreadySeen(msg.CommandID) {
		o.log.Debug("duplicate command dropped", "command_id", msg.CommandID, "type", msg.Type)
		return nil
	}
	o.log.Info("command received", "type", msg.Type, "project_id", msg.ProjectID, "command_id", msg.CommandID)

	switch msg.Type {
	case CmdStartPipeline:
		return o.StartPipeline(ctx, msg.ProjectID, msg.Payload)
	case CmdResumePipeline:
		return o.ResumePipeline(ctx, msg.ProjectID)
	case CmdRegenerateScene:
		return o.RegenerateScene(ctx, msg.ProjectID, msg.PayloadString("sceneId"), msg.PayloadString("promptModification"))
	case CmdRegenerateFrame:
		return o.RegenerateFrame(ctx, msg.ProjectID, msg.Payload)
	case CmdUpdateSceneAsset:
		return o.UpdateSceneAsset(ctx, msg.ProjectID, msg.Payload)
	case CmdResolveIntervention:
		return o.ResolveIntervention(ctx, msg.ProjectID, msg.PayloadString("action"), msg.Payload)
	case CmdStopPipeline:
		return o.StopPipeline(ctx, msg.ProjectID)
	default:
		return fmt.Errorf("operator: unknown command %s", msg.Type)
	}
}

// handleJobEvent resumes the pipeline on terminal job events. A duplicate
// delivery re-runs the resume, which is a no-op when the graph has no next
// step for the current checkpoint.
func (o *Operator) handleJobEvent(ctx context.Context, msg bus.Message) error {
	if msg.ProjectID == "" {
		return nil
	}
	err := o.ResumePipeline(ctx, msg.ProjectID)
	if errors.Is(err, ErrLockBusy) {
		// Another coordinator owns this project; it will see the same event.
		return nil
	}
	return err
}

// StartPipeline creates the project aggregate when missing, publishes
// WORKFLOW_STARTED, writes the initial checkpoint and runs the graph under
// the project lock.
func (o *Operator) StartPipeline(ctx context.Context, projectID string, payload map[string]any) error {
	return o.runUnderLock(ctx, projectID, func(runCtx context.Context) error {
		dbc := dbctx.New(runCtx)
		project, err := o.projects.GetByID(dbc, projectID)
		if err != nil {
			return err
		}
		if project == nil {
			project, err = buildProject(projectID, payload)
			if err != nil {
				return err
			}
			if project, err = o.projects.Create(dbc, project); err != nil {
				return err
			}
		}
		if err := o.projects.UpdateFields(dbc, projectID, map[string]interface{}{
			"status": domain.ProjectStatusGenerating,
		}); err != nil {
			return err
		}

		o.publishPipeline(runCtx, bus.NewMessage(bus.EventWorkflowStarted, projectID, map[string]any{
			"project": project,
		}))

		st := workflow.NewState()
		if err := o.checkpointer.Save(runCtx, projectID, st); err != nil {
			return err
		}
		return o.graph.Run(runCtx, projectID, st)
	})
}

// ResumePipeline loads the latest checkpoint and continues from it. A
// checkpoint that already reached the end is routed back through the entry
// router, which will fall through to completion when nothing is pending.
func (o *Operator) ResumePipeline(ctx context.Context, projectID string) error {
	return o.runUnderLock(ctx, projectID, func(runCtx context.Context) error {
		st, found, err := o.checkpointer.Load(runCtx, projectID)
		if err != nil {
			return err
		}
		if !found {
			o.log.Warn("resume without checkpoint, starting fresh", "project_id", projectID)
		}
		if st.CurrentStage == workflow.StageEnd {
			project, perr := o.projects.GetByID(dbctx.New(runCtx), projectID)
			if perr != nil {
				return perr
			}
			// A duplicate terminal event after completion is a no-op; only a
			// project with regeneration pending re-enters the graph.
			if project != nil && project.Status == domain.ProjectStatusComplete &&
				len(project.ForceRegenerateSceneIDs) == 0 {
				o.log.Debug("resume on completed project ignored", "project_id", projectID)
				return nil
			}
			st.CurrentStage = workflow.StageStart
		}
		return o.graph.Run(runCtx, projectID, st)
	})
}

// RegenerateScene marks the scene for forced regeneration and jumps the
// graph to process_scene.
func (o *Operator) RegenerateScene(ctx context.Context, projectID, sceneID, promptModification string) error {
	if sceneID == "" {
		return fmt.Errorf("operator: REGENERATE_SCENE requires sceneId")
	}
	return o.runUnderLock(ctx, projectID, func(runCtx context.Context) error {
		dbc := dbctx.New(runCtx)
		project, err := o.projects.GetByID(dbc, projectID)
		if err != nil {
			return err
		}
		if project == nil {
			return fmt.Errorf("operator: project %s not found", projectID)
		}
		ids := project.ForceRegenerateSceneIDs
		already := false
		for _, id := range ids {
			if id == sceneID {
				already = true
				break
			}
		}
		if !already {
			ids = append(ids, sceneID)
			if err := o.projects.UpdateFields(dbc, projectID, map[string]interface{}{
				"force_regenerate_scene_ids": ids,
			}); err != nil {
				return err
			}
		}

		st, _, err := o.checkpointer.Load(runCtx, projectID)
		if err != nil {
			return err
		}
		st.CurrentStage = workflow.StageProcessScene
		st.PendingInterrupt = nil
		if promptModification != "" {
			if st.RevisedParams == nil {
				st.RevisedParams = map[string]any{}
			}
			st.RevisedParams["promptModification"] = promptModification
		}
		if err := o.checkpointer.Save(runCtx, projectID, st); err != nil {
			return err
		}
		return o.graph.Run(runCtx, projectID, st)
	})
}

// RegenerateFrame enqueues a FRAME_RENDER job directly, outside the graph.
// The version-suffixed uniqueKey keeps repeated commands from colliding with
// completed rows.
func (o *Operator) RegenerateFrame(ctx context.Context, projectID string, payload map[string]any) error {
	sceneID, _ := payload["sceneId"].(string)
	frame, _ := payload["frame"].(string)
	if sceneID == "" {
		return fmt.Errorf("operator: REGENERATE_FRAME requires sceneId")
	}
	kind := domain.AssetKindSceneStartFrame
	if frame == "end" {
		kind = domain.AssetKindSceneEndFrame
	}
	return o.runUnderLock(ctx, projectID, func(runCtx context.Context) error {
		dbc := dbctx.New(runCtx)
		version, err := o.assets.GetNextVersionNumber(dbc, assets.SceneScope(sceneID), kind)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("frame:%s:%s:v%d", sceneID, kind, version)
		_, err = o.store.CreateJob(runCtx, jobs.CreateJobParams{
			Type:      domain.JobTypeFrameRender,
			ProjectID: projectID,
			Payload: map[string]any{
				"sceneId": sceneID,
				"frame":   string(kind),
				"version": version,
			},
			UniqueKey: &key,
			AssetKey:  string(kind),
		})
		if errors.Is(err, jobs.ErrUniqueViolation) {
			o.log.Info("frame render already in flight", "scene_id", sceneID, "frame", string(kind))
			return nil
		}
		return err
	})
}

// UpdateSceneAsset moves the best pointer of a scene asset history and
// broadcasts the full project state. Version 0 unsets the pointer.
func (o *Operator) UpdateSceneAsset(ctx context.Context, projectID string, payload map[string]any) error {
	sceneID, kindStr, version := sceneAssetParams(payload)
	if sceneID == "" || kindStr == "" {
		return fmt.Errorf("operator: UPDATE_SCENE_ASSET requires sceneId and assetKey")
	}
	return o.runUnderLock(ctx, projectID, func(runCtx context.Context) error {
		dbc := dbctx.New(runCtx)
		if err := o.assets.SetBestVersion(dbc, assets.SceneScope(sceneID), domain.AssetKind(kindStr), version); err != nil {
			return err
		}
		return o.BroadcastFullState(runCtx, projectID)
	})
}

// ResolveIntervention clears the pending interrupt and resumes the graph
// according to the chosen action.
func (o *Operator) ResolveIntervention(ctx context.Context, projectID, action string, payload map[string]any) error {
	return o.runUnderLock(ctx, projectID, func(runCtx context.Context) error {
		st, found, err := o.checkpointer.Load(runCtx, projectID)
		if err != nil {
			return err
		}
		if !found || st.PendingInterrupt == nil {
			return fmt.Errorf("operator: no pending intervention for project %s", projectID)
		}
		pending := st.PendingInterrupt

		switch action {
		case ActionAbort:
			st.PendingInterrupt = nil
			st.InterruptResolved = true
			st.RecordError(pending.NodeName, "aborted by operator")
			if err := o.checkpointer.Save(runCtx, projectID, st); err != nil {
				return err
			}
			if err := o.projects.UpdateFields(dbctx.New(runCtx), projectID, map[string]interface{}{
				"status": domain.ProjectStatusError,
			}); err != nil {
				return err
			}
			o.publishPipeline(runCtx, bus.NewMessage(bus.EventWorkflowFailed, projectID, map[string]any{
				"error":    pending.ErrorDetails,
				"nodeName": pending.NodeName,
			}))
			return nil

		case ActionSkip:
			st.RecordError(pending.NodeName, "skipped by operator: "+pending.ErrorDetails)
			st.PendingInterrupt = nil
			st.InterruptResolved = true
			if err := o.checkpointer.Save(runCtx, projectID, st); err != nil {
				return err
			}
			o.publishPipeline(runCtx, bus.NewMessage(bus.EventSceneSkipped, projectID, map[string]any{
				"nodeName": pending.NodeName,
			}))
			return o.graph.Run(runCtx, projectID, st)

		case ActionRetry:
			revised, _ := payload["revisedParams"].(map[string]any)
			if st.RevisedParams == nil {
				st.RevisedParams = map[string]any{}
			}
			for k, v := range revised {
				st.RevisedParams[k] = v
			}
			// The node's attempt budget is spent; the grant tells the
			// dispatcher to start a fresh row instead of re-raising
			// exhaustion against the old one.
			st.GrantRetry(pending.NodeName)
			st.PendingInterrupt = nil
			st.InterruptResolved = true
			if err := o.checkpointer.Save(runCtx, projectID, st); err != nil {
				return err
			}
			return o.graph.Run(runCtx, projectID, st)

		default:
			return fmt.Errorf("operator: unknown intervention action %q", action)
		}
	})
}

// StopPipeline fires the project-scoped abort handle. The running command's
// context cancels; its lock releases through the usual deferred path.
func (o *Operator) StopPipeline(ctx context.Context, projectID string) error {
	o.mu.Lock()
	cancel, ok := o.aborts[projectID]
	o.mu.Unlock()
	if !ok {
		o.log.Info("stop requested but no pipeline running here", "project_id", projectID)
		return nil
	}
	cancel()
	o.log.Info("pipeline abort signalled", "project_id", projectID)
	return nil
}

// BroadcastFullState publishes the project aggregate, its scenes and its
// jobs as one FULL_STATE message.
func (o *Operator) BroadcastFullState(ctx context.Context, projectID string) error {
	dbc := dbctx.New(ctx)
	project, err := o.projects.GetByID(dbc, projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("operator: project %s not found", projectID)
	}
	scenes, err := o.scenes.ListByProject(dbc, projectID)
	if err != nil {
		return err
	}
	jobRows, err := o.store.ListJobs(ctx, projectID)
	if err != nil {
		return err
	}
	o.publishPipeline(ctx, bus.NewMessage(bus.EventFullState, projectID, map[string]any{
		"project": project,
		"scenes":  scenes,
		"jobs":    jobRows,
	}))
	return nil
}

// runUnderLock wraps one command execution: lock acquire with fail-fast,
// abort handle registration, deferred release of both.
func (o *Operator) runUnderLock(ctx context.Context, projectID string, fn func(ctx context.Context) error) error {
	acquired, err := o.locks.AcquireLock(ctx, projectID, o.lockOpts)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockBusy
	}
	defer func() {
		if rerr := o.locks.ReleaseLock(context.Background(), projectID); rerr != nil {
			o.log.Warn("lock release failed", "project_id", projectID, "error", rerr)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.aborts[projectID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.aborts, projectID)
		o.mu.Unlock()
	}()

	return fn(runCtx)
}

// alreadySeen records command ids for replay suppression. Entries older
// than an hour are pruned opportunistically.
func (o *Operator) alreadySeen(commandID string) bool {
	if commandID == "" {
		return false
	}
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.seen[commandID]; ok {
		return true
	}
	for id, t := range o.seen {
		if now.Sub(t) > time.Hour {
			delete(o.seen, id)
		}
	}
	o.seen[commandID] = now
	return false
}

func (o *Operator) publishPipeline(ctx context.Context, msg bus.Message) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, bus.TopicPipelineEvents, msg); err != nil {
		o.log.Warn("publish pipeline event failed", "type", msg.Type, "project_id", msg.ProjectID, "error", err)
	}
}

// buildProject maps the START_PIPELINE payload onto a fresh project row.
// initialPrompt becomes the metadata prompt unless the payload set one
// explicitly; audioGcsUri seeds audio_analysis, which is what routes the
// graph down the audio branch.
func buildProject(projectID string, payload map[string]any) (*domain.Project, error) {
	if projectID == "" {
		projectID = uuid.New().String()
	}
	p := &domain.Project{
		ID:     projectID,
		Status: domain.ProjectStatusPending,
	}
	if payload == nil {
		return p, nil
	}

	meta, _ := payload["metadata"].(map[string]any)
	if prompt, ok := payload["initialPrompt"].(string); ok && prompt != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		if _, set := meta["prompt"]; !set {
			meta["prompt"] = prompt
		}
	}
	if meta != nil {
		if enc, err := encodeJSON(meta); err == nil && enc != nil {
			p.Metadata = enc
		}
	} else if enc, err := encodeJSON(payload["metadata"]); err == nil && enc != nil {
		p.Metadata = enc
	}

	audio := payload["audioAnalysis"]
	if audio == nil {
		if uri, ok := payload["audioGcsUri"].(string); ok && uri != "" {
			audio = map[string]any{"audioGcsUri": uri}
		}
	}
	if enc, err := encodeJSON(audio); err == nil && enc != nil {
		p.AudioAnalysis = enc
	}
	return p, nil
}

// sceneAssetParams reads the UPDATE_SCENE_ASSET payload. assetKey is the
// wire field name; assetKind is accepted for older callers.
func sceneAssetParams(payload map[string]any) (sceneID, kind string, version int) {
	sceneID, _ = payload["sceneId"].(string)
	kind, _ = payload["assetKey"].(string)
	if kind == "" {
		kind, _ = payload["assetKind"].(string)
	}
	return sceneID, kind, intFromPayload(payload, "version")
}

func encodeJSON(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func intFromPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
