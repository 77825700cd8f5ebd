package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/videoforge-backend/internal/assets"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
)

// Stage bodies. Each delegates its real work to exactly one dispatcher call
// and is otherwise a pure function of project state; all model inference and
// media processing happens in the worker handlers.

func stageExpandCreativePrompt(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error) {
	_, err := g.dispatcher.EnsureJob(ctx, st, p.ID,
		string(StageExpandCreativePrompt),
		domain.JobTypeExpandCreativePrompt,
		string(domain.AssetKindEnhancedPrompt),
		nil,
	)
	if err != nil {
		return "", err
	}
	if len(p.AudioAnalysis) > 0 && string(p.AudioAnalysis) != "null" {
		return StageCreateScenesFromAudio, nil
	}
	return StageGenerateStoryboard, nil
}

func stageCreateScenesFromAudio(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error) {
	_, err := g.dispatcher.EnsureJob(ctx, st, p.ID,
		string(StageCreateScenesFromAudio),
		domain.JobTypeCreateScenesFromAudio,
		string(domain.AssetKindAudioAnalysis),
		nil,
	)
	if err != nil {
		return "", err
	}
	return StageEnrichStoryboard, nil
}

func stageGenerateStoryboard(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error) {
	_, err := g.dispatcher.EnsureJob(ctx, st, p.ID,
		string(StageGenerateStoryboard),
		domain.JobTypeGenerateStoryboard,
		string(domain.AssetKindStoryboard),
		nil,
	)
	if err != nil {
		return "", err
	}
	return StageEnrichStoryboard, nil
}

func stageEnrichStoryboard(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error) {
	_, err := g.dispatcher.EnsureJob(ctx, st, p.ID,
		string(StageEnrichStoryboard),
		domain.JobTypeEnhanceStoryboard,
		string(domain.AssetKindStoryboard),
		nil,
	)
	if err != nil {
		return "", err
	}
	return StageSemanticAnalysis, nil
}

func stageSemanticAnalysis(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error) {
	_, err := g.dispatcher.EnsureJob(ctx, st, p.ID,
		string(StageSemanticAnalysis),
		domain.JobTypeSemanticAnalysis,
		"",
		nil,
	)
	if err != nil {
		return "", err
	}
	return StageGenerateCharacterAssets, nil
}

func stageGenerateCharacterAssets(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error) {
	rows, err := g.characters.ListByProject(dbctx.New(ctx), p.ID)
	if err != nil {
		return "", err
	}
	specs := make([]JobSpec, 0, len(rows))
	for _, c := range rows {
		specs = append(specs, JobSpec{
			UniqueKey: c.ID,
			Type:      domain.JobTypeGenerateCharacterAssets,
			AssetKey:  string(domain.AssetKindCharacterImage),
			Payload:   map[string]any{"characterId": c.ID},
		})
	}
	if _, err := g.dispatcher.EnsureBatchJobs(ctx, st, p.ID, string(StageGenerateCharacterAssets), specs); err != nil {
		return "", err
	}
	return StageGenerateLocationAssets, nil
}

func stageGenerateLocationAssets(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error) {
	rows, err := g.locations.ListByProject(dbctx.New(ctx), p.ID)
	if err != nil {
		return "", err
	}
	specs := make([]JobSpec, 0, len(rows))
	for _, l := range rows {
		specs = append(specs, JobSpec{
			UniqueKey: l.ID,
			Type:      domain.JobTypeGenerateLocationAssets,
			AssetKey:  string(domain.AssetKindLocationImage),
			Payload:   map[string]any{"locationId": l.ID},
		})
	}
	if _, err := g.dispatcher.EnsureBatchJobs(ctx, st, p.ID, string(StageGenerateLocationAssets), specs); err != nil {
		return "", err
	}
	return StageGenerateSceneAssets, nil
}

func stageGenerateSceneAssets(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error) {
	scenes, err := g.scenes.ListByProject(dbctx.New(ctx), p.ID)
	if err != nil {
		return "", err
	}
	specs := make([]JobSpec, 0, len(scenes))
	for _, sc := range scenes {
		specs = append(specs, JobSpec{
			UniqueKey: sc.ID,
			Type:      domain.JobTypeGenerateSceneFrames,
			AssetKey:  string(domain.AssetKindSceneStartFrame),
			Payload:   map[string]any{"sceneId": sc.ID, "sceneIndex": sc.Index},
		})
	}
	if _, err := g.dispatcher.EnsureBatchJobs(ctx, st, p.ID, string(StageGenerateSceneAssets), specs); err != nil {
		return "", err
	}
	return StageProcessScene, nil
}

// stageProcessScene synthesizes scene videos. Sequential mode walks
// current_scene_index one scene at a time; parallel mode fans out over every
// pending scene under the dispatcher's slot cap. A scene is pending when it
// has no best scene video or is marked for forced regeneration; the job's
// uniqueKey embeds the target version so regeneration lands on a fresh row.
func stageProcessScene(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error) {
	scenes, err := g.scenes.ListByProject(dbctx.New(ctx), p.ID)
	if err != nil {
		return "", err
	}
	if len(scenes) == 0 {
		return StageRenderVideo, nil
	}

	forced := map[string]bool{}
	for _, id := range p.ForceRegenerateSceneIDs {
		forced[id] = true
	}

	if parallelMode() {
		return processScenesParallel(ctx, g, p, st, scenes, forced)
	}
	return processScenesSequential(ctx, g, p, st, scenes, forced)
}

// parallelMode reads EXECUTION_MODE. Anything other than PARALLEL, including
// unset, is sequential.
func parallelMode() bool {
	return strings.EqualFold(envutil.String("EXECUTION_MODE", "SEQUENTIAL"), "PARALLEL")
}

func processScenesSequential(ctx context.Context, g *Graph, p *domain.Project, st *State, scenes []*domain.Scene, forced map[string]bool) (Stage, error) {
	idx := p.CurrentSceneIndex
	for ; idx < len(scenes); idx++ {
		sc := scenes[idx]
		pending, version, err := scenePending(st, sc, forced)
		if err != nil {
			return "", err
		}
		if !pending {
			continue
		}
		if idx != p.CurrentSceneIndex {
			if uerr := g.projects.UpdateFields(dbctx.New(ctx), p.ID, map[string]interface{}{
				"current_scene_index": idx,
			}); uerr != nil {
				return "", uerr
			}
		}
		_, err = g.dispatcher.EnsureJob(ctx, st, p.ID,
			sceneVideoKey(sc.ID, version),
			domain.JobTypeGenerateSceneVideo,
			string(domain.AssetKindSceneVideo),
			sceneVideoPayload(sc, version),
		)
		if err != nil {
			return "", err
		}
		// Job completed: the worker appended the version and advanced best.
		st.UnpinVersion(sceneVersionNode(sc.ID))
		if forced[sc.ID] {
			if cerr := clearForcedScene(ctx, g, p, sc.ID); cerr != nil {
				return "", cerr
			}
		}
	}
	if idx > p.CurrentSceneIndex {
		if err := g.projects.UpdateFields(dbctx.New(ctx), p.ID, map[string]interface{}{
			"current_scene_index": idx,
		}); err != nil {
			return "", err
		}
	}
	return StageRenderVideo, nil
}

func processScenesParallel(ctx context.Context, g *Graph, p *domain.Project, st *State, scenes []*domain.Scene, forced map[string]bool) (Stage, error) {
	var specs []JobSpec
	var forcedInBatch []string
	var pinned []string
	for _, sc := range scenes {
		pending, version, err := scenePending(st, sc, forced)
		if err != nil {
			return "", err
		}
		if !pending {
			continue
		}
		if forced[sc.ID] {
			forcedInBatch = append(forcedInBatch, sc.ID)
		}
		pinned = append(pinned, sc.ID)
		specs = append(specs, JobSpec{
			UniqueKey: sceneVideoKey(sc.ID, version),
			Type:      domain.JobTypeGenerateSceneVideo,
			AssetKey:  string(domain.AssetKindSceneVideo),
			Payload:   sceneVideoPayload(sc, version),
		})
	}
	if len(specs) > 0 {
		if _, err := g.dispatcher.EnsureBatchJobs(ctx, st, p.ID, string(StageProcessScene), specs); err != nil {
			return "", err
		}
	}
	// Every batch job completed; forced scenes have their fresh versions.
	for _, id := range pinned {
		st.UnpinVersion(sceneVersionNode(id))
	}
	for _, id := range forcedInBatch {
		if err := clearForcedScene(ctx, g, p, id); err != nil {
			return "", err
		}
	}
	return StageRenderVideo, nil
}

// stageRenderVideo and stageFinalize pin their target version in the state
// on first entry. The worker appending the version would otherwise shift the
// next-version computation on resume, and the stage would never find the
// completed row it is waiting on. The pin is dropped on completion so a
// later regeneration pass lands on a fresh versioned key.
func stageRenderVideo(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error) {
	node := string(StageRenderVideo)
	version, err := st.PinVersion(node, func() (int, error) {
		return g.assets.GetNextVersionNumber(dbctx.New(ctx), assets.ProjectScope(p.ID), domain.AssetKindRenderedVideo)
	})
	if err != nil {
		return "", err
	}
	_, err = g.dispatcher.EnsureJob(ctx, st, p.ID,
		fmt.Sprintf("%s:v%d", node, version),
		domain.JobTypeRenderVideo,
		string(domain.AssetKindRenderedVideo),
		map[string]any{"version": version},
	)
	if err != nil {
		return "", err
	}
	st.UnpinVersion(node)
	return StageFinalize, nil
}

func stageFinalize(ctx context.Context, g *Graph, p *domain.Project, st *State) (Stage, error) {
	node := string(StageFinalize)
	version, err := st.PinVersion(node, func() (int, error) {
		return g.assets.GetNextVersionNumber(dbctx.New(ctx), assets.ProjectScope(p.ID), domain.AssetKindFinalOutput)
	})
	if err != nil {
		return "", err
	}
	_, err = g.dispatcher.EnsureJob(ctx, st, p.ID,
		fmt.Sprintf("%s:v%d", node, version),
		domain.JobTypeFinalize,
		string(domain.AssetKindFinalOutput),
		map[string]any{"version": version},
	)
	if err != nil {
		return "", err
	}
	st.UnpinVersion(node)
	return StageEnd, nil
}

// scenePending reports whether a scene still needs a video and which version
// the next job should write. A forced scene is pending until its new job
// completes; the version-suffixed uniqueKey is what distinguishes the
// regeneration job from the earlier completed one. The version is pinned in
// the state so the key holds still while the job runs.
func scenePending(st *State, sc *domain.Scene, forced map[string]bool) (bool, int, error) {
	reg, err := assets.DecodeRegistry(sc.Assets)
	if err != nil {
		return false, 0, err
	}
	if assets.BestVersion(reg, domain.AssetKindSceneVideo) != nil && !forced[sc.ID] {
		return false, 0, nil
	}
	version, err := st.PinVersion(sceneVersionNode(sc.ID), func() (int, error) {
		return assets.NextVersionNumber(reg, domain.AssetKindSceneVideo), nil
	})
	if err != nil {
		return false, 0, err
	}
	return true, version, nil
}

func sceneVersionNode(sceneID string) string {
	return "scene_video:" + sceneID
}

func sceneVideoKey(sceneID string, version int) string {
	return fmt.Sprintf("%s:v%d", sceneID, version)
}

func sceneVideoPayload(sc *domain.Scene, version int) map[string]any {
	return map[string]any{
		"sceneId":    sc.ID,
		"sceneIndex": sc.Index,
		"version":    version,
	}
}

func clearForcedScene(ctx context.Context, g *Graph, p *domain.Project, sceneID string) error {
	remaining := p.ForceRegenerateSceneIDs[:0:0]
	for _, id := range p.ForceRegenerateSceneIDs {
		if id != sceneID {
			remaining = append(remaining, id)
		}
	}
	p.ForceRegenerateSceneIDs = remaining
	return g.projects.UpdateFields(dbctx.New(ctx), p.ID, map[string]interface{}{
		"force_regenerate_scene_ids": remaining,
	})
}
