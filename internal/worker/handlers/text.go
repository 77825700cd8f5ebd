package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/videoforge-backend/internal/assets"
	"github.com/yungbote/videoforge-backend/internal/clients/genai"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/worker/runtime"
)

// ExpandCreativePrompt enriches the project's initial prompt and stores the
// result as the best enhanced_prompt version.
func ExpandCreativePrompt(rc *runtime.Context) (map[string]any, error) {
	project, err := rc.Projects.GetByID(dbctx.New(rc.Ctx()), rc.Job.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %s not found", rc.Job.ProjectID)
	}

	prompt := promptFromMetadata(project.Metadata)
	res, err := rc.GenAI.GenerateText(rc.Ctx(), genai.TextRequest{
		Prompt:       prompt,
		SystemPrompt: "Expand this creative brief into a detailed production prompt.",
	})
	if err != nil {
		return nil, err
	}

	version, err := appendTextVersion(rc,
		assets.ProjectScope(project.ID),
		domain.AssetKindEnhancedPrompt,
		domain.AssetTypeText,
		res.Text, res.Model, true,
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": version}, nil
}

// GenerateStoryboard builds the storyboard from the enhanced prompt and
// materializes scene rows when the project has none yet.
func GenerateStoryboard(rc *runtime.Context) (map[string]any, error) {
	dbc := dbctx.New(rc.Ctx())
	project, err := rc.Projects.GetByID(dbc, rc.Job.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %s not found", rc.Job.ProjectID)
	}

	enhanced, err := bestAssetData(rc, assets.ProjectScope(project.ID), domain.AssetKindEnhancedPrompt)
	if err != nil {
		return nil, err
	}
	res, err := rc.GenAI.GenerateText(rc.Ctx(), genai.TextRequest{
		Prompt:       enhanced,
		SystemPrompt: "Produce a scene-by-scene storyboard as JSON.",
	})
	if err != nil {
		return nil, err
	}

	sceneCount := sceneCountFromPayload(rc)
	storyboard := buildStoryboard(res.Text, sceneCount)
	raw := mustJSON(storyboard)

	if err := rc.Projects.UpdateFields(dbc, project.ID, map[string]interface{}{
		"storyboard": datatypes.JSON([]byte(raw)),
	}); err != nil {
		return nil, err
	}

	created, err := ensureScenes(rc, project.ID, sceneCount)
	if err != nil {
		return nil, err
	}

	version, err := appendTextVersion(rc,
		assets.ProjectScope(project.ID),
		domain.AssetKindStoryboard,
		domain.AssetTypeJSON,
		raw, res.Model, true,
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": version, "sceneCount": created}, nil
}

// CreateScenesFromAudio segments the project's audio analysis into timed
// scenes; the alternative entry to GenerateStoryboard when audio exists.
func CreateScenesFromAudio(rc *runtime.Context) (map[string]any, error) {
	dbc := dbctx.New(rc.Ctx())
	project, err := rc.Projects.GetByID(dbc, rc.Job.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %s not found", rc.Job.ProjectID)
	}
	if len(project.AudioAnalysis) == 0 || string(project.AudioAnalysis) == "null" {
		return nil, fmt.Errorf("project %s has no audio analysis", project.ID)
	}

	var analysis struct {
		Segments []map[string]any `json:"segments"`
	}
	if err := json.Unmarshal(project.AudioAnalysis, &analysis); err != nil {
		return nil, fmt.Errorf("decode audio analysis: %w", err)
	}
	count := len(analysis.Segments)
	if count == 0 {
		count = 1
	}

	created, err := ensureScenes(rc, project.ID, count)
	if err != nil {
		return nil, err
	}

	version, err := appendTextVersion(rc,
		assets.ProjectScope(project.ID),
		domain.AssetKindAudioAnalysis,
		domain.AssetTypeJSON,
		string(project.AudioAnalysis), "", true,
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": version, "sceneCount": created}, nil
}

// EnhanceStoryboard fleshes out per-scene metadata from the storyboard.
func EnhanceStoryboard(rc *runtime.Context) (map[string]any, error) {
	dbc := dbctx.New(rc.Ctx())
	project, err := rc.Projects.GetByID(dbc, rc.Job.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %s not found", rc.Job.ProjectID)
	}

	scenes, err := rc.Scenes.ListByProject(dbc, project.ID)
	if err != nil {
		return nil, err
	}
	res, err := rc.GenAI.GenerateText(rc.Ctx(), genai.TextRequest{
		Prompt:       string(project.Storyboard),
		SystemPrompt: "Enrich each storyboard scene with visual detail.",
	})
	if err != nil {
		return nil, err
	}

	for _, sc := range scenes {
		meta := map[string]any{
			"description": fmt.Sprintf("%s [scene %d]", res.Text, sc.Index),
		}
		if err := rc.Scenes.UpdateFields(dbc, sc.ID, map[string]interface{}{
			"metadata": datatypes.JSON([]byte(mustJSON(meta))),
		}); err != nil {
			return nil, err
		}
	}

	version, err := appendTextVersion(rc,
		assets.ProjectScope(project.ID),
		domain.AssetKindStoryboard,
		domain.AssetTypeJSON,
		mustJSON(map[string]any{"enriched": true, "text": res.Text}),
		res.Model, true,
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": version, "scenes": len(scenes)}, nil
}

// SemanticAnalysis derives global generation rules from the storyboard and
// records them on the project, keeping the prior rule sets in history.
func SemanticAnalysis(rc *runtime.Context) (map[string]any, error) {
	dbc := dbctx.New(rc.Ctx())
	project, err := rc.Projects.GetByID(dbc, rc.Job.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %s not found", rc.Job.ProjectID)
	}

	res, err := rc.GenAI.GenerateText(rc.Ctx(), genai.TextRequest{
		Prompt:       string(project.Storyboard),
		SystemPrompt: "Derive consistent global generation rules for this production.",
	})
	if err != nil {
		return nil, err
	}

	rules := []string{
		"style: " + res.Text,
		"consistency: characters and locations keep their reference look",
	}

	var history []any
	if len(project.GenerationRulesHistory) > 0 && string(project.GenerationRulesHistory) != "null" {
		_ = json.Unmarshal(project.GenerationRulesHistory, &history)
	}
	if len(project.GenerationRules) > 0 {
		history = append(history, project.GenerationRules)
	}

	if err := rc.Projects.UpdateFields(dbc, project.ID, map[string]interface{}{
		"generation_rules":         rules,
		"generation_rules_history": datatypes.JSON([]byte(mustJSON(history))),
	}); err != nil {
		return nil, err
	}
	return map[string]any{"rules": len(rules)}, nil
}

func promptFromMetadata(meta datatypes.JSON) string {
	var m map[string]any
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &m)
	}
	if p, ok := m["prompt"].(string); ok && p != "" {
		return p
	}
	return "untitled production"
}

func sceneCountFromPayload(rc *runtime.Context) int {
	var p struct {
		SceneCount int `json:"sceneCount"`
	}
	_ = rc.Payload(&p)
	if p.SceneCount > 0 {
		return p.SceneCount
	}
	return 4
}

func buildStoryboard(text string, sceneCount int) map[string]any {
	scenes := make([]map[string]any, 0, sceneCount)
	for i := 0; i < sceneCount; i++ {
		scenes = append(scenes, map[string]any{
			"index":   i,
			"summary": fmt.Sprintf("%s (scene %d)", text, i+1),
		})
	}
	return map[string]any{"scenes": scenes}
}

// ensureScenes creates scene rows up to count, preserving any that already
// exist so re-runs of the handler stay idempotent.
func ensureScenes(rc *runtime.Context, projectID string, count int) (int, error) {
	dbc := dbctx.New(rc.Ctx())
	existing, err := rc.Scenes.ListByProject(dbc, projectID)
	if err != nil {
		return 0, err
	}
	if len(existing) >= count {
		return len(existing), nil
	}
	var toCreate []*domain.Scene
	for i := len(existing); i < count; i++ {
		toCreate = append(toCreate, &domain.Scene{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			Index:     i,
		})
	}
	if _, err := rc.Scenes.Create(dbc, toCreate); err != nil {
		return 0, err
	}
	return count, nil
}
