package handlers

import (
	"fmt"
	"strings"

	"gorm.io/datatypes"

	"github.com/yungbote/videoforge-backend/internal/assets"
	"github.com/yungbote/videoforge-backend/internal/clients/genai"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/worker/runtime"
)

// GenerateSceneVideo synthesizes one scene's video from its frames, runs the
// quality evaluation, and appends both the video and its eval as versions.
// This is the longest-running handler; it keeps its claim alive while the
// model call is in flight.
func GenerateSceneVideo(rc *runtime.Context) (map[string]any, error) {
	var p struct {
		SceneID            string `json:"sceneId"`
		PromptModification string `json:"promptModification"`
	}
	if err := rc.Payload(&p); err != nil {
		return nil, err
	}
	if p.SceneID == "" {
		return nil, fmt.Errorf("payload missing sceneId")
	}

	dbc := dbctx.New(rc.Ctx())
	scene, err := rc.Scenes.GetByID(dbc, p.SceneID)
	if err != nil {
		return nil, err
	}
	if scene == nil {
		return nil, fmt.Errorf("scene %s not found", p.SceneID)
	}

	startURL, err := bestAssetData(rc, assets.SceneScope(scene.ID), domain.AssetKindSceneStartFrame)
	if err != nil {
		return nil, err
	}
	endURL, err := bestAssetData(rc, assets.SceneScope(scene.ID), domain.AssetKindSceneEndFrame)
	if err != nil {
		return nil, err
	}

	prompt := describeFromMetadata(scene.Metadata, fmt.Sprintf("scene %d", scene.Index))
	if p.PromptModification != "" {
		prompt = prompt + " | " + p.PromptModification
	}

	stop := rc.KeepAlive(0, nil)
	media, calls, err := generateMediaWithRetry(rc, func() (*genai.MediaResult, error) {
		return rc.GenAI.GenerateVideo(rc.Ctx(), genai.MediaRequest{
			Prompt:        prompt,
			ReferenceURLs: nonEmpty(startURL, endURL),
		})
	})
	stop()
	if err != nil {
		return nil, err
	}

	url, version, err := uploadVersion(rc, assets.SceneScope(scene.ID), domain.AssetKindSceneVideo, media, calls, true)
	if err != nil {
		return nil, err
	}

	eval, err := rc.GenAI.EvaluateMedia(rc.Ctx(), genai.EvalRequest{
		MediaURL: url,
		Criteria: "scene continuity and visual quality",
	})
	if err != nil {
		return nil, err
	}
	if _, err := appendTextVersion(rc,
		assets.SceneScope(scene.ID),
		domain.AssetKindSceneQualityEval,
		domain.AssetTypeJSON,
		mustJSON(eval), eval.Model, true,
	); err != nil {
		return nil, err
	}

	return map[string]any{
		"url":     url,
		"version": version,
		"score":   eval.Score,
	}, nil
}

// RenderVideo concatenates the best scene videos into one rendered cut.
func RenderVideo(rc *runtime.Context) (map[string]any, error) {
	dbc := dbctx.New(rc.Ctx())
	scenes, err := rc.Scenes.ListByProject(dbc, rc.Job.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(scenes) == 0 {
		return nil, fmt.Errorf("project %s has no scenes to render", rc.Job.ProjectID)
	}

	urls := make([]string, 0, len(scenes))
	for _, sc := range scenes {
		url, berr := bestAssetData(rc, assets.SceneScope(sc.ID), domain.AssetKindSceneVideo)
		if berr != nil {
			return nil, berr
		}
		if url == "" {
			return nil, fmt.Errorf("scene %s has no best video", sc.ID)
		}
		urls = append(urls, url)
	}

	stop := rc.KeepAlive(0, nil)
	media, calls, err := generateMediaWithRetry(rc, func() (*genai.MediaResult, error) {
		return rc.GenAI.GenerateVideo(rc.Ctx(), genai.MediaRequest{
			Prompt:        "concatenate: " + strings.Join(urls, ","),
			ReferenceURLs: urls,
		})
	})
	stop()
	if err != nil {
		return nil, err
	}

	url, version, err := uploadVersion(rc,
		assets.ProjectScope(rc.Job.ProjectID),
		domain.AssetKindRenderedVideo,
		media, calls, true,
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url, "version": version, "scenes": len(scenes)}, nil
}

// Finalize promotes the best rendered video to the final output and records
// the metrics snapshot on the project.
func Finalize(rc *runtime.Context) (map[string]any, error) {
	dbc := dbctx.New(rc.Ctx())

	rendered, err := rc.Assets.GetBestVersion(dbc, assets.ProjectScope(rc.Job.ProjectID), domain.AssetKindRenderedVideo)
	if err != nil {
		return nil, err
	}
	if rendered == nil {
		return nil, fmt.Errorf("project %s has no rendered video", rc.Job.ProjectID)
	}

	version, err := appendTextVersion(rc,
		assets.ProjectScope(rc.Job.ProjectID),
		domain.AssetKindFinalOutput,
		domain.AssetTypeVideo,
		rendered.Data, rendered.Metadata.Model, true,
	)
	if err != nil {
		return nil, err
	}

	jobRows, err := rc.Store.ListJobs(rc.Ctx(), rc.Job.ProjectID)
	if err != nil {
		return nil, err
	}
	var completed, failed int
	for _, j := range jobRows {
		switch j.State {
		case domain.JobStateCompleted:
			completed++
		case domain.JobStateFailed, domain.JobStateFatal:
			failed++
		}
	}
	metrics := map[string]any{
		"jobsTotal":     len(jobRows),
		"jobsCompleted": completed,
		"jobsFailed":    failed,
		"finalVersion":  version,
	}
	if err := rc.Projects.UpdateFields(dbc, rc.Job.ProjectID, map[string]interface{}{
		"metrics": datatypes.JSON([]byte(mustJSON(metrics))),
	}); err != nil {
		return nil, err
	}

	return map[string]any{"url": rendered.Data, "version": version}, nil
}

func nonEmpty(vals ...string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
