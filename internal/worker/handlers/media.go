package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/videoforge-backend/internal/assets"
	"github.com/yungbote/videoforge-backend/internal/clients/genai"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/worker/runtime"
)

// GenerateCharacterAssets renders the reference image for one character.
func GenerateCharacterAssets(rc *runtime.Context) (map[string]any, error) {
	var p struct {
		CharacterID string `json:"characterId"`
	}
	if err := rc.Payload(&p); err != nil {
		return nil, err
	}
	if p.CharacterID == "" {
		return nil, fmt.Errorf("payload missing characterId")
	}

	character, err := rc.Characters.GetByID(dbctx.New(rc.Ctx()), p.CharacterID)
	if err != nil {
		return nil, err
	}
	if character == nil {
		return nil, fmt.Errorf("character %s not found", p.CharacterID)
	}

	prompt := describeFromMetadata(character.Metadata, "character "+character.ID)
	media, calls, err := generateMediaWithRetry(rc, func() (*genai.MediaResult, error) {
		return rc.GenAI.GenerateImage(rc.Ctx(), genai.MediaRequest{Prompt: prompt})
	})
	if err != nil {
		return nil, err
	}

	url, version, err := uploadVersion(rc,
		assets.CharacterScope(character.ID),
		domain.AssetKindCharacterImage,
		media, calls, true,
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url, "version": version}, nil
}

// GenerateLocationAssets renders the reference image for one location.
func GenerateLocationAssets(rc *runtime.Context) (map[string]any, error) {
	var p struct {
		LocationID string `json:"locationId"`
	}
	if err := rc.Payload(&p); err != nil {
		return nil, err
	}
	if p.LocationID == "" {
		return nil, fmt.Errorf("payload missing locationId")
	}

	location, err := rc.Locations.GetByID(dbctx.New(rc.Ctx()), p.LocationID)
	if err != nil {
		return nil, err
	}
	if location == nil {
		return nil, fmt.Errorf("location %s not found", p.LocationID)
	}

	prompt := describeFromMetadata(location.Metadata, "location "+location.ID)
	media, calls, err := generateMediaWithRetry(rc, func() (*genai.MediaResult, error) {
		return rc.GenAI.GenerateImage(rc.Ctx(), genai.MediaRequest{Prompt: prompt})
	})
	if err != nil {
		return nil, err
	}

	url, version, err := uploadVersion(rc,
		assets.LocationScope(location.ID),
		domain.AssetKindLocationImage,
		media, calls, true,
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url, "version": version}, nil
}

// GenerateSceneFrames renders the start and end frame for one scene.
func GenerateSceneFrames(rc *runtime.Context) (map[string]any, error) {
	var p struct {
		SceneID string `json:"sceneId"`
	}
	if err := rc.Payload(&p); err != nil {
		return nil, err
	}
	if p.SceneID == "" {
		return nil, fmt.Errorf("payload missing sceneId")
	}

	scene, err := rc.Scenes.GetByID(dbctx.New(rc.Ctx()), p.SceneID)
	if err != nil {
		return nil, err
	}
	if scene == nil {
		return nil, fmt.Errorf("scene %s not found", p.SceneID)
	}

	prompt := describeFromMetadata(scene.Metadata, fmt.Sprintf("scene %d", scene.Index))
	out := map[string]any{}
	for _, kind := range []domain.AssetKind{domain.AssetKindSceneStartFrame, domain.AssetKindSceneEndFrame} {
		framePrompt := prompt + " | " + frameLabel(kind)
		media, calls, gerr := generateMediaWithRetry(rc, func() (*genai.MediaResult, error) {
			return rc.GenAI.GenerateImage(rc.Ctx(), genai.MediaRequest{Prompt: framePrompt})
		})
		if gerr != nil {
			return nil, gerr
		}
		url, version, uerr := uploadVersion(rc, assets.SceneScope(scene.ID), kind, media, calls, true)
		if uerr != nil {
			return nil, uerr
		}
		out[string(kind)] = map[string]any{"url": url, "version": version}
	}
	return out, nil
}

// FrameRender regenerates a single frame on operator request, outside the
// graph.
func FrameRender(rc *runtime.Context) (map[string]any, error) {
	var p struct {
		SceneID string `json:"sceneId"`
		Frame   string `json:"frame"`
	}
	if err := rc.Payload(&p); err != nil {
		return nil, err
	}
	if p.SceneID == "" {
		return nil, fmt.Errorf("payload missing sceneId")
	}
	kind := domain.AssetKind(p.Frame)
	if kind != domain.AssetKindSceneStartFrame && kind != domain.AssetKindSceneEndFrame {
		kind = domain.AssetKindSceneStartFrame
	}

	scene, err := rc.Scenes.GetByID(dbctx.New(rc.Ctx()), p.SceneID)
	if err != nil {
		return nil, err
	}
	if scene == nil {
		return nil, fmt.Errorf("scene %s not found", p.SceneID)
	}

	prompt := describeFromMetadata(scene.Metadata, fmt.Sprintf("scene %d", scene.Index)) + " | " + frameLabel(kind)
	media, calls, err := generateMediaWithRetry(rc, func() (*genai.MediaResult, error) {
		return rc.GenAI.GenerateImage(rc.Ctx(), genai.MediaRequest{Prompt: prompt})
	})
	if err != nil {
		return nil, err
	}

	url, version, err := uploadVersion(rc, assets.SceneScope(scene.ID), kind, media, calls, true)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url, "version": version, "frame": string(kind)}, nil
}

func frameLabel(kind domain.AssetKind) string {
	if kind == domain.AssetKindSceneEndFrame {
		return "end frame"
	}
	return "start frame"
}

func describeFromMetadata(meta []byte, fallback string) string {
	var m map[string]any
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &m)
	}
	for _, key := range []string{"description", "prompt", "summary"} {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return fallback
}
