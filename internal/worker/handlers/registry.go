package handlers

import (
	"fmt"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/worker/runtime"
)

// Registry maps job types to their handlers. Populated once at startup;
// read-only afterwards.
type Registry struct {
	handlers map[domain.JobType]runtime.Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[domain.JobType]runtime.Handler{}}
}

func (r *Registry) Register(t domain.JobType, h runtime.Handler) {
	r.handlers[t] = h
}

func (r *Registry) Get(t domain.JobType) (runtime.Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("handlers: no handler registered for job type %s", t)
	}
	return h, nil
}

// Default returns the registry with every pipeline job type wired.
func Default() *Registry {
	r := NewRegistry()
	r.Register(domain.JobTypeExpandCreativePrompt, ExpandCreativePrompt)
	r.Register(domain.JobTypeGenerateStoryboard, GenerateStoryboard)
	r.Register(domain.JobTypeCreateScenesFromAudio, CreateScenesFromAudio)
	r.Register(domain.JobTypeEnhanceStoryboard, EnhanceStoryboard)
	r.Register(domain.JobTypeSemanticAnalysis, SemanticAnalysis)
	r.Register(domain.JobTypeGenerateCharacterAssets, GenerateCharacterAssets)
	r.Register(domain.JobTypeGenerateLocationAssets, GenerateLocationAssets)
	r.Register(domain.JobTypeGenerateSceneFrames, GenerateSceneFrames)
	r.Register(domain.JobTypeGenerateSceneVideo, GenerateSceneVideo)
	r.Register(domain.JobTypeFrameRender, FrameRender)
	r.Register(domain.JobTypeRenderVideo, RenderVideo)
	r.Register(domain.JobTypeFinalize, Finalize)
	return r
}
