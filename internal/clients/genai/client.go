package genai

import (
	"context"
	"errors"
)

// ErrContentRejected marks a generation the provider refused or that failed
// its safety evaluation. The caller's retry loop treats it as transient up
// to its attempt budget.
var ErrContentRejected = errors.New("genai: content rejected")

type TextRequest struct {
	Model        string
	Prompt       string
	SystemPrompt string
	MaxTokens    int
}

type TextResult struct {
	Model string
	Text  string
}

type MediaRequest struct {
	Model          string
	Prompt         string
	ReferenceURLs  []string
	DurationSecs   int
	AspectRatio    string
	NegativePrompt string
}

// MediaResult carries raw bytes; the handler owns uploading them and
// recording the resulting URL as an asset version.
type MediaResult struct {
	Model string
	Data  []byte
	Ext   string
}

type EvalRequest struct {
	Model    string
	MediaURL string
	Criteria string
}

type EvalResult struct {
	Model   string
	Score   float64
	Passed  bool
	Details map[string]any
}

// Client is the generative-model surface the worker handlers depend on.
// Provider SDKs live behind this interface; the control plane never sees
// them.
type Client interface {
	GenerateText(ctx context.Context, req TextRequest) (*TextResult, error)
	GenerateImage(ctx context.Context, req MediaRequest) (*MediaResult, error)
	GenerateVideo(ctx context.Context, req MediaRequest) (*MediaResult, error)
	EvaluateMedia(ctx context.Context, req EvalRequest) (*EvalResult, error)
}
