package genai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Fake is a deterministic in-process model client. Output is a pure function
// of the prompt, so repeated job attempts produce identical artifacts and
// tests can assert on content. RejectFirst makes the first N calls per
// prompt fail with ErrContentRejected to exercise retry paths.
type Fake struct {
	ModelName   string
	RejectFirst int

	mu    sync.Mutex
	calls map[string]int
}

func NewFake() *Fake {
	return &Fake{ModelName: "fake-model-v1", calls: map[string]int{}}
}

func (f *Fake) GenerateText(ctx context.Context, req TextRequest) (*TextResult, error) {
	if err := f.gate(ctx, "text:"+req.Prompt); err != nil {
		return nil, err
	}
	return &TextResult{
		Model: f.ModelName,
		Text:  fmt.Sprintf("generated(%s): %s", f.ModelName, req.Prompt),
	}, nil
}

func (f *Fake) GenerateImage(ctx context.Context, req MediaRequest) (*MediaResult, error) {
	if err := f.gate(ctx, "image:"+req.Prompt); err != nil {
		return nil, err
	}
	return &MediaResult{Model: f.ModelName, Data: digestBytes("image", req.Prompt), Ext: "png"}, nil
}

func (f *Fake) GenerateVideo(ctx context.Context, req MediaRequest) (*MediaResult, error) {
	if err := f.gate(ctx, "video:"+req.Prompt); err != nil {
		return nil, err
	}
	return &MediaResult{Model: f.ModelName, Data: digestBytes("video", req.Prompt), Ext: "mp4"}, nil
}

func (f *Fake) EvaluateMedia(ctx context.Context, req EvalRequest) (*EvalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &EvalResult{
		Model:  f.ModelName,
		Score:  0.9,
		Passed: true,
		Details: map[string]any{
			"mediaUrl": req.MediaURL,
			"criteria": req.Criteria,
		},
	}, nil
}

func (f *Fake) gate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.RejectFirst <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[key]++
	if f.calls[key] <= f.RejectFirst {
		return ErrContentRejected
	}
	return nil
}

func digestBytes(kind, prompt string) []byte {
	sum := sha256.Sum256([]byte(kind + "\x00" + prompt))
	return []byte(hex.EncodeToString(sum[:]))
}
