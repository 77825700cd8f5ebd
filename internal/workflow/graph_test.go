package workflow

import (
	"context"
	"testing"

	"gorm.io/datatypes"

	"github.com/yungbote/videoforge-backend/internal/assets"
	"github.com/yungbote/videoforge-backend/internal/domain"
)

func sceneWithBestVideo(t *testing.T) *domain.Scene {
	t.Helper()
	reg := domain.AssetRegistry{}
	if _, err := assets.Append(reg, domain.AssetKindSceneVideo,
		[]domain.AssetType{domain.AssetTypeVideo}, []string{"https://cdn/s.mp4"},
		domain.AssetVersionMetadata{}, true); err != nil {
		t.Fatalf("append: %v", err)
	}
	raw, err := assets.EncodeRegistry(reg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &domain.Scene{ID: "s1", ProjectID: "p1", Assets: raw}
}

func projectWithEnhancedPrompt(t *testing.T) *domain.Project {
	t.Helper()
	reg := domain.AssetRegistry{}
	if _, err := assets.Append(reg, domain.AssetKindEnhancedPrompt,
		[]domain.AssetType{domain.AssetTypeText}, []string{"expanded"},
		domain.AssetVersionMetadata{}, true); err != nil {
		t.Fatalf("append: %v", err)
	}
	raw, err := assets.EncodeRegistry(reg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &domain.Project{ID: "p1", Assets: raw}
}

func TestEntryRoute(t *testing.T) {
	g := &Graph{}

	cases := []struct {
		name    string
		project *domain.Project
		scenes  []*domain.Scene
		want    Stage
	}{
		{
			name:    "scene video exists goes to process_scene",
			project: &domain.Project{ID: "p1", GenerationRules: []string{"style: x"}},
			scenes:  []*domain.Scene{sceneWithBestVideo(t)},
			want:    StageProcessScene,
		},
		{
			name:    "scenes plus rules go to character assets",
			project: &domain.Project{ID: "p1", GenerationRules: []string{"style: x"}},
			scenes:  []*domain.Scene{{ID: "s1", ProjectID: "p1"}},
			want:    StageGenerateCharacterAssets,
		},
		{
			name:    "scenes without rules go to semantic analysis",
			project: &domain.Project{ID: "p1"},
			scenes:  []*domain.Scene{{ID: "s1", ProjectID: "p1"}},
			want:    StageSemanticAnalysis,
		},
		{
			name:    "enhanced prompt without scenes goes to enrichment",
			project: projectWithEnhancedPrompt(t),
			scenes:  nil,
			want:    StageEnrichStoryboard,
		},
		{
			name:    "blank project starts at prompt expansion",
			project: &domain.Project{ID: "p1"},
			scenes:  nil,
			want:    StageExpandCreativePrompt,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := g.EntryRoute(context.Background(), tc.project, tc.scenes)
			if err != nil {
				t.Fatalf("entry route: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	st := NewState()
	st.CurrentStage = StageProcessScene
	st.BumpAttempt(StageProcessScene)
	st.BumpAttempt(StageProcessScene)
	st.RecordJob("s1:v1", "job-id")
	st.RecordError("process_scene", "transient failure")
	if _, err := st.PinVersion("render_video", func() (int, error) { return 1, nil }); err != nil {
		t.Fatalf("pin: %v", err)
	}
	st.GrantRetry("s1:v1")
	st.PendingInterrupt = &Interrupt{
		Type:      InterruptWaitingForJob,
		NodeName:  "s1:v1",
		ProjectID: "p1",
	}

	raw, err := st.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodeState(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.CurrentStage != StageProcessScene {
		t.Fatalf("stage lost: %s", back.CurrentStage)
	}
	if back.NodeAttempts["process_scene"] != 2 {
		t.Fatalf("attempts lost: %+v", back.NodeAttempts)
	}
	if back.JobIDs["s1:v1"] != "job-id" {
		t.Fatalf("job ids lost: %+v", back.JobIDs)
	}
	if back.PendingInterrupt == nil || back.PendingInterrupt.Type != InterruptWaitingForJob {
		t.Fatalf("interrupt lost: %+v", back.PendingInterrupt)
	}
	if len(back.Errors) != 1 {
		t.Fatalf("errors lost: %+v", back.Errors)
	}
	if back.NodeVersions["render_video"] != 1 {
		t.Fatalf("version pin lost: %+v", back.NodeVersions)
	}
	if !back.RetryGranted("s1:v1") {
		t.Fatalf("retry grant lost: %+v", back.RetryGrants)
	}
}

func TestDecodeStateEmpty(t *testing.T) {
	for _, raw := range []datatypes.JSON{nil, datatypes.JSON("null")} {
		st, err := DecodeState(raw)
		if err != nil {
			t.Fatalf("decode %q: %v", string(raw), err)
		}
		if st.CurrentStage != StageStart {
			t.Fatalf("expected fresh state at %s, got %s", StageStart, st.CurrentStage)
		}
		if st.NodeAttempts == nil || st.JobIDs == nil {
			t.Fatal("maps must be initialized")
		}
	}
}
