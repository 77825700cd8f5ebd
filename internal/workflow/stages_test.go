package workflow

import (
	"testing"

	"github.com/yungbote/videoforge-backend/internal/domain"
)

func TestParallelModeFromEnv(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"SEQUENTIAL", false},
		{"sequential", false},
		{"PARALLEL", true},
		{"parallel", true},
		{"bogus", false},
	}
	for _, tc := range cases {
		t.Setenv("EXECUTION_MODE", tc.value)
		if got := parallelMode(); got != tc.want {
			t.Fatalf("EXECUTION_MODE=%q: expected %v, got %v", tc.value, tc.want, got)
		}
	}
}

func TestScenePendingPinsVersion(t *testing.T) {
	st := NewState()
	sc := &domain.Scene{ID: "s1", ProjectID: "p1"}

	pending, version, err := scenePending(st, sc, nil)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !pending || version != 1 {
		t.Fatalf("expected pending v1 for a scene without video, got pending=%v v=%d", pending, version)
	}

	// A later pass against a registry that moved on keeps the pinned target.
	done := sceneWithBestVideo(t)
	done.ID = "s1"
	pending, version, err = scenePending(st, done, map[string]bool{"s1": true})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !pending || version != 1 {
		t.Fatalf("pin drifted: pending=%v v=%d", pending, version)
	}

	// Completion drops the pin; a forced regeneration targets the next
	// version.
	st.UnpinVersion(sceneVersionNode("s1"))
	pending, version, err = scenePending(st, done, map[string]bool{"s1": true})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !pending || version != 2 {
		t.Fatalf("expected fresh v2 after unpin, got pending=%v v=%d", pending, version)
	}
}

func TestScenePendingSkipsSettledScene(t *testing.T) {
	st := NewState()
	done := sceneWithBestVideo(t)

	pending, _, err := scenePending(st, done, nil)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending {
		t.Fatal("a scene with a best video and no force flag is settled")
	}
	if len(st.NodeVersions) != 0 {
		t.Fatalf("settled scene must not pin a version, got %+v", st.NodeVersions)
	}
}
