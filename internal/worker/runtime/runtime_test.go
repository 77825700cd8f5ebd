package runtime

import (
	"context"
	"sync"
	"testing"

	"gorm.io/datatypes"

	"github.com/yungbote/videoforge-backend/internal/domain"
)

func TestPayloadDecode(t *testing.T) {
	rc := NewContext(context.Background(), Env{}, &domain.Job{
		Payload: datatypes.JSON([]byte(`{"sceneId":"s1","sceneCount":4}`)),
	})

	var p struct {
		SceneID    string `json:"sceneId"`
		SceneCount int    `json:"sceneCount"`
	}
	if err := rc.Payload(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.SceneID != "s1" || p.SceneCount != 4 {
		t.Fatalf("payload mangled: %+v", p)
	}

	m, err := rc.PayloadMap()
	if err != nil {
		t.Fatalf("decode map: %v", err)
	}
	if m["sceneId"] != "s1" {
		t.Fatalf("map mangled: %v", m)
	}
}

func TestPayloadToleratesEmpty(t *testing.T) {
	for _, raw := range []datatypes.JSON{nil, datatypes.JSON("null")} {
		rc := NewContext(context.Background(), Env{}, &domain.Job{Payload: raw})
		m, err := rc.PayloadMap()
		if err != nil {
			t.Fatalf("decode %q: %v", string(raw), err)
		}
		if len(m) != 0 {
			t.Fatalf("expected empty map, got %v", m)
		}
	}
}

func TestPayloadRejectsMalformed(t *testing.T) {
	rc := NewContext(context.Background(), Env{}, &domain.Job{
		Payload: datatypes.JSON([]byte(`{not json`)),
	})
	if _, err := rc.PayloadMap(); err == nil {
		t.Fatal("expected malformed payload to error")
	}
}

func TestTerminalClaimedOnce(t *testing.T) {
	rc := NewContext(context.Background(), Env{}, &domain.Job{})
	if rc.Finished() {
		t.Fatal("fresh context must not be terminal")
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rc.claimTerminal() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one terminal claim, got %d", wins)
	}
	if !rc.Finished() {
		t.Fatal("context must report finished after the claim")
	}
}
