package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yungbote/videoforge-backend/internal/assets"
	"github.com/yungbote/videoforge-backend/internal/clients/genai"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/gcp"
	"github.com/yungbote/videoforge-backend/internal/worker/runtime"
)

// generateMediaWithRetry runs one generative call with an in-handler safety
// retry: content rejections are retried up to the budget, anything else
// fails the attempt immediately. Returns the result plus how many calls it
// took, which lands in the asset version metadata.
func generateMediaWithRetry(rc *runtime.Context, gen func() (*genai.MediaResult, error)) (*genai.MediaResult, int, error) {
	budget := envutil.Int("SAFETY_RETRY_ATTEMPTS", 3)
	if budget < 1 {
		budget = 1
	}
	var lastErr error
	for call := 1; call <= budget; call++ {
		res, err := gen()
		if err == nil {
			return res, call, nil
		}
		if !errors.Is(err, genai.ErrContentRejected) {
			return nil, call, err
		}
		lastErr = err
		rc.Log.Warn("generation rejected, retrying",
			"job_id", rc.Job.ID,
			"call", call,
			"budget", budget,
		)
	}
	return nil, budget, fmt.Errorf("all %d generation calls rejected: %w", budget, lastErr)
}

// uploadVersion stores media bytes under the canonical key and appends the
// resulting URL as a new asset version.
func uploadVersion(rc *runtime.Context, scope assets.Scope, kind domain.AssetKind, media *genai.MediaResult, calls int, setAsBest bool) (string, int, error) {
	dbc := dbctx.New(rc.Ctx())
	version, err := rc.Assets.GetNextVersionNumber(dbc, scope, kind)
	if err != nil {
		return "", 0, err
	}
	key := gcp.MediaKey(rc.Job.ProjectID, scopeObjectID(scope, rc.Job.ProjectID), string(kind), version, media.Ext)
	if err := rc.Bucket.Upload(rc.Ctx(), key, bytes.NewReader(media.Data)); err != nil {
		return "", 0, err
	}
	url := rc.Bucket.PublicURL(key)
	assetType := domain.AssetTypeImage
	if media.Ext == "mp4" || media.Ext == "webm" || media.Ext == "mov" {
		assetType = domain.AssetTypeVideo
	}
	_, err = rc.Assets.CreateVersionedAssets(dbc, scope, kind,
		[]domain.AssetType{assetType},
		[]string{url},
		domain.AssetVersionMetadata{
			Model:           media.Model,
			Attempts:        calls,
			AcceptedAttempt: calls,
			JobID:           rc.Job.ID.String(),
		},
		setAsBest,
	)
	if err != nil {
		return "", 0, err
	}
	return url, version, nil
}

// appendTextVersion appends inline text or JSON content as an asset version.
func appendTextVersion(rc *runtime.Context, scope assets.Scope, kind domain.AssetKind, assetType domain.AssetType, data, model string, setAsBest bool) (int, error) {
	dbc := dbctx.New(rc.Ctx())
	version, err := rc.Assets.GetNextVersionNumber(dbc, scope, kind)
	if err != nil {
		return 0, err
	}
	_, err = rc.Assets.CreateVersionedAssets(dbc, scope, kind,
		[]domain.AssetType{assetType},
		[]string{data},
		domain.AssetVersionMetadata{
			Model: model,
			JobID: rc.Job.ID.String(),
		},
		setAsBest,
	)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func scopeObjectID(scope assets.Scope, projectID string) string {
	if scope.Kind == domain.AssetScopeProject {
		return projectID
	}
	return scope.ID
}

// bestAssetData reads the best version's data for a scope and kind, or ""
// when unset.
func bestAssetData(rc *runtime.Context, scope assets.Scope, kind domain.AssetKind) (string, error) {
	best, err := rc.Assets.GetBestVersion(dbctx.New(rc.Ctx()), scope, kind)
	if err != nil {
		return "", err
	}
	if best == nil {
		return "", nil
	}
	return best.Data, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
