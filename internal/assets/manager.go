package assets

import (
	"fmt"

	"github.com/yungbote/videoforge-backend/internal/data/repos/projects"
	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/dbctx"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

// Manager is the versioned asset registry service. Appends for the same
// scope serialize under the project lock, which callers hold; the manager
// itself only guarantees append-only histories and best-pointer bounds.
type Manager struct {
	log        *logger.Logger
	projects   projects.ProjectRepo
	scenes     projects.SceneRepo
	characters projects.CharacterRepo
	locations  projects.LocationRepo
}

func NewManager(
	baseLog *logger.Logger,
	projectRepo projects.ProjectRepo,
	sceneRepo projects.SceneRepo,
	characterRepo projects.CharacterRepo,
	locationRepo projects.LocationRepo,
) *Manager {
	return &Manager{
		log:        baseLog.With("service", "AssetManager"),
		projects:   projectRepo,
		scenes:     sceneRepo,
		characters: characterRepo,
		locations:  locationRepo,
	}
}

func (m *Manager) GetNextVersionNumber(dbc dbctx.Context, scope Scope, kind domain.AssetKind) (int, error) {
	reg, err := m.loadRegistry(dbc, scope)
	if err != nil {
		return 0, err
	}
	return NextVersionNumber(reg, kind), nil
}

// CreateVersionedAssets appends one version per data entry and optionally
// advances the best pointer to the newest.
func (m *Manager) CreateVersionedAssets(dbc dbctx.Context, scope Scope, kind domain.AssetKind, types []domain.AssetType, datas []string, meta domain.AssetVersionMetadata, setAsBest bool) ([]domain.AssetVersion, error) {
	reg, err := m.loadRegistry(dbc, scope)
	if err != nil {
		return nil, err
	}
	appended, err := Append(reg, kind, types, datas, meta, setAsBest)
	if err != nil {
		return nil, err
	}
	if err := m.saveRegistry(dbc, scope, reg); err != nil {
		return nil, err
	}
	return appended, nil
}

func (m *Manager) GetBestVersion(dbc dbctx.Context, scope Scope, kind domain.AssetKind) (*domain.AssetVersion, error) {
	reg, err := m.loadRegistry(dbc, scope)
	if err != nil {
		return nil, err
	}
	return BestVersion(reg, kind), nil
}

// SetBestVersion moves the best pointer; 0 unsets it.
func (m *Manager) SetBestVersion(dbc dbctx.Context, scope Scope, kind domain.AssetKind, version int) error {
	reg, err := m.loadRegistry(dbc, scope)
	if err != nil {
		return err
	}
	if err := SetBest(reg, kind, version); err != nil {
		return err
	}
	return m.saveRegistry(dbc, scope, reg)
}

func (m *Manager) loadRegistry(dbc dbctx.Context, scope Scope) (domain.AssetRegistry, error) {
	switch scope.Kind {
	case domain.AssetScopeProject:
		row, err := m.projects.GetByID(dbc, scope.ID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("asset scope %s: project not found", scope)
		}
		return DecodeRegistry(row.Assets)
	case domain.AssetScopeScene:
		row, err := m.scenes.GetByID(dbc, scope.ID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("asset scope %s: scene not found", scope)
		}
		return DecodeRegistry(row.Assets)
	case domain.AssetScopeCharacter:
		row, err := m.characters.GetByID(dbc, scope.ID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("asset scope %s: character not found", scope)
		}
		return DecodeRegistry(row.Assets)
	case domain.AssetScopeLocation:
		row, err := m.locations.GetByID(dbc, scope.ID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("asset scope %s: location not found", scope)
		}
		return DecodeRegistry(row.Assets)
	}
	return nil, fmt.Errorf("asset scope %s: unknown kind", scope)
}

func (m *Manager) saveRegistry(dbc dbctx.Context, scope Scope, reg domain.AssetRegistry) error {
	raw, err := EncodeRegistry(reg)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{"assets": raw}
	switch scope.Kind {
	case domain.AssetScopeProject:
		return m.projects.UpdateFields(dbc, scope.ID, updates)
	case domain.AssetScopeScene:
		return m.scenes.UpdateFields(dbc, scope.ID, updates)
	case domain.AssetScopeCharacter:
		return m.characters.UpdateFields(dbc, scope.ID, updates)
	case domain.AssetScopeLocation:
		return m.locations.UpdateFields(dbc, scope.ID, updates)
	}
	return fmt.Errorf("asset scope %s: unknown kind", scope)
}
