package assets

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/videoforge-backend/internal/domain"
)

// Scope addresses one asset registry: a project row or one of its children.
type Scope struct {
	Kind domain.AssetScopeKind
	ID   string
}

func ProjectScope(id string) Scope { return Scope{Kind: domain.AssetScopeProject, ID: id} }
func SceneScope(id string) Scope   { return Scope{Kind: domain.AssetScopeScene, ID: id} }
func CharacterScope(id string) Scope {
	return Scope{Kind: domain.AssetScopeCharacter, ID: id}
}
func LocationScope(id string) Scope { return Scope{Kind: domain.AssetScopeLocation, ID: id} }

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// DecodeRegistry parses an assets JSON column. Empty and null columns decode
// to an empty registry.
func DecodeRegistry(raw datatypes.JSON) (domain.AssetRegistry, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.AssetRegistry{}, nil
	}
	var reg domain.AssetRegistry
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("decode asset registry: %w", err)
	}
	if reg == nil {
		reg = domain.AssetRegistry{}
	}
	return reg, nil
}

func EncodeRegistry(reg domain.AssetRegistry) (datatypes.JSON, error) {
	if reg == nil {
		reg = domain.AssetRegistry{}
	}
	b, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("encode asset registry: %w", err)
	}
	return datatypes.JSON(b), nil
}

// NextVersionNumber returns len(versions)+1 for the kind; 1 for an absent
// history.
func NextVersionNumber(reg domain.AssetRegistry, kind domain.AssetKind) int {
	h, ok := reg[kind]
	if !ok || h == nil {
		return 1
	}
	return len(h.Versions) + 1
}

// Append adds new versions for one asset kind. Versions stay dense from 1;
// existing versions are never touched. When setAsBest is true the best
// pointer advances to the last appended version. Returns the appended
// versions.
func Append(reg domain.AssetRegistry, kind domain.AssetKind, types []domain.AssetType, datas []string, meta domain.AssetVersionMetadata, setAsBest bool) ([]domain.AssetVersion, error) {
	if len(datas) == 0 {
		return nil, fmt.Errorf("append %s: no data", kind)
	}
	if len(types) != len(datas) {
		return nil, fmt.Errorf("append %s: %d types for %d datas", kind, len(types), len(datas))
	}
	h, ok := reg[kind]
	if !ok || h == nil {
		h = &domain.AssetHistory{}
		reg[kind] = h
	}
	now := time.Now().UTC()
	appended := make([]domain.AssetVersion, 0, len(datas))
	for i, data := range datas {
		v := domain.AssetVersion{
			Version:   len(h.Versions) + 1,
			Data:      data,
			Type:      types[i],
			Metadata:  meta,
			CreatedAt: now,
		}
		h.Versions = append(h.Versions, v)
		appended = append(appended, v)
	}
	if setAsBest {
		h.Best = len(h.Versions)
	}
	return appended, nil
}

// BestVersion returns the version at the best pointer, or nil when unset.
func BestVersion(reg domain.AssetRegistry, kind domain.AssetKind) *domain.AssetVersion {
	h, ok := reg[kind]
	if !ok || h == nil || h.Best <= 0 || h.Best > len(h.Versions) {
		return nil
	}
	v := h.Versions[h.Best-1]
	return &v
}

// SetBest moves the best pointer. 0 is the unset sentinel; anything outside
// [0, len(versions)] is rejected. Idempotent.
func SetBest(reg domain.AssetRegistry, kind domain.AssetKind, version int) error {
	h, ok := reg[kind]
	if !ok || h == nil {
		if version == 0 {
			return nil
		}
		return fmt.Errorf("set best %s: no history", kind)
	}
	if version < 0 || version > len(h.Versions) {
		return fmt.Errorf("set best %s: version %d out of range [0,%d]", kind, version, len(h.Versions))
	}
	h.Best = version
	return nil
}
