// Package conflict detects and resolves local/remote divergence for
// synchronized entities.
//
// Snapshots are compared as JSON documents over a fixed, entity-specific
// field set. Scalar fields conflict on inequality; structured fields
// (annotation lists, metadata maps) conflict on deep-equality failure.
package conflict

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/fieldproof/fieldproof/internal/entity"
)

// fieldSets lists the fields compared per entity type, in report order.
// Type-specific merge rules apply only to "annotations" (list union by id)
// and "metadata" (shallow map merge); everything else falls back to the
// timestamp rule.
var fieldSets = map[entity.Type][]string{
	entity.TypeBatch:   {"name", "status", "annotations", "metadata"},
	entity.TypePhoto:   {"file_path", "status", "annotations", "metadata"},
	entity.TypeProfile: {"fields"},
}

// Detect compares local and remote snapshots of an entity and returns the
// names of conflicting fields, in the entity's fixed field order.
func Detect(local, remote json.RawMessage, et entity.Type) ([]string, error) {
	fields, ok := fieldSets[et]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", et)
	}

	localMap, err := decodeSnapshot(local)
	if err != nil {
		return nil, fmt.Errorf("invalid local snapshot: %w", err)
	}
	remoteMap, err := decodeSnapshot(remote)
	if err != nil {
		return nil, fmt.Errorf("invalid remote snapshot: %w", err)
	}

	var conflicting []string
	for _, f := range fields {
		if !reflect.DeepEqual(normalize(localMap[f]), normalize(remoteMap[f])) {
			conflicting = append(conflicting, f)
		}
	}
	return conflicting, nil
}

func decodeSnapshot(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// normalize treats nil, empty lists, and empty maps as equal so that an
// absent field doesn't conflict with an explicitly empty one.
func normalize(v any) any {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
	}
	return v
}

// snapshotTime extracts the entity timestamp used by the timestamp
// strategy: updated_at, falling back to created_at.
func snapshotTime(m map[string]any) time.Time {
	for _, key := range []string{"updated_at", "created_at"} {
		if s, ok := m[key].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
