package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/fieldproof/fieldproof/internal/entity"
	"github.com/fieldproof/fieldproof/internal/store"
)

// Strategy selects how conflicting fields are reconciled.
type Strategy string

const (
	// StrategyTimestamp picks the side with the later updated_at wholesale.
	// Ties go to remote. This is the default.
	StrategyTimestamp Strategy = "timestamp"

	// StrategyMerge uses remote as the base, unions annotation lists by id,
	// shallow-merges metadata maps with local winning on key collision, and
	// falls back to the timestamp rule for every other conflicting field.
	StrategyMerge Strategy = "merge"

	// StrategyManual performs no automatic resolution: a conflict record is
	// persisted (or reused) and the outcome is reported unresolved, pending
	// operator action.
	StrategyManual Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTimestamp, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// Outcome is the result of one resolution attempt.
type Outcome struct {
	// Resolved is false only for the manual strategy, where the record
	// waits for ResolveManually.
	Resolved bool

	// Merged is the final data for the caller to persist and push.
	// Nil while unresolved.
	Merged json.RawMessage

	// RecordID identifies the persisted conflict record.
	RecordID string

	// StrategyUsed is stamped on every resolved outcome.
	StrategyUsed Strategy
}

// Resolver applies resolution strategies and keeps the conflict record
// book-keeping consistent: every resolution, automatic or manual, leaves a
// record with resolved=true and the strategy that won.
type Resolver struct {
	records *Records
	logger  *log.Logger
}

// NewResolver creates a Resolver. If logger is nil, a default stderr
// logger is used.
func NewResolver(db *store.DB, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Resolver{records: NewRecords(db), logger: logger}
}

// Records exposes the underlying record store for listing.
func (r *Resolver) Records() *Records {
	return r.records
}

// Resolve detects the conflicting fields between local and remote and
// applies the strategy. For timestamp and merge the outcome is resolved
// immediately and recorded; for manual an unresolved record is persisted
// (or reused) and the outcome reports Resolved=false.
func (r *Resolver) Resolve(ctx context.Context, et entity.Type, entityID, tenantID string, local, remote json.RawMessage, strategy Strategy) (*Outcome, error) {
	if strategy == "" {
		strategy = StrategyTimestamp
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	fields, err := Detect(local, remote, et)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		// Nothing diverged; remote is authoritative and no record is kept.
		return &Outcome{Resolved: true, Merged: remote, StrategyUsed: strategy}, nil
	}

	rec, err := r.records.Create(ctx, &Record{
		EntityType:        et,
		EntityID:          entityID,
		TenantID:          tenantID,
		LocalSnapshot:     local,
		RemoteSnapshot:    remote,
		ConflictingFields: fields,
	})
	if err != nil {
		return nil, err
	}

	if strategy == StrategyManual {
		r.logger.Printf("conflict on %s %s held for manual resolution (%s)", et, entityID, rec.ID)
		return &Outcome{Resolved: false, RecordID: rec.ID}, nil
	}

	merged, err := mergeSnapshots(local, remote, fields, strategy)
	if err != nil {
		return nil, err
	}
	if err := r.records.markResolved(ctx, rec.ID, strategy); err != nil {
		return nil, err
	}

	r.logger.Printf("resolved conflict on %s %s via %s (%d field(s))", et, entityID, strategy, len(fields))
	return &Outcome{Resolved: true, Merged: merged, RecordID: rec.ID, StrategyUsed: strategy}, nil
}

// ResolveManually completes a pending conflict record. With an override,
// the operator's data wins verbatim; otherwise the named automatic
// strategy is applied to the stored snapshots.
func (r *Resolver) ResolveManually(ctx context.Context, recordID string, strategy Strategy, override json.RawMessage) (*Outcome, error) {
	rec, err := r.records.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Resolved {
		return nil, ErrAlreadyResolved
	}

	var merged json.RawMessage
	used := strategy
	switch {
	case len(override) > 0:
		if !json.Valid(override) {
			return nil, fmt.Errorf("override is not valid JSON")
		}
		merged = override
		used = StrategyManual
	case strategy == StrategyTimestamp || strategy == StrategyMerge:
		merged, err = mergeSnapshots(rec.LocalSnapshot, rec.RemoteSnapshot, rec.ConflictingFields, strategy)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("manual resolution needs an override or an automatic strategy, got %q", strategy)
	}

	if err := r.records.markResolved(ctx, rec.ID, used); err != nil {
		return nil, err
	}

	r.logger.Printf("manually resolved conflict %s via %s", rec.ID, used)
	return &Outcome{Resolved: true, Merged: merged, RecordID: rec.ID, StrategyUsed: used}, nil
}

// mergeSnapshots produces the final document for resolved conflicts.
func mergeSnapshots(local, remote json.RawMessage, fields []string, strategy Strategy) (json.RawMessage, error) {
	localMap, err := decodeSnapshot(local)
	if err != nil {
		return nil, fmt.Errorf("invalid local snapshot: %w", err)
	}
	remoteMap, err := decodeSnapshot(remote)
	if err != nil {
		return nil, fmt.Errorf("invalid remote snapshot: %w", err)
	}

	localWins := snapshotTime(localMap).After(snapshotTime(remoteMap))

	if strategy == StrategyTimestamp {
		// The later side wins wholesale for all conflicting fields.
		if localWins {
			return local, nil
		}
		return remote, nil
	}

	// Merge: remote is the base; structured fields get type-specific
	// treatment, the rest follow the timestamp winner.
	merged := make(map[string]any, len(remoteMap))
	for k, v := range remoteMap {
		merged[k] = v
	}
	for _, f := range fields {
		switch f {
		case "annotations":
			merged[f] = unionByID(asList(remoteMap[f]), asList(localMap[f]))
		case "metadata", "fields":
			merged[f] = shallowMerge(asMap(remoteMap[f]), asMap(localMap[f]))
		default:
			if localWins {
				merged[f] = localMap[f]
			}
			// else keep the remote base value
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged snapshot: %w", err)
	}
	return out, nil
}

// unionByID unions two annotation lists by unique id: base entries keep
// their position, extra entries not present in base are appended. No
// duplicates by id.
func unionByID(base, extra []any) []any {
	seen := make(map[string]bool, len(base))
	out := make([]any, 0, len(base)+len(extra))
	for _, item := range base {
		out = append(out, item)
		if id := itemID(item); id != "" {
			seen[id] = true
		}
	}
	for _, item := range extra {
		id := itemID(item)
		if id != "" && seen[id] {
			continue
		}
		if id != "" {
			seen[id] = true
		}
		out = append(out, item)
	}
	return out
}

func itemID(item any) string {
	m, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}

// shallowMerge overlays local keys onto the remote base; local wins on
// collision.
func shallowMerge(base, local map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(local))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range local {
		out[k] = v
	}
	return out
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
