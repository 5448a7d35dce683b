package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/fieldproof/fieldproof/internal/conflict"
	"github.com/fieldproof/fieldproof/internal/entity"
	"github.com/fieldproof/fieldproof/internal/queue"
	"github.com/fieldproof/fieldproof/internal/tenant"
)

// ErrPassInProgress is returned when a pass is triggered while another is
// running. Triggers coalesce: the caller treats this as "already being
// handled" and does not queue a second run.
var ErrPassInProgress = errors.New("sync pass already in progress")

// DefaultBudget bounds how many tasks one pass may process.
const DefaultBudget = 10

// DefaultBackoffBase seeds the exponential retry delay between attempts.
const DefaultBackoffBase = 2 * time.Second

const maxBackoff = 5 * time.Minute

// Notifier receives sync events for live monitoring. Implementations must
// not block; a nil Notifier disables notification.
type Notifier interface {
	TaskUpdated(t *queue.Task)
	ConflictDetected(et entity.Type, entityID, recordID string)
	PassCompleted(stats PassStats)
}

// PassStats summarizes one orchestrator pass.
type PassStats struct {
	Processed int           `json:"processed"`
	Completed int           `json:"completed"`
	Requeued  int           `json:"requeued"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Aborted   bool          `json:"aborted"` // connectivity lost mid-pass
	Duration  time.Duration `json:"duration"`
}

// Config tunes the orchestrator.
type Config struct {
	// Budget is the max tasks per pass (default 10).
	Budget int
	// BackoffBase seeds the exponential retry delay (default 2s).
	BackoffBase time.Duration
	// Strategy is the conflict resolution strategy applied during sync
	// (default timestamp).
	Strategy conflict.Strategy
	// Logger for pass activity.
	Logger *log.Logger
}

// Orchestrator is the coordinating sync loop: it leases ready tasks,
// dispatches them to the Remote adapter, routes divergence through the
// resolver, and keeps task state and entity sync mirrors consistent.
//
// Passes are serialized by an in-progress flag; overlapping triggers
// coalesce into the running pass. Failures local to one task never halt
// processing of the rest.
type Orchestrator struct {
	queue    *queue.Queue
	remote   Remote
	resolver *conflict.Resolver
	repo     *entity.Repo

	budget      int
	backoffBase time.Duration
	strategy    conflict.Strategy
	logger      *log.Logger
	notifier    Notifier

	inFlight atomic.Bool
	now      func() time.Time
}

// New creates an Orchestrator.
func New(q *queue.Queue, remote Remote, resolver *conflict.Resolver, repo *entity.Repo, cfg Config) *Orchestrator {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Strategy == "" {
		cfg.Strategy = conflict.StrategyTimestamp
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Orchestrator{
		queue:       q,
		remote:      remote,
		resolver:    resolver,
		repo:        repo,
		budget:      cfg.Budget,
		backoffBase: cfg.BackoffBase,
		strategy:    cfg.Strategy,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// SetNotifier attaches a monitor. Must be called before the first pass.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// Running reports whether a pass is currently executing.
func (o *Orchestrator) Running() bool {
	return o.inFlight.Load()
}

// RunPass executes one bounded sync pass. Returns ErrPassInProgress when
// another pass is already running.
func (o *Orchestrator) RunPass(ctx context.Context) (PassStats, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return PassStats{}, ErrPassInProgress
	}
	defer o.inFlight.Store(false)

	start := o.now()
	var stats PassStats

	// Tasks inside their backoff window keep their lease until the end of
	// the pass so the scan can move past them to ready work behind them.
	var deferred []string

	for stats.Processed < o.budget {
		if ctx.Err() != nil {
			stats.Aborted = true
			break
		}

		task, err := o.queue.DequeueNext(ctx)
		if errors.Is(err, queue.ErrNoTasks) {
			break
		}
		if err != nil {
			o.releaseAll(ctx, deferred)
			return stats, fmt.Errorf("failed to dequeue: %w", err)
		}

		if !o.eligible(task) {
			deferred = append(deferred, task.ID)
			continue
		}

		stats.Processed++
		outcome := o.processTask(ctx, task)
		switch outcome {
		case taskCompleted:
			stats.Completed++
		case taskRequeued:
			stats.Requeued++
		case taskFailed:
			stats.Failed++
		case taskConflict:
			stats.Conflicts++
		case taskAborted:
			// Connectivity gone: leave the task processing (the startup
			// sweep recovers it) and stop the pass.
			stats.Aborted = true
		}
		if stats.Aborted {
			break
		}
	}

	o.releaseAll(ctx, deferred)

	stats.Duration = o.now().Sub(start)
	o.logger.Printf("pass complete: processed=%d completed=%d requeued=%d failed=%d conflicts=%d aborted=%v",
		stats.Processed, stats.Completed, stats.Requeued, stats.Failed, stats.Conflicts, stats.Aborted)
	if o.notifier != nil {
		o.notifier.PassCompleted(stats)
	}
	return stats, nil
}

type taskOutcome int

const (
	taskCompleted taskOutcome = iota
	taskRequeued
	taskFailed
	taskConflict
	taskAborted
)

// releaseAll returns deferred leases to queued once the pass is over.
func (o *Orchestrator) releaseAll(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := o.queue.Release(ctx, id); err != nil {
			o.logger.Printf("failed to release %s: %v", id, err)
		}
	}
}

// eligible applies the exponential backoff window between attempts. The
// delay is enforced here, by the caller of the queue, not by the queue.
// Doubling stops at the cap, so arbitrarily large attempt counts cannot
// overflow into a negative delay.
func (o *Orchestrator) eligible(t *queue.Task) bool {
	if t.Attempts == 0 || t.LastAttemptedAt == nil {
		return true
	}
	delay := o.backoffBase
	for i := 1; i < t.Attempts && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return o.now().Sub(*t.LastAttemptedAt) >= delay
}

// processTask dispatches one leased task and settles its final state for
// this pass. Errors are absorbed into the task outcome so one bad task
// never halts the queue.
func (o *Orchestrator) processTask(ctx context.Context, t *queue.Task) taskOutcome {
	err := o.dispatch(ctx, t)
	switch {
	case err == nil:
		if mErr := o.queue.MarkCompleted(ctx, t.ID); mErr != nil {
			o.logger.Printf("failed to mark %s completed: %v", t.ID, mErr)
			return taskFailed
		}
		o.notifyTask(ctx, t.ID)
		return taskCompleted

	case errors.Is(err, errConflictHeld):
		if mErr := o.queue.MarkConflict(ctx, t.ID); mErr != nil {
			o.logger.Printf("failed to mark %s conflict: %v", t.ID, mErr)
		}
		o.notifyTask(ctx, t.ID)
		return taskConflict

	case IsUnreachable(err):
		o.logger.Printf("connectivity lost on %s: %v", t.ID, err)
		return taskAborted

	case IsTransient(err):
		final, rErr := o.queue.RequeueTransient(ctx, t.ID, err.Error())
		if rErr != nil {
			o.logger.Printf("failed to requeue %s: %v", t.ID, rErr)
			return taskFailed
		}
		o.notifyTask(ctx, t.ID)
		if final == queue.StatusFailed {
			o.mirrorState(ctx, t, entity.SyncError, 0)
			return taskFailed
		}
		return taskRequeued

	default:
		// Permanent: failed immediately regardless of attempts remaining.
		if mErr := o.queue.MarkFailed(ctx, t.ID, err.Error()); mErr != nil {
			o.logger.Printf("failed to mark %s failed: %v", t.ID, mErr)
		}
		o.mirrorState(ctx, t, entity.SyncError, 0)
		o.notifyTask(ctx, t.ID)
		return taskFailed
	}
}

// errConflictHeld signals dispatch that the divergence was persisted for
// manual resolution and the task must park in conflict state.
var errConflictHeld = errors.New("conflict held for manual resolution")

// dispatch executes a task's remote work by kind. A nil return means the
// backend accepted the final state and mirrors are updated.
func (o *Orchestrator) dispatch(ctx context.Context, t *queue.Task) error {
	payload, err := t.DecodePayload()
	if err != nil {
		// Malformed payloads are permanent failures by definition.
		return &RemoteError{Kind: KindPermanent, Message: err.Error()}
	}

	tc := tenant.Background(t.TenantID)

	switch p := payload.(type) {
	case *queue.BatchUploadPayload:
		if t.Kind == queue.KindBatchDelete {
			return o.pushTombstone(ctx, entity.TypeBatch, p.BatchID, t)
		}
		return o.pushBatch(ctx, tc, p.BatchID, t)
	case *queue.PhotoUploadPayload:
		return o.pushPhoto(ctx, tc, p.PhotoID, t)
	case *queue.ProfileUpdatePayload:
		return o.pushProfile(ctx, p, t)
	}
	return &RemoteError{Kind: KindPermanent, Message: fmt.Sprintf("unhandled payload for kind %s", t.Kind)}
}

func (o *Orchestrator) pushBatch(ctx context.Context, tc tenant.Context, batchID string, t *queue.Task) error {
	b, err := o.repo.GetBatch(ctx, tc, batchID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return &RemoteError{Kind: KindPermanent, Message: "batch vanished locally: " + batchID}
		}
		return err
	}

	local, err := json.Marshal(b)
	if err != nil {
		return &RemoteError{Kind: KindPermanent, Message: err.Error()}
	}

	res, err := o.remote.Push(ctx, entity.TypeBatch, b.ID, t.Operation, local)
	if err != nil {
		return err
	}
	if res.Status == PushAccepted {
		o.mirrorState(ctx, t, entity.SyncSynced, res.ServerVersion)
		return nil
	}

	return o.resolveAndRepush(ctx, tc, entity.TypeBatch, b.ID, local, res.Remote, t)
}

func (o *Orchestrator) pushPhoto(ctx context.Context, tc tenant.Context, photoID string, t *queue.Task) error {
	p, err := o.repo.GetPhoto(ctx, tc, photoID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return &RemoteError{Kind: KindPermanent, Message: "photo vanished locally: " + photoID}
		}
		return err
	}

	local, err := json.Marshal(p)
	if err != nil {
		return &RemoteError{Kind: KindPermanent, Message: err.Error()}
	}

	res, err := o.remote.Push(ctx, entity.TypePhoto, p.ID, t.Operation, local)
	if err != nil {
		return err
	}
	if res.Status == PushAccepted {
		o.mirrorState(ctx, t, entity.SyncSynced, res.ServerVersion)
		return nil
	}

	return o.resolveAndRepush(ctx, tc, entity.TypePhoto, p.ID, local, res.Remote, t)
}

func (o *Orchestrator) pushProfile(ctx context.Context, p *queue.ProfileUpdatePayload, t *queue.Task) error {
	body, err := json.Marshal(p)
	if err != nil {
		return &RemoteError{Kind: KindPermanent, Message: err.Error()}
	}

	res, err := o.remote.Push(ctx, entity.TypeProfile, p.UserID, t.Operation, body)
	if err != nil {
		return err
	}
	if res.Status == PushAccepted {
		return nil
	}

	// Profiles have no local mirror row; resolve and push the merged doc.
	outcome, err := o.resolver.Resolve(ctx, entity.TypeProfile, p.UserID, t.TenantID, body, res.Remote, o.strategy)
	if err != nil {
		return err
	}
	if !outcome.Resolved {
		if o.notifier != nil {
			o.notifier.ConflictDetected(entity.TypeProfile, p.UserID, outcome.RecordID)
		}
		return errConflictHeld
	}

	res, err = o.remote.Push(ctx, entity.TypeProfile, p.UserID, t.Operation, outcome.Merged)
	if err != nil {
		return err
	}
	if res.Status != PushAccepted {
		return errConflictHeld
	}
	return nil
}

func (o *Orchestrator) pushTombstone(ctx context.Context, et entity.Type, id string, t *queue.Task) error {
	body := json.RawMessage(`{"deleted":true}`)
	res, err := o.remote.Push(ctx, et, id, "delete", body)
	if err != nil {
		return err
	}
	if res.Status != PushAccepted {
		// Remote refused to delete; a diverged tombstone is operator work.
		outcome, rErr := o.resolver.Resolve(ctx, et, id, t.TenantID, body, res.Remote, conflict.StrategyManual)
		if rErr != nil {
			return rErr
		}
		if o.notifier != nil {
			o.notifier.ConflictDetected(et, id, outcome.RecordID)
		}
		return errConflictHeld
	}
	return nil
}

// resolveAndRepush routes a diverged upload through the resolver. Resolved
// data is persisted locally and pushed once more; a second rejection parks
// the task in conflict state.
func (o *Orchestrator) resolveAndRepush(ctx context.Context, tc tenant.Context, et entity.Type, id string, local, remote json.RawMessage, t *queue.Task) error {
	outcome, err := o.resolver.Resolve(ctx, et, id, t.TenantID, local, remote, o.strategy)
	if err != nil {
		return err
	}

	if !outcome.Resolved {
		o.mirrorState(ctx, t, entity.SyncConflict, 0)
		if o.notifier != nil {
			o.notifier.ConflictDetected(et, id, outcome.RecordID)
		}
		return errConflictHeld
	}

	if err := o.applyMerged(ctx, tc, et, id, outcome.Merged); err != nil {
		return err
	}

	res, err := o.remote.Push(ctx, et, id, t.Operation, outcome.Merged)
	if err != nil {
		return err
	}
	if res.Status != PushAccepted {
		// Still diverging after resolution: hold for an operator.
		o.mirrorState(ctx, t, entity.SyncConflict, 0)
		if o.notifier != nil {
			o.notifier.ConflictDetected(et, id, outcome.RecordID)
		}
		return errConflictHeld
	}

	o.mirrorState(ctx, t, entity.SyncSynced, res.ServerVersion)
	return nil
}

// applyMerged persists resolver output into the local entity row.
func (o *Orchestrator) applyMerged(ctx context.Context, tc tenant.Context, et entity.Type, id string, merged json.RawMessage) error {
	switch et {
	case entity.TypeBatch:
		var b entity.Batch
		if err := json.Unmarshal(merged, &b); err != nil {
			return &RemoteError{Kind: KindPermanent, Message: "merged batch unmarshal: " + err.Error()}
		}
		b.ID = id
		b.TenantID = tc.TenantID
		return o.repo.UpdateBatch(ctx, tc, &b)
	case entity.TypePhoto:
		var p entity.Photo
		if err := json.Unmarshal(merged, &p); err != nil {
			return &RemoteError{Kind: KindPermanent, Message: "merged photo unmarshal: " + err.Error()}
		}
		p.ID = id
		p.TenantID = tc.TenantID
		return o.repo.UpdatePhoto(ctx, tc, &p)
	}
	return nil
}

// mirrorState updates the entity's sync mirror for the task's subject.
// Mirror failures are logged, not fatal: the task state is authoritative.
func (o *Orchestrator) mirrorState(ctx context.Context, t *queue.Task, state entity.SyncState, serverVersion int64) {
	tc := tenant.Background(t.TenantID)
	var err error
	switch t.Kind {
	case queue.KindBatchUpload:
		err = o.repo.SetBatchSyncState(ctx, tc, t.EntityID, state, serverVersion)
	case queue.KindPhotoUpload:
		err = o.repo.SetPhotoSyncState(ctx, tc, t.EntityID, state, serverVersion)
	default:
		return
	}
	if err != nil && !errors.Is(err, entity.ErrNotFound) {
		o.logger.Printf("failed to mirror %s on %s: %v", state, t.EntityID, err)
	}
}

func (o *Orchestrator) notifyTask(ctx context.Context, id string) {
	if o.notifier == nil {
		return
	}
	if t, err := o.queue.Get(ctx, id); err == nil {
		o.notifier.TaskUpdated(t)
	}
}
