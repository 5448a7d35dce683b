// Package spool ingests sync work dropped as JSON sidecar files.
//
// The capture pipeline (and external tooling) writes one small JSON file
// per unit of work into the spool directory. The watcher picks files up,
// validates them against the active session, enqueues the described task,
// and removes the file. Malformed or foreign-tenant files are quarantined
// with a .rejected suffix so they cannot loop.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldproof/fieldproof/internal/queue"
	"github.com/fieldproof/fieldproof/internal/tenant"
)

// File is the sidecar format. Payload is passed through to the task
// untouched.
type File struct {
	Kind      queue.Kind      `json:"kind"`
	EntityID  string          `json:"entity_id"`
	TenantID  string          `json:"tenant_id"`
	Operation string          `json:"operation"`
	Priority  int             `json:"priority"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Config holds watcher tuning.
type Config struct {
	// DebounceInterval batches rapid writes to the same file before the
	// sidecar is read.
	DebounceInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Watcher watches the spool directory and feeds sidecars into the queue.
type Watcher struct {
	dir    string
	q      *queue.Queue
	guard  *tenant.Guard
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	// Enqueued is called after each successful enqueue. Used by the daemon
	// to trigger a sync pass. May be nil.
	Enqueued func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher over dir. Use Start() to begin processing.
func New(dir string, q *queue.Queue, guard *tenant.Guard, config *Config) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool dir cannot be empty")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		dir:         dir,
		q:           q,
		guard:       guard,
		config:      config,
		watcher:     fw,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start drains any sidecars already present, then watches for new ones.
// Blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}

	if err := w.DrainOnce(ctx); err != nil {
		return fmt.Errorf("initial drain failed: %w", err)
	}

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool dir %s: %w", w.dir, err)
	}
	w.config.Logger.Printf("Watching: %s", w.dir)

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	select {
	case <-ctx.Done():
		return w.Stop()
	case <-w.ctx.Done():
		return nil
	}
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *Watcher) Stop() error {
	w.cancel()
	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

// DrainOnce processes every sidecar currently in the spool directory.
func (w *Watcher) DrainOnce(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read spool dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		w.ingest(ctx, filepath.Join(w.dir, e.Name()))
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			w.changeQueueMu.Lock()
			w.changeQueue[event.Name] = time.Now()
			w.changeQueueMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processChangeQueue ingests queued files once their debounce window has
// passed.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *Watcher) processPending() {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		delete(w.changeQueue, path)
		w.ingest(w.ctx, path)
	}
}

// ingest reads, validates, and enqueues one sidecar file. The file is
// removed on success and quarantined on any validation failure.
func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.config.Logger.Printf("Error reading %s: %v", path, err)
		return
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		w.reject(path, fmt.Sprintf("malformed JSON: %v", err))
		return
	}

	task := &queue.Task{
		Kind:        f.Kind,
		EntityID:    f.EntityID,
		TenantID:    f.TenantID,
		Operation:   f.Operation,
		Priority:    f.Priority,
		Payload:     f.Payload,
		MaxAttempts: queue.DefaultMaxAttempts,
	}
	if err := task.Validate(); err != nil {
		w.reject(path, err.Error())
		return
	}

	// Sidecars can only enqueue work for the active session's tenant.
	if w.guard != nil {
		if sess, ok := w.guard.Session(); !ok || sess.TenantID != f.TenantID {
			w.reject(path, fmt.Sprintf("tenant %s does not match active session", f.TenantID))
			return
		}
	}

	if err := w.q.Enqueue(ctx, task); err != nil {
		var dup *queue.DuplicateError
		if errors.As(err, &dup) {
			// Already queued: the sidecar served its purpose.
			w.config.Logger.Printf("Duplicate of task %s: %s", dup.ExistingID, path)
			w.remove(path)
			return
		}
		w.config.Logger.Printf("Error enqueuing %s: %v", path, err)
		return
	}

	w.config.Logger.Printf("Enqueued %s %s from %s", task.Kind, task.EntityID, filepath.Base(path))
	w.remove(path)
	if w.Enqueued != nil {
		w.Enqueued()
	}
}

func (w *Watcher) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.config.Logger.Printf("Error removing %s: %v", path, err)
	}
}

// reject quarantines a bad sidecar under a .rejected suffix so repeated
// scans never pick it up again.
func (w *Watcher) reject(path, reason string) {
	w.config.Logger.Printf("Rejecting %s: %s", path, reason)
	if err := os.Rename(path, path+".rejected"); err != nil && !os.IsNotExist(err) {
		w.config.Logger.Printf("Error quarantining %s: %v", path, err)
	}
}
