// Package monitor serves a local WebSocket feed of sync activity.
//
// The daemon pushes task state changes, detected conflicts, and pass
// summaries to connected clients. The feed is observational only: nothing
// a client sends is acted on, and entity payloads are never broadcast,
// only identifiers and states.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fieldproof/fieldproof/internal/entity"
	"github.com/fieldproof/fieldproof/internal/queue"
	"github.com/fieldproof/fieldproof/internal/syncer"
)

// EventType identifies a feed event.
type EventType string

const (
	// EventTaskUpdate is emitted when a sync task changes state.
	EventTaskUpdate EventType = "task_update"

	// EventConflictDetected is emitted when divergence is held for manual
	// resolution.
	EventConflictDetected EventType = "conflict_detected"

	// EventPassComplete is emitted after each orchestrator pass.
	EventPassComplete EventType = "pass_complete"

	// EventStats carries queue depth counters.
	EventStats EventType = "stats"
)

// Event is one feed message.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TaskUpdateData describes a task state change.
type TaskUpdateData struct {
	TaskID   string       `json:"task_id"`
	Kind     queue.Kind   `json:"kind"`
	EntityID string       `json:"entity_id"`
	Status   queue.Status `json:"status"`
	Attempts int          `json:"attempts"`
	Error    string       `json:"error,omitempty"`
}

// ConflictData describes a held conflict.
type ConflictData struct {
	EntityType entity.Type `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	RecordID   string      `json:"record_id"`
}

// Server broadcasts Events to WebSocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 7317).
	Port int

	// Logger for server activity.
	Logger *log.Logger
}

// NewServer creates a monitor server. Start() binds the port.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.Port <= 0 {
		config.Port = 7317
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:    fmt.Sprintf("127.0.0.1:%d", config.Port),
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan Event, 100),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Start binds the listener and begins serving. Non-blocking.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Monitor listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Monitor server error: %v", err)
		}
	}()

	return nil
}

// Stop closes all connections and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// TaskUpdated implements syncer.Notifier.
func (s *Server) TaskUpdated(t *queue.Task) {
	s.emit(EventTaskUpdate, TaskUpdateData{
		TaskID:   t.ID,
		Kind:     t.Kind,
		EntityID: t.EntityID,
		Status:   t.Status,
		Attempts: t.Attempts,
		Error:    t.LastError,
	})
}

// ConflictDetected implements syncer.Notifier.
func (s *Server) ConflictDetected(et entity.Type, entityID, recordID string) {
	s.emit(EventConflictDetected, ConflictData{
		EntityType: et,
		EntityID:   entityID,
		RecordID:   recordID,
	})
}

// PassCompleted implements syncer.Notifier.
func (s *Server) PassCompleted(stats syncer.PassStats) {
	s.emit(EventPassComplete, stats)
}

// PublishStats broadcasts current queue depths.
func (s *Server) PublishStats(stats queue.Stats) {
	s.emit(EventStats, stats)
}

// emit marshals data and queues the event. Full channel drops the event:
// the feed is best-effort.
func (s *Server) emit(typ EventType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s event: %v", typ, err)
		return
	}
	ev := Event{Type: typ, Timestamp: time.Now(), Data: raw}

	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("Warning: event channel full, dropping %s", typ)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.events:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot stall
			// registration.
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Monitor client connected (total: %d)", count)

	go s.readLoop(conn)
}

// readLoop drains client frames so pings are answered; inbound content is
// ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	if exists {
		delete(s.clients, conn)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Monitor client disconnected (total: %d)", count)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
