package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/fieldproof/fieldproof/internal/queue"
	"github.com/fieldproof/fieldproof/internal/syncer"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(&Config{
		Port:   17431,
		Logger: log.New(io.Discard, "", 0),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

// The health endpoint answers with status and client count.
func TestServer_Health(t *testing.T) {
	s := startTestServer(t)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Status != "ok" || body.Clients != 0 {
		t.Fatalf("health = %+v, want ok with 0 clients", body)
	}
}

// A connected client receives emitted events as JSON frames.
func TestServer_Broadcast(t *testing.T) {
	s := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForClients(t, s, 1)

	s.TaskUpdated(&queue.Task{
		ID:       "task-1",
		Kind:     queue.KindBatchUpload,
		EntityID: "b1",
		Status:   queue.StatusCompleted,
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if ev.Type != EventTaskUpdate {
		t.Fatalf("Type = %q, want task_update", ev.Type)
	}
	var upd TaskUpdateData
	if err := json.Unmarshal(ev.Data, &upd); err != nil {
		t.Fatalf("Unmarshal(data) failed: %v", err)
	}
	if upd.TaskID != "task-1" || upd.Status != queue.StatusCompleted {
		t.Fatalf("data = %+v", upd)
	}
}

// Pass summaries and queue stats go out on the same feed.
func TestServer_PassAndStatsEvents(t *testing.T) {
	s := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForClients(t, s, 1)

	s.PassCompleted(syncer.PassStats{Processed: 2, Completed: 2})
	s.PublishStats(queue.Stats{Queued: 1})

	types := []EventType{}
	for i := 0; i < 2; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read() failed: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Unmarshal() failed: %v", err)
		}
		types = append(types, ev.Type)
	}
	if types[0] != EventPassComplete || types[1] != EventStats {
		t.Fatalf("types = %v, want [pass_complete stats]", types)
	}
}

// Emitting with no clients connected never blocks.
func TestServer_EmitWithoutClients(t *testing.T) {
	s := startTestServer(t)

	for i := 0; i < 200; i++ {
		s.ConflictDetected("batch", "b1", "rec-1")
	}
	if s.ClientCount() != 0 {
		t.Fatalf("ClientCount() = %d, want 0", s.ClientCount())
	}
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ClientCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ClientCount() = %d, want %d", s.ClientCount(), n)
}
