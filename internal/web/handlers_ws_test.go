package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"republic-center/internal/events"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

func clientCount(hub *WSHub) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)
	if n := clientCount(hub); n != 1 {
		t.Errorf("after register: count = %d, want 1", n)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)
	if n := clientCount(hub); n != 0 {
		t.Errorf("after unregister: count = %d, want 0", n)
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(events.Event{Type: events.EventHealth, Data: map[string]string{"status": "optimal"}})
	time.Sleep(10 * time.Millisecond)

	for name, c := range map[string]*wsClient{"c1": c1, "c2": c2} {
		select {
		case msg := <-c.send:
			var e events.Event
			if err := json.Unmarshal(msg, &e); err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if e.Type != events.EventHealth {
				t.Errorf("%s: type = %q", name, e.Type)
			}
		default:
			t.Errorf("%s did not receive broadcast", name)
		}
	}
}

func TestWSHubSubscriptionFilter(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	health := &wsClient{send: make(chan []byte, 16)}
	health.subscribe([]string{events.EventHealth})
	all := &wsClient{send: make(chan []byte, 16)}

	hub.register <- health
	hub.register <- all
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(events.Event{Type: events.EventLogEntry})
	hub.Broadcast(events.Event{Type: events.EventHealth})
	time.Sleep(20 * time.Millisecond)

	if got := len(health.send); got != 1 {
		t.Errorf("filtered client got %d messages, want 1", got)
	}
	if got := len(all.send); got != 2 {
		t.Errorf("unfiltered client got %d messages, want 2", got)
	}

	health.subscribe(nil)
	if !health.wants(events.EventLogEntry) {
		t.Error("empty subscription should receive everything")
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(events.Event{Type: "msg1"})
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast(events.Event{Type: "msg2"})
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDoesNotBlock(t *testing.T) {
	hub := newTestHub()
	// Hub not running: the channel fills up and further events are dropped.
	for i := 0; i < 256; i++ {
		hub.Broadcast(events.Event{Type: "fill"})
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(events.Event{Type: "overflow"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	hub.Stop() // idempotent
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestWSHubUnregisterNonExistentClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)

	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func TestWSStream(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() events.Event {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return e
	}

	if e := read(); e.Type != EventSnapshot {
		t.Fatalf("first message = %q, want %q", e.Type, EventSnapshot)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"subscribe":["session_state"]}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Give the read pump time to apply the filter.
	time.Sleep(50 * time.Millisecond)

	srv.center.Toggle()

	if e := read(); e.Type != events.EventSessionState {
		t.Errorf("got %q, want %q (log entries must be filtered)", e.Type, events.EventSessionState)
	}
}
