package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRoomNames(t *testing.T) {
	if got := ConversationRoom("c1"); got != "conv:c1" {
		t.Errorf("ConversationRoom = %q", got)
	}
	if got := OrgRoom("o1"); got != "org:o1" {
		t.Errorf("OrgRoom = %q", got)
	}
}

func TestNopEmitter(t *testing.T) {
	var e Emitter = NopEmitter{}
	e.Emit("conv:c1", "new-message", map[string]any{"id": "m1"})
}

func dialRoom(t *testing.T, url, room string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "?room=" + room
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, hub *Hub, room string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount(room) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d subscribers", room, want)
}

func TestHubEmitReachesRoomSubscribers(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialRoom(t, server.URL, "conv:c1")
	other := dialRoom(t, server.URL, "conv:c2")
	waitForSubscribers(t, hub, "conv:c1", 1)
	waitForSubscribers(t, hub, "conv:c2", 1)

	hub.Emit("conv:c1", "new-message", map[string]any{"id": "m1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var event Event
	if err := json.Unmarshal(frame, &event); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if event.Room != "conv:c1" || event.Event != "new-message" {
		t.Errorf("unexpected event: %+v", event)
	}
	payload, ok := event.Payload.(map[string]any)
	if !ok || payload["id"] != "m1" {
		t.Errorf("unexpected payload: %+v", event.Payload)
	}

	// The other room must not receive the event.
	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("subscriber of another room received the event")
	}
}

func TestHubCleansUpClosedConnections(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialRoom(t, server.URL, "conv:c1")
	waitForSubscribers(t, hub, "conv:c1", 1)

	conn.Close()
	waitForSubscribers(t, hub, "conv:c1", 0)

	// Emitting into an empty room is a no-op.
	hub.Emit("conv:c1", "new-message", nil)
}

func TestHubRequiresRoom(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Error("expected dial without room to fail")
	} else if resp != nil && resp.StatusCode != 400 {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}
