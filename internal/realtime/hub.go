package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hubSendBuffer  = 64
	hubWriteWait   = 10 * time.Second
	hubPongWait    = 45 * time.Second
	hubPingPeriod  = 15 * time.Second
	hubMaxPayload  = 1 << 20
	hubReadBuffer  = 8192
	hubWriteBuffer = 8192
)

// Event is the wire frame sent to subscribers.
type Event struct {
	Room    string `json:"room"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Hub is a websocket Emitter with per-room subscriber sets. Clients connect
// through ServeHTTP and name their rooms with repeated `room` query
// parameters. A client that cannot keep up with its send buffer is dropped.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*hubClient]struct{}
}

type hubClient struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	rooms []string

	closeOnce sync.Once
}

// NewHub creates an empty hub. A nil logger falls back to slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  hubReadBuffer,
			WriteBufferSize: hubWriteBuffer,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Emit marshals the event once and queues it to every subscriber of the room.
func (h *Hub) Emit(room, event string, payload any) {
	frame, err := json.Marshal(Event{Room: room, Event: event, Payload: payload})
	if err != nil {
		h.logger.Warn("failed to marshal realtime event", "error", err, "room", room, "event", event)
		return
	}

	h.mu.RLock()
	subscribers := make([]*hubClient, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	for _, client := range subscribers {
		select {
		case client.send <- frame:
		default:
			// Slow consumer. Drop the connection rather than block emitters.
			client.close()
		}
	}
}

// SubscriberCount returns the number of clients subscribed to a room.
func (h *Hub) SubscriberCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ServeHTTP upgrades the request and subscribes the connection to the rooms
// named in its `room` query parameters.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rooms := r.URL.Query()["room"]
	if len(rooms) == 0 {
		http.Error(w, "at least one room parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &hubClient{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, hubSendBuffer),
		rooms: rooms,
	}
	h.subscribe(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) subscribe(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range client.rooms {
		set := h.rooms[room]
		if set == nil {
			set = make(map[*hubClient]struct{})
			h.rooms[room] = set
		}
		set[client] = struct{}{}
	}
}

func (h *Hub) unsubscribe(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range client.rooms {
		if set := h.rooms[room]; set != nil {
			delete(set, client)
			if len(set) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

func (c *hubClient) close() {
	c.closeOnce.Do(func() {
		c.hub.unsubscribe(c)
		close(c.send)
	})
}

// readPump discards inbound frames; the hub is emit-only. It exists to
// service pongs and to detect closed connections.
func (c *hubClient) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(hubMaxPayload)
	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
