package api

import (
	"net/http"
	"sync"
	"time"

	"aldesbridge/internal/device"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 5 * time.Second

// snapshotEvent is one message on the websocket stream.
type snapshotEvent struct {
	Type     string           `json:"type"`
	DeviceID string           `json:"device_id"`
	Snapshot *device.Snapshot `json:"snapshot"`
}

// wsClient is one connected host. gorilla/websocket allows at most one
// concurrent writer per connection; writeMu serializes every write,
// including deadlines and the close frame.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex // Protects websocket writes
}

func (c *wsClient) writeEvent(event snapshotEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(event)
}

func (c *wsClient) writeClose() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// hub fans snapshot updates out to connected websocket clients. A client
// that cannot keep up is dropped rather than buffered without bound.
type hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]bool
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*wsClient]bool),
	}
}

func (h *hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{conn: conn}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Websocket client connected",
		zap.String("remote_addr", r.RemoteAddr), zap.Int("clients", total))

	// Drain reads so close frames and pings are processed; the stream is
	// one-way from the bridge to the host.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(client)
				return
			}
		}
	}()
}

func (h *hub) broadcastSnapshot(deviceID string, snap *device.Snapshot) {
	event := snapshotEvent{Type: "snapshot", DeviceID: deviceID, Snapshot: snap}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if err := client.writeEvent(event); err != nil {
			h.logger.Warn("Dropping stalled websocket client", zap.Error(err))
			h.drop(client)
		}
	}
}

func (h *hub) drop(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.conn.Close()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*wsClient]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.writeClose()
		client.conn.Close()
	}
}
