package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event is one entry on the panel's live stream.
type Event struct {
	Type     string    `json:"type"` // "message" or "file"
	Time     time.Time `json:"time"`
	Src      string    `json:"src,omitempty"`
	Dst      string    `json:"dst,omitempty"`
	Content  string    `json:"content,omitempty"`
	Kind     string    `json:"message_type,omitempty"`
	FileID   string    `json:"file_id,omitempty"`
	FilePath string    `json:"file_path,omitempty"`
}

// HistoryEntry is one row of the message history view.
type HistoryEntry struct {
	Time      time.Time `json:"time"`
	Direction string    `json:"direction"` // "sent" or "received"
	Src       string    `json:"src"`
	Dst       string    `json:"dst"`
	Content   string    `json:"content"`
	Kind      string    `json:"message_type"`
}

var upgrader = websocket.Upgrader{
	// The API listens on loopback for the local panel; cross-origin
	// browsers are not part of the deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans events out to every connected panel websocket.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: map[*websocket.Conn]struct{}{}}
}

// Broadcast sends an event to every client, dropping clients whose
// connection has failed.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			logrus.Debugf("Dropping event stream client: %v", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// ServeWS upgrades a request to a websocket and keeps it registered until
// the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("Event stream upgrade failed: %v", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Drain control frames; an error means the client is gone.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				delete(h.clients, conn)
				h.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}
