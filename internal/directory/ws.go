package directory

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PeerEvent is pushed to watchers when a peer registers or its
// address changes.
type PeerEvent struct {
	Type    string `json:"type"` // "registered" or "removed"
	PeerID  string `json:"peer_id"`
	Address string `json:"address,omitempty"`
	Port    int    `json:"port,omitempty"`
}

type watcherConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *watcherConn) send(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

// watchHub fans out PeerEvents to every connected watcher, the
// directory-side analogue of the teacher's WSHandler agent registry —
// narrowed from "push full network config to one agent" to "broadcast
// a peer event to every subscriber".
type watchHub struct {
	mu       sync.RWMutex
	watchers map[*watcherConn]struct{}
	log      *slog.Logger
}

func newWatchHub(log *slog.Logger) *watchHub {
	return &watchHub{
		watchers: make(map[*watcherConn]struct{}),
		log:      log.With("component", "directory.watch"),
	}
}

// HandleWatch upgrades a connection to a websocket and streams
// PeerEvents to it until the client disconnects.
func (h *watchHub) HandleWatch(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}
	w := &watcherConn{conn: conn}

	h.mu.Lock()
	h.watchers[w] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.watchers, w)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain and discard any client messages; this channel is
	// server-push only, but reading keeps the connection's close
	// frame handling alive.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes an event to every connected watcher.
func (h *watchHub) Broadcast(ev PeerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for w := range h.watchers {
		if err := w.send(ev); err != nil {
			h.log.Debug("watcher send failed", "err", err)
		}
	}
}

// Count reports the number of currently connected watchers.
func (h *watchHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}
