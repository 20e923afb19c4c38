// HealthHub broadcasts live SystemHealth snapshots to connected
// websocket clients, adapted from the teacher's ws_hub.go MetricsHub:
// single broadcaster goroutine, register/unregister channels, a
// connection cap, and a write-deadline-guarded JSON push on each tick.
package adminapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxforge/queuemanager/internal/logging"
)

const maxHealthStreamConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HealthHub manages websocket connections streaming periodic health
// snapshots. One hub serves every connection — there's nothing
// tenant-scoped here, unlike the teacher's per-tenant MetricsHub.
type HealthHub struct {
	srv *Server
	log *logging.Logger

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

func newHealthHub(srv *Server, log *logging.Logger) *HealthHub {
	return &HealthHub{
		srv:        srv,
		log:        log,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run drives the hub's main loop until ctx is canceled, broadcasting a
// fresh health snapshot every interval.
func (h *HealthHub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxHealthStreamConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warnf("health stream connection rejected: max connections (%d) reached", maxHealthStreamConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *HealthHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	snap := h.srv.budget.Snapshot()
	health := h.srv.mgr.Health(ctx, h.srv.agents.ActiveAgents(), h.srv.agents.MaxParallelAgents(), &snap)

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(health); err != nil {
			h.log.Warnf("health stream: write error, dropping client: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *HealthHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new client connection.
func (h *HealthHub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes a client connection.
func (h *HealthHub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount returns the number of currently connected clients.
func (h *HealthHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleHealthStream upgrades the request to a websocket and registers it
// with the hub. The bearer token, when configured, is checked via query
// parameter since browser WebSocket clients can't set custom headers.
func (s *Server) handleHealthStream(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.URL.Query().Get("token") != s.token {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("health stream: upgrade failed: %v", err)
		return
	}
	s.hub.Register(conn)
}
