package session

import (
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-rover/internal/protocol"
	"github.com/technosupport/ts-rover/internal/telemetry"
	"github.com/technosupport/ts-rover/internal/tokens"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

// Registry is where new sessions subscribe themselves for telemetry
// fan-out. Satisfied by telemetry.Broadcaster.
type Registry interface {
	Register(s telemetry.Subscriber)
	Unregister(id string)
}

// Hub tracks live sessions and turns HTTP upgrades (and uplink dials)
// into running Sessions.
type Hub struct {
	tokens   *tokens.Manager
	handler  CommandHandler
	registry Registry
	statusFn func() any

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub wires the session layer. statusFn supplies the snapshot pushed
// to every peer right after connect.
func NewHub(tm *tokens.Manager, handler CommandHandler, registry Registry, statusFn func() any) *Hub {
	return &Hub{
		tokens:   tm,
		handler:  handler,
		registry: registry,
		statusFn: statusFn,
		sessions: make(map[string]*Session),
	}
}

// ServeWS is the /ws endpoint. Auth rides a query parameter, the
// standard for websockets; an empty signing key disables auth and admits
// anonymous operators.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	clientID := "anonymous"
	role := tokens.RoleOperator

	if h.tokens.Enabled() {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		claims, err := h.tokens.Validate(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		clientID = claims.ClientID
		role = claims.Role
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS Upgrade Failed: %v", err)
		return
	}

	s := h.adopt(conn, clientID, role)
	log.Printf("WS Connected: session=%s client=%s role=%s", s.id, clientID, role)
	s.run()
}

// Adopt turns an already-dialed connection (the operator uplink) into a
// session and blocks until it dies.
func (h *Hub) Adopt(conn *websocket.Conn, clientID string, role tokens.Role) {
	s := h.adopt(conn, clientID, role)
	log.Printf("WS Uplink session=%s client=%s", s.id, clientID)
	s.run()
}

func (h *Hub) adopt(conn *websocket.Conn, clientID string, role tokens.Role) *Session {
	s := newSession(h, conn, uuid.NewString(), clientID, role)

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	metricSessionsTotal.Inc()
	metricSessionsActive.Inc()
	h.registry.Register(s)

	// Every peer gets the current status immediately so dashboards
	// render without waiting for the next broadcast.
	if h.statusFn != nil {
		s.Send(protocol.TypeStatusUpdate, h.statusFn(), "")
	}
	return s
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if !ok {
		return
	}
	metricSessionsActive.Dec()
	h.registry.Unregister(s.id)
	log.Printf("WS Disconnected: session=%s client=%s", s.id, s.clientID)
}

// Count reports open sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll tears down every session, used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.Kick()
	}
}
