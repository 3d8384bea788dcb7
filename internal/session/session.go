// Package session owns websocket connection lifecycles: the inbound
// listener side and the outbound operator uplink both funnel into the
// same Session type, which is also the telemetry delivery target.
package session

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/technosupport/ts-rover/internal/protocol"
	"github.com/technosupport/ts-rover/internal/tokens"
)

var (
	metricSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_sessions_total",
		Help: "Websocket sessions accepted since start",
	})
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rover_sessions_active",
		Help: "Currently open websocket sessions",
	})
	metricSendDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_session_send_drops_total",
		Help: "Messages dropped because a session send buffer was full",
	})
)

// ErrSlowConsumer is returned by Deliver when a session's send buffer is
// full. The broadcaster treats it as fatal for that session; a kicked
// uplink re-dials with backoff.
var ErrSlowConsumer = fmt.Errorf("%w: session send buffer full", protocol.ErrTransport)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 512 * 1024

	// Inbound command budget per session.
	cmdRate  = 20
	cmdBurst = 40
)

// State tracks a session through its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// CommandHandler consumes parsed inbound envelopes. Implemented by the
// command router.
type CommandHandler interface {
	HandleCommand(s *Session, env *protocol.Envelope)
}

// Session is one live websocket peer. Reads happen on the readPump
// goroutine, writes only on the writePump goroutine; everyone else talks
// to the send channel.
type Session struct {
	id       string
	clientID string
	role     tokens.Role

	conn    *websocket.Conn
	send    chan []byte
	state   atomic.Int32
	lastAct atomic.Int64
	video   atomic.Bool
	limiter *rate.Limiter

	// lastMode dedups repeated set_mode requests from this peer.
	modeMu   sync.Mutex
	lastMode string

	// sendMu fences Deliver against Kick closing the send channel.
	sendMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
	hub       *Hub
}

func newSession(hub *Hub, conn *websocket.Conn, id, clientID string, role tokens.Role) *Session {
	s := &Session{
		id:       id,
		clientID: clientID,
		role:     role,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(cmdRate), cmdBurst),
		hub:      hub,
	}
	s.state.Store(int32(StateConnecting))
	s.touch()
	return s
}

// ID implements telemetry.Subscriber.
func (s *Session) ID() string { return s.id }

// ClientID is the authenticated principal, or "anonymous".
func (s *Session) ClientID() string { return s.clientID }

// Role reports the session's permission tier.
func (s *Session) Role() tokens.Role { return s.role }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// WantsVideo implements telemetry.Subscriber.
func (s *Session) WantsVideo() bool { return s.video.Load() }

// SetVideo toggles video frame delivery for this session.
func (s *Session) SetVideo(on bool) { s.video.Store(on) }

// LastActivity is the time of the most recent inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastAct.Load())
}

func (s *Session) touch() {
	s.lastAct.Store(time.Now().UnixNano())
}

// SyncMode records a requested mode and reports whether this session
// already asked for it. Used to make repeated set_mode idempotent per
// peer.
func (s *Session) SyncMode(mode string) (repeat bool) {
	s.modeMu.Lock()
	defer s.modeMu.Unlock()
	if s.lastMode == mode {
		return true
	}
	s.lastMode = mode
	return false
}

// Deliver implements telemetry.Subscriber. It never blocks; a full
// buffer means the peer is too slow to keep.
func (s *Session) Deliver(msg []byte) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return ErrSlowConsumer
	}
	select {
	case s.send <- msg:
		return nil
	default:
		metricSendDrops.Inc()
		return ErrSlowConsumer
	}
}

// Send marshals and queues an outbound message, dropping it if the
// session is backed up.
func (s *Session) Send(msgType string, data any, id string) {
	raw, err := protocol.Marshal(msgType, data, id)
	if err != nil {
		log.Printf("session %s: marshal %s: %v", s.id, msgType, err)
		return
	}
	if err := s.Deliver(raw); err != nil {
		log.Printf("session %s: outbound %s dropped: %v", s.id, msgType, err)
	}
}

// SendError reports a command failure to this peer only.
func (s *Session) SendError(message, id string) {
	s.Send(protocol.TypeError, map[string]string{"message": message}, id)
}

// Kick implements telemetry.Subscriber: tear the session down without
// waiting for the peer.
func (s *Session) Kick() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.sendMu.Lock()
		s.closed = true
		close(s.send)
		s.sendMu.Unlock()
		_ = s.conn.Close()
		s.hub.remove(s)
	})
}

// run drives both pumps and returns when the connection dies.
func (s *Session) run() {
	s.state.Store(int32(StateOpen))
	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer s.Kick()
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("session %s: read: %v", s.id, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()

		// Legacy firmware consoles probe with a bare text ping.
		if string(msg) == "ping" {
			if err := s.Deliver([]byte("pong")); err != nil {
				return
			}
			continue
		}

		env, err := protocol.Parse(msg)
		if err != nil {
			log.Printf("session %s: bad frame: %v", s.id, err)
			s.SendError("malformed message", "")
			continue
		}
		if !s.limiter.Allow() {
			s.SendError("rate limited", env.ID)
			continue
		}
		s.hub.handler.HandleCommand(s, env)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Kick()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
