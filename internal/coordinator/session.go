package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remoteshell/remoteshell/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer. Generous: result frames carry
	// captured stdout and stderr.
	maxMessageSize = 4 * 1024 * 1024

	// Outbound frame buffer per session.
	sendBufferSize = 64
)

// ErrSessionClosed is returned from SendFrame after the session shut down.
var ErrSessionClosed = errors.New("session closed")

// Session is one authenticated agent WebSocket connection.
type Session struct {
	conn    *websocket.Conn
	agentID string
	engine  *Engine
	log     zerolog.Logger

	pingInterval time.Duration

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, agentID string, engine *Engine, log zerolog.Logger, pingInterval time.Duration) *Session {
	return &Session{
		conn:         conn,
		agentID:      agentID,
		engine:       engine,
		log:          log.With().Str("component", "session").Str("agent", agentID).Logger(),
		pingInterval: pingInterval,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
	}
}

// AgentID returns the authenticated agent identity.
func (s *Session) AgentID() string {
	return s.agentID
}

// SendFrame queues a frame for the write pump. Fails when the session is
// closed or the buffer is full; the caller decides whether to requeue.
func (s *Session) SendFrame(frameType string, payload any) error {
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return fmt.Errorf("send buffer full for agent %s", s.agentID)
	}
}

// closeWithCode sends a close frame with the given code and tears the
// connection down. Safe to call multiple times.
func (s *Session) closeWithCode(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

// readPump reads frames until the connection dies. Runs on its own
// goroutine; owns all reads.
func (s *Session) readPump(registry *Registry) {
	defer func() {
		registry.Unregister(s)
		s.closeWithCode(websocket.CloseNormalClosure, "")
	}()

	livenessWait := 2 * s.pingInterval
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(livenessWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(livenessWait))
	})
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(livenessWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Warn().Dur("liveness", livenessWait).Msg("agent missed liveness window")
				s.closeWithCode(protocol.CloseLivenessLost, "liveness lost")
			} else if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Error().Err(err).Msg("read error")
			}
			return
		}

		// Any inbound traffic proves liveness.
		_ = s.conn.SetReadDeadline(time.Now().Add(livenessWait))

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.handleFrame(&frame)
	}
}

func (s *Session) handleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeResult:
		var payload protocol.ResultPayload
		if err := frame.ParsePayload(&payload); err != nil {
			s.log.Warn().Err(err).Msg("bad result payload")
			return
		}
		s.engine.HandleResult(s.agentID, &payload)

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := frame.ParsePayload(&payload); err != nil {
			s.log.Warn().Err(err).Msg("bad error payload")
			return
		}
		s.engine.HandleError(s.agentID, &payload)

	case protocol.TypePing:
		pong, _ := protocol.NewFrame(protocol.TypePong, protocol.PingPayload{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		data, _ := json.Marshal(pong)
		select {
		case s.send <- data:
		default:
		}

	case protocol.TypePong:
		// Deadline already refreshed above.

	default:
		s.log.Warn().Str("type", frame.Type).Msg("unknown frame type")
	}
}

// writePump writes queued frames and periodic pings. Runs on its own
// goroutine; owns all writes.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return

		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// Registry tracks live sessions, one per agent. A newer connection for the
// same agent supersedes the older one.
type Registry struct {
	engine  *Engine
	store   *Store
	metrics *Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(engine *Engine, store *Store, metrics *Metrics, log zerolog.Logger) *Registry {
	return &Registry{
		engine:   engine,
		store:    store,
		metrics:  metrics,
		log:      log.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Register installs a session as the agent's current one. The engine is
// bound before the superseded session is closed, so the old session's
// unregister cannot tear down in-flight state that now belongs to the new
// connection.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	old := r.sessions[s.agentID]
	r.sessions[s.agentID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.engine.Bind(s)

	if err := r.store.UpsertAgent(s.agentID, "online", ""); err != nil {
		r.log.Error().Err(err).Str("agent", s.agentID).Msg("failed to mark agent online")
	}
	r.metrics.AgentsOnline.Set(float64(count))

	if old != nil {
		r.log.Warn().Str("agent", s.agentID).Msg("superseding existing session")
		old.closeWithCode(protocol.CloseSuperseded, "superseded")
	}

	r.log.Info().Str("agent", s.agentID).Msg("agent connected")
}

// Unregister removes a session if it is still the agent's current one.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	current := r.sessions[s.agentID] == s
	if current {
		delete(r.sessions, s.agentID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !current {
		return
	}

	r.engine.Unbind(s)
	if err := r.store.MarkAgent(s.agentID, "offline"); err != nil {
		r.log.Error().Err(err).Str("agent", s.agentID).Msg("failed to mark agent offline")
	}
	r.metrics.AgentsOnline.Set(float64(count))

	r.log.Info().Str("agent", s.agentID).Msg("agent disconnected")
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every session with 1001 going away.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.closeWithCode(websocket.CloseGoingAway, "coordinator shutting down")
	}
}

// handleAgentSocket upgrades an agent connection. The token travels in the
// query string; a bad token still gets an upgrade so the agent receives a
// proper 1008 close code instead of a dangling HTTP error.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	token := r.URL.Query().Get("token")
	agentID, ok := authenticateToken(s.cfg.AgentTokens, token)
	if !ok {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("agent auth failed")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	sess := newSession(conn, agentID, s.engine, s.log, s.cfg.PingInterval)
	s.registry.Register(sess)

	// Welcome is queued before the pumps start, so it is the first frame on
	// the wire.
	pol := s.validator.Config()
	if err := sess.SendFrame(protocol.TypeWelcome, protocol.WelcomePayload{
		AgentID: agentID,
		Policy: protocol.PolicyEcho{
			MaxLength:           pol.MaxLength,
			MaxTimeoutSeconds:   pol.MaxTimeoutSeconds,
			AllowListEnabled:    pol.AllowListEnabled,
			AllowShellOperators: pol.AllowShellOperators,
		},
	}); err != nil {
		s.log.Error().Err(err).Str("agent", agentID).Msg("failed to queue welcome frame")
	}

	go sess.writePump()
	go sess.readPump(s.registry)
}
