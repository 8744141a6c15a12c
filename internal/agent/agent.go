package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remoteshell/remoteshell/internal/policy"
	"github.com/remoteshell/remoteshell/internal/protocol"
)

// Version is reported at startup and with -version.
const Version = "1.0.0"

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Agent maintains the coordinator session and executes dispatched commands.
type Agent struct {
	cfg       *Config
	log       zerolog.Logger
	validator *policy.Validator
	executor  *Executor

	mu   sync.Mutex
	conn *websocket.Conn

	backoff time.Duration
}

// New creates an agent from its configuration.
func New(cfg *Config, log zerolog.Logger) *Agent {
	return &Agent{
		cfg:       cfg,
		log:       log.With().Str("component", "agent").Logger(),
		validator: policy.New(cfg.Policy),
		executor:  NewExecutor(cfg, log),
		backoff:   cfg.Reconnect.InitialBackoff,
	}
}

// Run connects to the coordinator and maintains the session until the
// context is cancelled. Reconnects with capped exponential backoff plus
// jitter so a fleet does not stampede a restarting coordinator.
func (a *Agent) Run(ctx context.Context) error {
	dialURL, err := a.dialURL()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn, err := a.connect(ctx, dialURL)
		if err != nil {
			a.log.Error().Err(err).Dur("backoff", a.backoff).Msg("connection failed, retrying")
			if !a.waitBackoff(ctx) {
				return nil
			}
			continue
		}

		a.backoff = a.cfg.Reconnect.InitialBackoff
		a.runSession(ctx, conn)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if !a.waitBackoff(ctx) {
			return nil
		}
	}
}

// dialURL appends the token as a query parameter. The resulting URL carries
// the token and must never be logged.
func (a *Agent) dialURL() (string, error) {
	u, err := url.Parse(a.cfg.Server.URL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("token", a.cfg.Server.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Agent) connect(ctx context.Context, dialURL string) (*websocket.Conn, error) {
	a.log.Debug().Msg("connecting to coordinator")

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: !a.cfg.TLSVerify()},
	}

	conn, _, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// runSession reads frames until the connection dies.
func (a *Agent) runSession(ctx context.Context, conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		_ = conn.Close()
	}()

	livenessWait := 2 * a.cfg.Ping.Interval
	_ = conn.SetReadDeadline(time.Now().Add(livenessWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livenessWait))
	})

	go a.pingLoop(sessionCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.logDisconnect(err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(livenessWait))

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		a.handleFrame(sessionCtx, &frame)
	}
}

func (a *Agent) logDisconnect(err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case protocol.CloseSuperseded:
			a.log.Warn().Msg("session superseded by a newer connection")
			return
		case protocol.CloseLivenessLost:
			a.log.Warn().Msg("coordinator dropped session: liveness lost")
			return
		case websocket.CloseGoingAway:
			a.log.Info().Msg("coordinator shutting down")
			return
		case websocket.ClosePolicyViolation:
			a.log.Error().Msg("authentication rejected; check the configured token")
			return
		}
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.log.Error().Err(err).Msg("connection lost")
	}
}

func (a *Agent) handleFrame(ctx context.Context, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeWelcome:
		var payload protocol.WelcomePayload
		if err := frame.ParsePayload(&payload); err != nil {
			a.log.Warn().Err(err).Msg("bad welcome payload")
			return
		}
		a.log.Info().Str("agent_id", payload.AgentID).Msg("session established")
		local := a.validator.Config()
		if payload.Policy.MaxLength != local.MaxLength ||
			payload.Policy.AllowShellOperators != local.AllowShellOperators {
			a.log.Warn().
				Int("server_max_length", payload.Policy.MaxLength).
				Int("local_max_length", local.MaxLength).
				Msg("coordinator policy differs from local policy; local policy wins")
		}

	case protocol.TypeCommand:
		var payload protocol.CommandPayload
		if err := frame.ParsePayload(&payload); err != nil {
			a.log.Warn().Err(err).Msg("bad command payload")
			return
		}
		go a.executeCommand(ctx, &payload)

	case protocol.TypeCancel:
		var payload protocol.CancelPayload
		if err := frame.ParsePayload(&payload); err != nil {
			return
		}
		a.executor.Cancel(payload.CommandID)

	case protocol.TypePing:
		_ = a.sendFrame(protocol.TypePong, protocol.PingPayload{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})

	case protocol.TypePong:
		// Liveness only.

	default:
		a.log.Warn().Str("type", frame.Type).Msg("unknown frame type")
	}
}

// executeCommand re-validates and runs one dispatched command. The local
// policy is authoritative on this host: a command the coordinator accepted
// can still be refused here.
func (a *Agent) executeCommand(ctx context.Context, payload *protocol.CommandPayload) {
	log := a.log.With().Str("command_id", payload.CommandID).Logger()

	if rej := a.validator.Validate(payload.Command); rej != nil {
		log.Warn().Str("kind", string(rej.Kind)).Msg("refusing dispatched command")
		if err := a.sendFrame(protocol.TypeError, protocol.ErrorPayload{
			CommandID: payload.CommandID,
			Error:     rej.Error(),
		}); err != nil {
			log.Error().Err(err).Msg("failed to send error frame")
		}
		return
	}

	timeout := time.Duration(a.validator.EffectiveTimeout(payload.TimeoutSeconds)) * time.Second
	log.Info().Dur("timeout", timeout).Msg("executing command")

	result := a.executor.Run(ctx, payload.CommandID, payload.Command, timeout)

	if err := a.sendFrame(protocol.TypeResult, result); err != nil {
		log.Error().Err(err).Msg("failed to send result frame")
		return
	}
	log.Info().Int("exit_code", result.ExitCode).
		Float64("execution_time", result.ExecutionTime).
		Msg("command finished")
}

// pingLoop sends application-level pings while the session lives.
func (a *Agent) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Ping.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendFrame(protocol.TypePing, protocol.PingPayload{
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}
	}
}

// sendFrame serializes writes onto the single connection.
func (a *Agent) sendFrame(frameType string, payload any) error {
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return errors.New("not connected")
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a graceful close to the coordinator.
func (a *Agent) Close() {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// waitBackoff sleeps the backoff plus up to 50% jitter. Returns false when
// the context was cancelled.
func (a *Agent) waitBackoff(ctx context.Context) bool {
	wait := a.backoff
	if wait > 0 {
		wait += time.Duration(rand.Int63n(int64(wait)/2 + 1))
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	a.backoff *= 2
	if a.backoff > a.cfg.Reconnect.MaxBackoff {
		a.backoff = a.cfg.Reconnect.MaxBackoff
	}
	return true
}
