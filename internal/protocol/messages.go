// Package protocol defines the WebSocket frame types shared between the
// coordinator and agents. Every frame on the wire is a JSON envelope with a
// type tag and a type-specific payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope for all WebSocket messages.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame types (coordinator → agent)
const (
	TypeWelcome = "welcome"
	TypeCommand = "command"
	TypeCancel  = "cancel"
	TypePong    = "pong"
)

// Frame types (agent → coordinator)
const (
	TypeResult = "result"
	TypeError  = "error"
	TypePing   = "ping"
)

// NewFrame creates a frame with the given type and payload.
func NewFrame(frameType string, payload any) (*Frame, error) {
	if payload == nil {
		return &Frame{Type: frameType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	return &Frame{Type: frameType, Payload: data}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (f *Frame) ParsePayload(target any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	return json.Unmarshal(f.Payload, target)
}

// WelcomePayload is the first frame the coordinator sends after the
// handshake. It echoes the agent identity and the server-side policy so the
// agent can log drift between the two.
type WelcomePayload struct {
	AgentID string     `json:"agent_id"`
	Policy  PolicyEcho `json:"policy"`
}

// PolicyEcho is the validator configuration the coordinator applies.
type PolicyEcho struct {
	MaxLength           int  `json:"max_length"`
	MaxTimeoutSeconds   int  `json:"max_timeout_seconds"`
	AllowListEnabled    bool `json:"allow_list_enabled"`
	AllowShellOperators bool `json:"allow_shell_operators"`
}

// CommandPayload dispatches a single command for execution.
type CommandPayload struct {
	CommandID      string `json:"command_id"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Priority       int    `json:"priority"`
}

// CancelPayload asks the agent to stop a running command. Best effort: the
// coordinator has already recorded the terminal state when this is sent.
type CancelPayload struct {
	CommandID string `json:"command_id"`
	Reason    string `json:"reason"`
}

// ResultPayload reports a finished execution.
type ResultPayload struct {
	CommandID     string  `json:"command_id"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"` // seconds
}

// ErrorPayload reports that a command could not be executed at all, for
// example when the agent's own validator rejected it.
type ErrorPayload struct {
	CommandID string `json:"command_id"`
	Error     string `json:"error"`
}

// PingPayload carries the sender's clock for optional skew logging.
type PingPayload struct {
	Timestamp string `json:"timestamp,omitempty"`
}

// Close codes used on the agent WebSocket, beyond the RFC 6455 set.
const (
	// CloseSuperseded is sent to an older session when the same agent
	// connects again.
	CloseSuperseded = 4000

	// CloseLivenessLost is sent when the peer missed two ping intervals.
	CloseLivenessLost = 4001
)
