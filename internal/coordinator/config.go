// Package coordinator implements the RemoteShell coordinator: the REST API,
// the agent session registry and the per-agent dispatch queues.
package coordinator

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/remoteshell/remoteshell/internal/policy"
)

// Config holds coordinator configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string
	TLSCert    string
	TLSKey     string

	// Database
	DatabasePath string

	// Agent authentication: agent_id → token.
	AgentTokens map[string]string

	// Session liveness
	PingInterval time.Duration
	// ResultGrace is added on top of a command's own timeout before the
	// coordinator gives up on the in-flight entry. Never below 5s.
	ResultGrace time.Duration

	// Queue bounds
	MaxQueueSize int
	MaxInFlight  int

	// History retention; zero disables the purge loop.
	HistoryRetention time.Duration
	PurgeInterval    time.Duration

	// Validation
	Policy policy.Config

	LogLevel string
}

// LoadConfig loads configuration from REMOTESHELL_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:       getEnv("REMOTESHELL_LISTEN", ":8765"),
		TLSCert:          os.Getenv("REMOTESHELL_TLS_CERT"),
		TLSKey:           os.Getenv("REMOTESHELL_TLS_KEY"),
		DatabasePath:     getEnv("REMOTESHELL_DB_PATH", "remoteshell.db"),
		AgentTokens:      parseTokens(os.Getenv("REMOTESHELL_AGENT_TOKENS")),
		PingInterval:     parseDuration("REMOTESHELL_PING_INTERVAL", 30*time.Second),
		ResultGrace:      parseDuration("REMOTESHELL_RESULT_GRACE", 5*time.Second),
		MaxQueueSize:     parseInt("REMOTESHELL_MAX_QUEUE_SIZE", 100),
		MaxInFlight:      parseInt("REMOTESHELL_MAX_IN_FLIGHT", 4),
		HistoryRetention: parseDuration("REMOTESHELL_HISTORY_RETENTION", 30*24*time.Hour),
		PurgeInterval:    parseDuration("REMOTESHELL_PURGE_INTERVAL", time.Hour),
		LogLevel:         getEnv("REMOTESHELL_LOG_LEVEL", "info"),

		Policy: policy.Config{
			MaxLength:             parseInt("REMOTESHELL_MAX_LENGTH", 1000),
			DenyPatterns:          parseList("REMOTESHELL_DENY_PATTERNS"),
			AllowListEnabled:      parseBool("REMOTESHELL_ALLOW_LIST_ENABLED", false),
			AllowList:             parseList("REMOTESHELL_ALLOW_LIST"),
			AllowShellOperators:   parseBool("REMOTESHELL_ALLOW_SHELL_OPERATORS", false),
			MaxTimeoutSeconds:     parseInt("REMOTESHELL_MAX_TIMEOUT", 300),
			DefaultTimeoutSeconds: parseInt("REMOTESHELL_DEFAULT_TIMEOUT", 30),
		},
	}

	if cfg.ResultGrace < 5*time.Second {
		cfg.ResultGrace = 5 * time.Second
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if len(c.AgentTokens) == 0 {
		errs = append(errs, "REMOTESHELL_AGENT_TOKENS is required (format: agent1:token1,agent2:token2)")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, "REMOTESHELL_TLS_CERT and REMOTESHELL_TLS_KEY must be set together")
	}
	if c.MaxQueueSize <= 0 {
		errs = append(errs, "REMOTESHELL_MAX_QUEUE_SIZE must be positive")
	}
	if c.MaxInFlight <= 0 {
		errs = append(errs, "REMOTESHELL_MAX_IN_FLIGHT must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// KnownAgent reports whether an agent id has a configured token.
func (c *Config) KnownAgent(agentID string) bool {
	_, ok := c.AgentTokens[agentID]
	return ok
}

// parseTokens parses "agent1:token1,agent2:token2". Entries without a colon
// or with an empty side are dropped.
func parseTokens(v string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, token, ok := strings.Cut(pair, ":")
		id = strings.TrimSpace(id)
		token = strings.TrimSpace(token)
		if !ok || id == "" || token == "" {
			continue
		}
		tokens[id] = token
	}
	return tokens
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
