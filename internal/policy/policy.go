// Package policy implements command validation. The same validator runs on
// the coordinator before a command is accepted and on the agent before a
// command is executed, so a compromised coordinator cannot push commands an
// agent's own policy forbids.
package policy

import (
	"fmt"
	"strings"
)

// RejectKind classifies why a command was refused.
type RejectKind string

const (
	RejectEmpty         RejectKind = "empty"
	RejectTooLong       RejectKind = "too_long"
	RejectDenied        RejectKind = "denied"
	RejectNotAllowed    RejectKind = "not_in_allow_list"
	RejectShellOperator RejectKind = "shell_operator_forbidden"
)

// Rejection is returned from Validate when a command is refused.
type Rejection struct {
	Kind   RejectKind
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("command rejected (%s): %s", r.Kind, r.Detail)
}

// Config holds validator settings. The zero value is not usable; start from
// Default() and override.
type Config struct {
	MaxLength             int      `yaml:"max_length"`
	DenyPatterns          []string `yaml:"deny_patterns"`
	AllowListEnabled      bool     `yaml:"allow_list_enabled"`
	AllowList             []string `yaml:"allow_list"`
	AllowShellOperators   bool     `yaml:"allow_shell_operators"`
	MaxTimeoutSeconds     int      `yaml:"max_timeout_seconds"`
	DefaultTimeoutSeconds int      `yaml:"default_timeout_seconds"`
}

// Default returns the stock policy: deny list on, allow list off, shell
// operators forbidden.
func Default() Config {
	return Config{
		MaxLength:             1000,
		DenyPatterns:          defaultDenyPatterns(),
		AllowListEnabled:      false,
		AllowList:             defaultAllowList(),
		AllowShellOperators:   false,
		MaxTimeoutSeconds:     300,
		DefaultTimeoutSeconds: 30,
	}
}

func defaultDenyPatterns() []string {
	return []string{
		"rm -rf /",
		"mkfs",
		"dd if=/dev/zero",
		":(){ :|:& };:",
		"chmod -r 777 /",
		"> /dev/sda",
		"mv / /dev/null",
	}
}

func defaultAllowList() []string {
	return []string{
		"ls", "pwd", "whoami", "hostname", "uptime",
		"df", "du", "free", "ps", "top",
		"cat", "grep", "find", "echo", "date",
		"uname", "which", "netstat", "ss", "ip",
		"systemctl status", "journalctl",
	}
}

// shellOperators are the metacharacters refused unless AllowShellOperators
// is set. "&&" and "||" sort before "|" so the rejection detail names the
// operator the caller actually typed.
var shellOperators = []string{"&&", "||", ";", "|", ">", "<", "`", "$(", "\n"}

// Validator checks commands against a Config.
type Validator struct {
	cfg  Config
	deny []string // lowercased patterns
}

// New builds a validator. Empty slices in cfg fall back to the defaults so a
// config file can omit them without turning the checks off.
func New(cfg Config) *Validator {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 1000
	}
	if len(cfg.DenyPatterns) == 0 {
		cfg.DenyPatterns = defaultDenyPatterns()
	}
	if cfg.AllowListEnabled && len(cfg.AllowList) == 0 {
		cfg.AllowList = defaultAllowList()
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 300
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 30
	}

	deny := make([]string, len(cfg.DenyPatterns))
	for i, p := range cfg.DenyPatterns {
		deny[i] = strings.ToLower(p)
	}

	return &Validator{cfg: cfg, deny: deny}
}

// Config returns the effective configuration after defaulting.
func (v *Validator) Config() Config {
	return v.cfg
}

// Validate checks a command. A nil return means the command may run.
// Check order: empty, length, deny list, allow list, shell operators.
func (v *Validator) Validate(command string) *Rejection {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return &Rejection{Kind: RejectEmpty, Detail: "empty command"}
	}

	if len(command) > v.cfg.MaxLength {
		return &Rejection{
			Kind:   RejectTooLong,
			Detail: fmt.Sprintf("command length %d exceeds maximum %d", len(command), v.cfg.MaxLength),
		}
	}

	lowered := strings.ToLower(trimmed)
	for _, pattern := range v.deny {
		if strings.Contains(lowered, pattern) {
			return &Rejection{
				Kind:   RejectDenied,
				Detail: fmt.Sprintf("matches denied pattern %q", pattern),
			}
		}
	}

	if v.cfg.AllowListEnabled && !v.allowed(trimmed) {
		return &Rejection{
			Kind:   RejectNotAllowed,
			Detail: fmt.Sprintf("%q is not in the allow list", firstToken(trimmed)),
		}
	}

	if !v.cfg.AllowShellOperators {
		for _, op := range shellOperators {
			if strings.Contains(command, op) {
				return &Rejection{
					Kind:   RejectShellOperator,
					Detail: fmt.Sprintf("shell operator %q is forbidden", printableOperator(op)),
				}
			}
		}
	}

	return nil
}

// allowed reports whether the command matches the allow list: either its
// first token equals an entry, or an entry is a prefix of the whole command
// (covers multi-word entries like "systemctl status").
func (v *Validator) allowed(trimmed string) bool {
	first := firstToken(trimmed)
	for _, entry := range v.cfg.AllowList {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if first == entry || strings.HasPrefix(trimmed, entry) {
			return true
		}
	}
	return false
}

// EffectiveTimeout clamps a requested timeout to the policy maximum.
// Requests of zero or below mean "use the default".
func (v *Validator) EffectiveTimeout(requestedSeconds int) int {
	if requestedSeconds <= 0 {
		requestedSeconds = v.cfg.DefaultTimeoutSeconds
	}
	if requestedSeconds > v.cfg.MaxTimeoutSeconds {
		return v.cfg.MaxTimeoutSeconds
	}
	return requestedSeconds
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}

func printableOperator(op string) string {
	if op == "\n" {
		return "\\n"
	}
	return op
}
