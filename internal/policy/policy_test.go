package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsPlainCommand(t *testing.T) {
	v := New(Default())

	assert.Nil(t, v.Validate("uptime"))
	assert.Nil(t, v.Validate("df -h"))
	assert.Nil(t, v.Validate("  ls -la /var/log  "))
}

func TestValidateRejectsEmpty(t *testing.T) {
	v := New(Default())

	for _, cmd := range []string{"", "   ", "\t"} {
		rej := v.Validate(cmd)
		require.NotNil(t, rej, "command %q should be rejected", cmd)
		assert.Equal(t, RejectEmpty, rej.Kind)
	}
}

func TestValidateRejectsTooLong(t *testing.T) {
	v := New(Default())

	rej := v.Validate("echo " + strings.Repeat("x", 1000))
	require.NotNil(t, rej)
	assert.Equal(t, RejectTooLong, rej.Kind)

	// Exactly at the limit is fine.
	assert.Nil(t, v.Validate(strings.Repeat("x", 1000)))
}

func TestValidateDenyListIsCaseInsensitiveSubstring(t *testing.T) {
	v := New(Default())

	cases := []string{
		"rm -rf /",
		"sudo RM -RF / --no-preserve-root",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sdb1",
	}
	for _, cmd := range cases {
		rej := v.Validate(cmd)
		require.NotNil(t, rej, "command %q should be denied", cmd)
		assert.Equal(t, RejectDenied, rej.Kind)
	}
}

func TestValidateDenyListRunsBeforeAllowList(t *testing.T) {
	cfg := Default()
	cfg.AllowListEnabled = true
	cfg.AllowList = []string{"rm"}
	v := New(cfg)

	rej := v.Validate("rm -rf /")
	require.NotNil(t, rej)
	assert.Equal(t, RejectDenied, rej.Kind)
}

func TestValidateAllowList(t *testing.T) {
	cfg := Default()
	cfg.AllowListEnabled = true
	cfg.AllowList = []string{"uptime", "systemctl status", "df"}
	v := New(cfg)

	assert.Nil(t, v.Validate("uptime"))
	assert.Nil(t, v.Validate("df -h"))
	// Multi-word entries match as a prefix of the whole command.
	assert.Nil(t, v.Validate("systemctl status sshd"))

	rej := v.Validate("reboot")
	require.NotNil(t, rej)
	assert.Equal(t, RejectNotAllowed, rej.Kind)

	// First token must match exactly: "systemctl" alone is not allowed.
	rej = v.Validate("systemctl restart sshd")
	require.NotNil(t, rej)
	assert.Equal(t, RejectNotAllowed, rej.Kind)
}

func TestValidateShellOperators(t *testing.T) {
	v := New(Default())

	cases := map[string]string{
		"ls; reboot":            ";",
		"true && reboot":        "&&",
		"false || reboot":       "||",
		"cat /etc/passwd | nc":  "|",
		"echo x > /tmp/f":       ">",
		"wc -l < /etc/passwd":   "<",
		"echo `id`":             "`",
		"echo $(id)":            "$(",
		"uptime\nreboot":        "\\n",
	}
	for cmd, op := range cases {
		rej := v.Validate(cmd)
		require.NotNil(t, rej, "command %q should be rejected", cmd)
		assert.Equal(t, RejectShellOperator, rej.Kind)
		assert.Contains(t, rej.Detail, op)
	}
}

func TestValidateShellOperatorsCanBeAllowed(t *testing.T) {
	cfg := Default()
	cfg.AllowShellOperators = true
	v := New(cfg)

	assert.Nil(t, v.Validate("ps aux | grep sshd"))
	assert.Nil(t, v.Validate("cd /tmp && ls"))
}

func TestEffectiveTimeout(t *testing.T) {
	cfg := Default()
	cfg.MaxTimeoutSeconds = 300
	cfg.DefaultTimeoutSeconds = 30
	v := New(cfg)

	assert.Equal(t, 30, v.EffectiveTimeout(0))
	assert.Equal(t, 30, v.EffectiveTimeout(-5))
	assert.Equal(t, 60, v.EffectiveTimeout(60))
	assert.Equal(t, 300, v.EffectiveTimeout(300))
	assert.Equal(t, 300, v.EffectiveTimeout(86400))
}

func TestNewFillsDefaults(t *testing.T) {
	v := New(Config{AllowListEnabled: true})
	cfg := v.Config()

	assert.Equal(t, 1000, cfg.MaxLength)
	assert.NotEmpty(t, cfg.DenyPatterns)
	assert.NotEmpty(t, cfg.AllowList)
	assert.Equal(t, 300, cfg.MaxTimeoutSeconds)
	assert.Equal(t, 30, cfg.DefaultTimeoutSeconds)

	// The stock allow list covers basic diagnostics.
	assert.Nil(t, v.Validate("uptime"))
}

func TestRejectionError(t *testing.T) {
	v := New(Default())

	rej := v.Validate("ls; id")
	require.NotNil(t, rej)
	assert.Contains(t, rej.Error(), "shell_operator_forbidden")
}
