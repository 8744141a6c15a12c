// Package agent implements the RemoteShell agent: a long-lived client that
// holds a WebSocket session to the coordinator and executes dispatched
// commands under its own validation policy.
package agent

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remoteshell/remoteshell/internal/policy"
)

// Config is the agent configuration, loaded from a YAML file with a few
// environment overrides for deployment secrets.
type Config struct {
	Server struct {
		URL       string `yaml:"url"`
		Token     string `yaml:"token"`
		TLSVerify *bool  `yaml:"tls_verify"`
	} `yaml:"server"`

	Reconnect struct {
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
	} `yaml:"reconnect"`

	Ping struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"ping"`

	Execution struct {
		Shell          string `yaml:"shell"`
		MaxOutputBytes int    `yaml:"max_output_bytes"`
	} `yaml:"execution"`

	Policy policy.Config `yaml:"policy"`

	Logging struct {
		Level       string `yaml:"level"`
		File        string `yaml:"file"`
		RotateBytes int64  `yaml:"rotate_bytes"`
		Backups     int    `yaml:"backups"`
	} `yaml:"logging"`
}

// UnmarshalYAML decodes the config, parsing "30s" style duration strings
// by hand; yaml.v3 has no native time.Duration support.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Server struct {
			URL       string `yaml:"url"`
			Token     string `yaml:"token"`
			TLSVerify *bool  `yaml:"tls_verify"`
		} `yaml:"server"`
		Reconnect struct {
			InitialBackoff string `yaml:"initial_backoff"`
			MaxBackoff     string `yaml:"max_backoff"`
		} `yaml:"reconnect"`
		Ping struct {
			Interval string `yaml:"interval"`
		} `yaml:"ping"`
		Execution struct {
			Shell          string `yaml:"shell"`
			MaxOutputBytes int    `yaml:"max_output_bytes"`
		} `yaml:"execution"`
		Policy  policy.Config `yaml:"policy"`
		Logging struct {
			Level       string `yaml:"level"`
			File        string `yaml:"file"`
			RotateBytes int64  `yaml:"rotate_bytes"`
			Backups     int    `yaml:"backups"`
		} `yaml:"logging"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.Server = raw.Server
	c.Execution = raw.Execution
	c.Policy = raw.Policy
	c.Logging = raw.Logging

	var err error
	if c.Reconnect.InitialBackoff, err = parseDuration("reconnect.initial_backoff", raw.Reconnect.InitialBackoff); err != nil {
		return err
	}
	if c.Reconnect.MaxBackoff, err = parseDuration("reconnect.max_backoff", raw.Reconnect.MaxBackoff); err != nil {
		return err
	}
	if c.Ping.Interval, err = parseDuration("ping.interval", raw.Ping.Interval); err != nil {
		return err
	}
	return nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, v)
	}
	return d, nil
}

// LoadConfig reads the YAML file at path and applies defaults and
// environment overrides (REMOTESHELL_AGENT_URL, REMOTESHELL_AGENT_TOKEN).
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("REMOTESHELL_AGENT_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("REMOTESHELL_AGENT_TOKEN"); v != "" {
		cfg.Server.Token = v
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Reconnect.InitialBackoff <= 0 {
		c.Reconnect.InitialBackoff = time.Second
	}
	if c.Reconnect.MaxBackoff <= 0 {
		c.Reconnect.MaxBackoff = 60 * time.Second
	}
	if c.Ping.Interval <= 0 {
		c.Ping.Interval = 30 * time.Second
	}
	if c.Execution.Shell == "" {
		c.Execution.Shell = "/bin/sh"
	}
	if c.Execution.MaxOutputBytes <= 0 {
		c.Execution.MaxOutputBytes = 1 << 20 // 1 MiB per stream
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.RotateBytes <= 0 {
		c.Logging.RotateBytes = 10 << 20
	}
	if c.Logging.Backups <= 0 {
		c.Logging.Backups = 3
	}
}

func (c *Config) validate() error {
	var errs []string

	if c.Server.URL == "" {
		errs = append(errs, "server.url is required")
	} else if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		errs = append(errs, "server.url must start with ws:// or wss://")
	}
	if c.Server.Token == "" {
		errs = append(errs, "server.token is required")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// TLSVerify defaults to true when unset.
func (c *Config) TLSVerify() bool {
	if c.Server.TLSVerify == nil {
		return true
	}
	return *c.Server.TLSVerify
}
