// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package config loads the server configuration file.
package config // import "mellium.im/xmppd/config"

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to absent configuration fields.
const (
	DefaultComponentListen = ":5275"
	DefaultSQLitePath      = "xmppd.db"
	DefaultSessionTimeout  = 10 * time.Minute
	DefaultSessionCap      = 100
	DefaultAuditCapacity   = 10000
	DefaultAuditInterval   = 5 * time.Second
)

// Config is the top-level server configuration.
type Config struct {
	// Domain is the XMPP domain the server is authoritative for.
	Domain string `yaml:"domain"`

	// ServerName is the human-readable name advertised in service
	// discovery. Defaults to the domain.
	ServerName string `yaml:"server_name"`

	// ComponentListen is the listen address for XEP-0114 external
	// component connections.
	ComponentListen string `yaml:"component_listen"`

	// ComponentSecret is the default handshake secret for subdomains
	// without a per-subdomain secret.
	ComponentSecret string `yaml:"component_secret"`

	// SessionTimeout is the maximum age of an ad-hoc command session.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// SessionCap bounds concurrent command sessions per requester.
	SessionCap int `yaml:"session_cap"`

	// AuditCapacity bounds the audit copy queue.
	AuditCapacity int `yaml:"audit_capacity"`

	// AuditInterval is the audit queue drain period.
	AuditInterval time.Duration `yaml:"audit_interval"`

	// RedisAddr enables the redis-backed cluster directory when set. Empty
	// means standalone operation with in-process locks.
	RedisAddr string `yaml:"redis_addr"`

	// NodeID identifies this node in the cluster directory. Defaults to
	// the host name.
	NodeID string `yaml:"node_id"`

	// SQLitePath is the path of the SQLite database file.
	SQLitePath string `yaml:"sqlite_path"`

	// LogLevel is one of debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServerName == "" {
		c.ServerName = c.Domain
	}
	if c.ComponentListen == "" {
		c.ComponentListen = DefaultComponentListen
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.SessionCap <= 0 {
		c.SessionCap = DefaultSessionCap
	}
	if c.AuditCapacity <= 0 {
		c.AuditCapacity = DefaultAuditCapacity
	}
	if c.AuditInterval <= 0 {
		c.AuditInterval = DefaultAuditInterval
	}
	if c.SQLitePath == "" {
		c.SQLitePath = DefaultSQLitePath
	}
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		} else {
			c.NodeID = "xmppd"
		}
	}
}

func (c Config) validate() error {
	if c.Domain == "" {
		return errors.New("config: domain is required")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// SlogLevel maps the configured log level to its slog value.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
