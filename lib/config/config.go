// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the broker and client configuration.
//
// Configuration comes from a single YAML file named by the --config
// flag or the ELEVATE_CONFIG environment variable. There is no search
// path. Without either, the built-in defaults are used unchanged.
// Fields missing from the file keep their defaults; command-line flags
// are applied on top by the binaries.
//
// Paths may reference ${UID}, ${XDG_RUNTIME_DIR}, ${HOME}, or any other
// environment variable, with ${VAR:-default} fallbacks.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable consulted when no --config
// flag is given.
const EnvironmentVariable = "ELEVATE_CONFIG"

// DefaultPolkitAction is the polkit action the broker checks.
const DefaultPolkitAction = "org.xerolinux.elevate.run"

// Config is the complete configuration.
type Config struct {
	// SocketPath is the broker socket. Default:
	// ${XDG_RUNTIME_DIR}/elevate/broker.sock, or
	// /run/user/<uid>/elevate/broker.sock.
	SocketPath string `yaml:"socket_path"`

	// StateDir holds the spawn ledger. Default: /run/elevate.
	StateDir string `yaml:"state_dir"`

	Session SessionConfig `yaml:"session"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Inspect InspectConfig `yaml:"inspect"`
}

// SessionConfig controls authorization caching.
type SessionConfig struct {
	// TTL is how long a granted session stays valid. Default: 15m.
	TTL time.Duration `yaml:"ttl"`

	// RecheckInterval is how old a grant may get before the next
	// submission re-checks it without prompting. Default: 5m.
	RecheckInterval time.Duration `yaml:"recheck_interval"`

	// AuthTimeout bounds one authorization, including the time the
	// user spends in the password prompt. Default: 2m.
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	// SweepInterval is how often expired sessions are dropped.
	// Default: 30s.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// PolkitAction is the action id passed to pkcheck.
	PolkitAction string `yaml:"polkit_action"`
}

// JobsConfig controls job supervision.
type JobsConfig struct {
	// Retention is how long a finished, unacknowledged job is kept.
	// Default: 10m.
	Retention time.Duration `yaml:"retention"`

	// CancelGrace is the delay between SIGTERM and SIGKILL. Default: 5s.
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// KeepaliveInterval is how often idle streams get a keepalive
	// frame. Default: 5s.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// StallTimeout is how long a client waits without any frame before
	// declaring the broker stalled. Must exceed KeepaliveInterval.
	// Default: 30s.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// InspectConfig controls plan resolution.
type InspectConfig struct {
	// CatalogPath replaces the built-in feature catalog with a JSONC
	// file. Empty uses the built-in catalog.
	CatalogPath string `yaml:"catalog_path"`

	// AURHelper forces a specific helper ("paru" or "yay"). Empty
	// picks the first one installed.
	AURHelper string `yaml:"aur_helper"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		SocketPath: "${XDG_RUNTIME_DIR:-/run/user/${UID}}/elevate/broker.sock",
		StateDir:   "/run/elevate",
		Session: SessionConfig{
			TTL:             15 * time.Minute,
			RecheckInterval: 5 * time.Minute,
			AuthTimeout:     2 * time.Minute,
			SweepInterval:   30 * time.Second,
			PolkitAction:    DefaultPolkitAction,
		},
		Jobs: JobsConfig{
			Retention:         10 * time.Minute,
			CancelGrace:       5 * time.Second,
			KeepaliveInterval: 5 * time.Second,
			StallTimeout:      30 * time.Second,
		},
	}
}

// Load reads path, or the file named by ELEVATE_CONFIG when path is
// empty. With neither, it returns Default(). Variables are expanded
// for the given uid, the user the broker serves.
func Load(path string, uid int) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvironmentVariable)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.Expand(uid)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", displayPath(path), err)
	}
	return cfg, nil
}

// Expand resolves variables in path fields. UID is always uid, so a
// root broker started for a user computes that user's socket path.
// XDG_RUNTIME_DIR is taken from the environment only when it belongs
// to uid (pkexec strips it, and a root shell's would be wrong).
func (c *Config) Expand(uid int) {
	vars := map[string]string{"UID": strconv.Itoa(uid)}
	if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" && ownedBy(runtime, uid) {
		vars["XDG_RUNTIME_DIR"] = runtime
	} else {
		vars["XDG_RUNTIME_DIR"] = ""
	}

	c.SocketPath = expandVars(c.SocketPath, vars)
	c.StateDir = expandVars(c.StateDir, vars)
	c.Inspect.CatalogPath = expandVars(c.Inspect.CatalogPath, vars)
}

// LedgerPath is the spawn ledger file for the broker serving uid.
func (c *Config) LedgerPath(uid int) string {
	return filepath.Join(c.StateDir, fmt.Sprintf("spawn-ledger-%d.json", uid))
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if !filepath.IsAbs(c.SocketPath) {
		errs = append(errs, fmt.Errorf("socket_path must be absolute, got %q", c.SocketPath))
	}
	if !filepath.IsAbs(c.StateDir) {
		errs = append(errs, fmt.Errorf("state_dir must be absolute, got %q", c.StateDir))
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"session.ttl", c.Session.TTL},
		{"session.recheck_interval", c.Session.RecheckInterval},
		{"session.auth_timeout", c.Session.AuthTimeout},
		{"session.sweep_interval", c.Session.SweepInterval},
		{"jobs.retention", c.Jobs.Retention},
		{"jobs.cancel_grace", c.Jobs.CancelGrace},
		{"jobs.keepalive_interval", c.Jobs.KeepaliveInterval},
		{"jobs.stall_timeout", c.Jobs.StallTimeout},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", field.name, field.value))
		}
	}

	if c.Session.RecheckInterval > c.Session.TTL {
		errs = append(errs, fmt.Errorf("session.recheck_interval (%v) exceeds session.ttl (%v)",
			c.Session.RecheckInterval, c.Session.TTL))
	}
	if c.Jobs.StallTimeout <= c.Jobs.KeepaliveInterval {
		errs = append(errs, fmt.Errorf("jobs.stall_timeout (%v) must exceed jobs.keepalive_interval (%v)",
			c.Jobs.StallTimeout, c.Jobs.KeepaliveInterval))
	}
	if c.Session.PolkitAction == "" {
		errs = append(errs, errors.New("session.polkit_action is required"))
	}
	switch c.Inspect.AURHelper {
	case "", "paru", "yay":
	default:
		errs = append(errs, fmt.Errorf("inspect.aur_helper must be paru or yay, got %q", c.Inspect.AURHelper))
	}

	return errors.Join(errs...)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-((?:[^{}]|\$\{[^}]*\})*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Defaults may
// themselves contain ${VAR} references.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]

		if value, ok := vars[name]; ok {
			if value != "" {
				return value
			}
		} else if value := os.Getenv(name); value != "" {
			return value
		}
		return expandVars(fallback, vars)
	})
}

func ownedBy(path string, uid int) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fileOwner(info) == uid
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}
