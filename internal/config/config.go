// Package config loads and validates gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the main configuration structure for the gateway.
type Config struct {
	Security SecurityConfig `yaml:"security"`
	Codex    CodexConfig    `yaml:"codex"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SecurityConfig governs the sandbox and mode transitions.
type SecurityConfig struct {
	// SpicyEnabled is the explicit opt-in required before the gateway may
	// ever enter spicy mode. Defaults to false.
	SpicyEnabled bool `yaml:"spicy_enabled"`

	// WorkspaceRoot is the jail root for relative tool paths in safe mode.
	WorkspaceRoot string `yaml:"workspace_root"`

	// ContextRoot holds agent continuity files and stays writable in safe
	// mode independent of the workspace jail.
	ContextRoot string `yaml:"context_root"`

	// ContinuityFiles are the filenames that resolve against ContextRoot
	// and may never be touched through shell commands.
	ContinuityFiles []string `yaml:"continuity_files"`

	// CommandAllowlist is the set of binaries shell tools may invoke in
	// safe mode, matched against the basename of the first token.
	CommandAllowlist []string `yaml:"command_allowlist"`

	// ConfirmationTimeout bounds how long a confirmation prompt may block
	// before it resolves to cancel.
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
}

// CodexConfig configures the reasoning subprocess.
type CodexConfig struct {
	// Command is the subprocess binary.
	Command string `yaml:"command"`

	// Args are the launch arguments. A reasoning-effort setting in here
	// may be rewritten on a compat retry.
	Args []string `yaml:"args"`

	// ReasoningEffort is the preferred effort setting passed at launch.
	ReasoningEffort string `yaml:"reasoning_effort"`

	// RequestTimeout bounds each RPC round trip.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Env is extra environment for the subprocess.
	Env map[string]string `yaml:"env"`
}

// StorageConfig configures session persistence.
type StorageConfig struct {
	// Path is the sqlite database file; ":memory:" keeps everything
	// in-process.
	Path string `yaml:"path"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultContinuityFiles are the continuity filenames recognized when the
// configuration does not override them.
var DefaultContinuityFiles = []string{
	"identity.md",
	"memory.md",
	"bootstrap.md",
	"continuity.md",
}

// DefaultCommandAllowlist is a conservative safe-mode command set.
var DefaultCommandAllowlist = []string{
	"ls", "cat", "head", "tail", "grep", "rg", "find", "wc",
	"git", "go", "python3", "node", "make", "echo", "pwd", "date",
}

// Default returns a Config populated with defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Security: SecurityConfig{
			SpicyEnabled:        false,
			WorkspaceRoot:       filepath.Join(home, "clawgate", "workspace"),
			ContextRoot:         filepath.Join(home, "clawgate", "context"),
			ContinuityFiles:     append([]string(nil), DefaultContinuityFiles...),
			CommandAllowlist:    append([]string(nil), DefaultCommandAllowlist...),
			ConfirmationTimeout: 2 * time.Minute,
		},
		Codex: CodexConfig{
			Command:         "codex",
			Args:            []string{"app-server"},
			ReasoningEffort: "high",
			RequestTimeout:  90 * time.Second,
		},
		Storage: StorageConfig{
			Path: filepath.Join(home, "clawgate", "sessions.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Security.WorkspaceRoot == "" {
		return fmt.Errorf("security.workspace_root is required")
	}
	if c.Security.ContextRoot == "" {
		return fmt.Errorf("security.context_root is required")
	}
	if c.Codex.Command == "" {
		return fmt.Errorf("codex.command is required")
	}
	if c.Codex.RequestTimeout < 0 {
		return fmt.Errorf("codex.request_timeout must not be negative")
	}
	for _, name := range c.Security.ContinuityFiles {
		if filepath.Base(name) != name {
			return fmt.Errorf("security.continuity_files entries must be bare filenames, got %q", name)
		}
	}
	return nil
}
