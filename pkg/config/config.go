package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReuseStrategy governs what happens to a session's container across
// session boundaries.
type ReuseStrategy string

const (
	// ReuseNone tears the container down on close and always creates fresh.
	ReuseNone ReuseStrategy = "none"
	// ReusePause pauses the container on close and unpauses it on reuse,
	// preserving filesystem and process state.
	ReusePause ReuseStrategy = "pause"
	// ReuseKeepAlive leaves the container running; the workspace is cleaned
	// before the next session accepts it.
	ReuseKeepAlive ReuseStrategy = "keep_alive"
)

// SandboxConfig describes how sandboxes are created and reused.
type SandboxConfig struct {
	BaseImage              string        `yaml:"base_image"`
	ContainerReuseStrategy ReuseStrategy `yaml:"container_reuse_strategy"`
	WorkspaceHostPath      string        `yaml:"workspace_host_path"`
	WorkspaceSandboxPath   string        `yaml:"workspace_sandbox_path"`
	NetworkMode            string        `yaml:"network_mode"`
	MemoryLimit            string        `yaml:"memory_limit"`
	UserID                 int           `yaml:"user_id"`
	RunAsAgent             bool          `yaml:"run_as_agent"`
	Timeout                time.Duration `yaml:"timeout"`
	KeepRuntimeAlive       bool          `yaml:"keep_runtime_alive"`
	RemoteURL              string        `yaml:"remote_url"`
	Plugins                []string      `yaml:"plugins"`
}

// SessionsConfig configures the persistent session store.
type SessionsConfig struct {
	DBPath string `yaml:"db_path"`
}

// Config is the top-level configuration.
type Config struct {
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			BaseImage:              "ubuntu:22.04",
			ContainerReuseStrategy: ReuseNone,
			WorkspaceSandboxPath:   "/workspace",
			NetworkMode:            "bridge",
			Timeout:                120 * time.Second,
			Plugins:                nil,
		},
		Sessions: SessionsConfig{
			DBPath: filepath.Join(dataDir(), "sessions.db"),
		},
	}
}

// Load reads the YAML configuration at path, applies environment overrides,
// and validates the result. An empty path yields the defaults (still subject
// to environment overrides).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that the rest of the system relies on.
func (c *Config) Validate() error {
	switch c.Sandbox.ContainerReuseStrategy {
	case ReuseNone, ReusePause, ReuseKeepAlive:
	default:
		return fmt.Errorf("invalid container_reuse_strategy %q (want none, pause or keep_alive)", c.Sandbox.ContainerReuseStrategy)
	}
	if c.Sandbox.BaseImage == "" {
		return fmt.Errorf("base_image must not be empty")
	}
	if !strings.HasPrefix(c.Sandbox.WorkspaceSandboxPath, "/") {
		return fmt.Errorf("workspace_sandbox_path must be absolute, got %q", c.Sandbox.WorkspaceSandboxPath)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Sandbox.Timeout)
	}
	return nil
}

// Environment overrides, AGENTRUN_* keys. Only the knobs that are commonly
// flipped per invocation are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTRUN_BASE_IMAGE"); v != "" {
		cfg.Sandbox.BaseImage = v
	}
	if v := os.Getenv("AGENTRUN_REUSE_STRATEGY"); v != "" {
		cfg.Sandbox.ContainerReuseStrategy = ReuseStrategy(v)
	}
	if v := os.Getenv("AGENTRUN_WORKSPACE"); v != "" {
		cfg.Sandbox.WorkspaceHostPath = v
	}
	if v := os.Getenv("AGENTRUN_NETWORK_MODE"); v != "" {
		cfg.Sandbox.NetworkMode = v
	}
	if v := os.Getenv("AGENTRUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sandbox.Timeout = d
		}
	}
	if v := os.Getenv("AGENTRUN_USER_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.UserID = id
		}
	}
	if v := os.Getenv("AGENTRUN_KEEP_RUNTIME_ALIVE"); v != "" {
		cfg.Sandbox.KeepRuntimeAlive = v == "true" || v == "1"
	}
}

func dataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".agentrun")
	}
	return "."
}
