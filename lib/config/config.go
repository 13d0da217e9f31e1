// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the annex daemon configuration.
//
// Configuration comes from a single YAML file named by the
// ANNEX_CONFIG environment variable or the --config flag. There is no
// fallback discovery: one file, deterministic and auditable, with
// ${VAR} expansion in path fields as the only substitution. A missing
// file yields the built-in defaults so a development daemon runs with
// no configuration at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the control listener address for the health and
	// terminal-attach endpoints. Default: 127.0.0.1:7070.
	Listen string `yaml:"listen"`

	// StateFile is where the daemon writes its runtime snapshot after
	// each lifecycle mutation. Empty disables snapshotting.
	StateFile string `yaml:"state_file"`

	// Engine configures the container engine invocation surface.
	Engine EngineConfig `yaml:"engine"`

	// Ports configures host port allocation and the fixed in-container
	// service ports.
	Ports PortsConfig `yaml:"ports"`

	// Sessions tunes the session proxies' connect and request timing.
	Sessions SessionsConfig `yaml:"sessions"`

	// Agent configures the in-container agent process annex manages
	// across reboots.
	Agent AgentConfig `yaml:"agent"`

	// Terminal configures the shared terminal sessions.
	Terminal TerminalConfig `yaml:"terminal"`

	// Workspace configures the in-container file surface.
	Workspace WorkspaceConfig `yaml:"workspace"`
}

// EngineConfig configures how annex drives the container engine.
type EngineConfig struct {
	// Binary is the engine CLI to invoke. Anything docker-CLI
	// compatible works. Default: docker.
	Binary string `yaml:"binary"`

	// Image is the sandbox image instances run. It must already exist
	// on the host; annex never builds it. Default: annex-sandbox:latest.
	Image string `yaml:"image"`

	// ContainerPrefix names containers <prefix><instanceID> and scopes
	// discovery and orphan cleanup. Default: annex-.
	ContainerPrefix string `yaml:"container_prefix"`

	// MemoryBytes caps instance memory. Default: 2 GiB.
	MemoryBytes int64 `yaml:"memory_bytes"`

	// CPUShares is the relative CPU weight passed to the engine.
	// Default: 512.
	CPUShares int64 `yaml:"cpu_shares"`

	// PIDsLimit caps the instance process count. Default: 256.
	PIDsLimit int64 `yaml:"pids_limit"`

	// StorageBytes caps ephemeral container storage via the engine's
	// storage-opt flag. Zero omits the flag — not every storage driver
	// accepts it. Default: 0.
	StorageBytes int64 `yaml:"storage_bytes"`
}

// PortsConfig configures port allocation.
type PortsConfig struct {
	// Base is the first host port the allocator hands out. Each
	// instance consumes three sequential ports from here.
	// Default: 10000.
	Base int `yaml:"base"`

	// AppInternal is the in-container application HTTP port.
	// Default: 3000.
	AppInternal int `yaml:"app_internal"`

	// BrowserInternal is the in-container browser-control WebSocket
	// port. Its presence in a container's published-port map marks the
	// container as a genuine annex instance. Default: 9222.
	BrowserInternal int `yaml:"browser_internal"`

	// AgentInternal is the in-container agent-control port, the second
	// genuine-instance marker. Default: 8090.
	AgentInternal int `yaml:"agent_internal"`
}

// SessionsConfig tunes proxy timing. Durations are strings in Go
// duration syntax ("30s", "500ms"); Validate checks they parse.
type SessionsConfig struct {
	// AttachBudget bounds the initial connect-with-retry loop: the
	// total time a session will keep attempting its first connect
	// while the in-container service warms up. Default: 30s.
	AttachBudget string `yaml:"attach_budget"`

	// AttachInterval is the pause between initial connect attempts.
	// Default: 500ms.
	AttachInterval string `yaml:"attach_interval"`

	// DialTimeout bounds one dial attempt. Default: 2s.
	DialTimeout string `yaml:"dial_timeout"`

	// RequestTimeout bounds a correlated request awaiting its
	// response. Default: 15s.
	RequestTimeout string `yaml:"request_timeout"`
}

// AgentConfig configures the in-container agent process.
type AgentConfig struct {
	// ConfigPath is the agent configuration file inside the container.
	// Reboot reads it from the old container and writes it verbatim
	// into the new one. Default: /workspace/.agent/config.yaml.
	ConfigPath string `yaml:"config_path"`

	// RestartCommand is the in-container argv that restarts the agent
	// after a config restore. Default: [supervisorctl, restart, agent].
	RestartCommand []string `yaml:"restart_command"`
}

// TerminalConfig configures shared terminal sessions.
type TerminalConfig struct {
	// TmuxSession is the shared tmux session name every attachment
	// joins. Default: main.
	TmuxSession string `yaml:"tmux_session"`

	// ResizeThrottle is the coalescing window for resize requests: all
	// sizes arriving within one window collapse to a single downstream
	// resize using the latest dimensions. Default: 250ms.
	ResizeThrottle string `yaml:"resize_throttle"`

	// HistoryBytes is the per-instance output ring buffer capacity
	// replayed to late-joining viewers. Default: 262144.
	HistoryBytes int `yaml:"history_bytes"`
}

// WorkspaceConfig configures the file-primitive surface.
type WorkspaceConfig struct {
	// Root is the in-container directory all workspace paths resolve
	// under. Paths escaping it are rejected. Default: /workspace.
	Root string `yaml:"root"`
}

// Default returns the built-in defaults. LoadFile layers the file on
// top of these, so absent keys keep their default.
func Default() *Config {
	return &Config{
		Listen:    "127.0.0.1:7070",
		StateFile: "",
		Engine: EngineConfig{
			Binary:          "docker",
			Image:           "annex-sandbox:latest",
			ContainerPrefix: "annex-",
			MemoryBytes:     2 << 30,
			CPUShares:       512,
			PIDsLimit:       256,
			StorageBytes:    0,
		},
		Ports: PortsConfig{
			Base:            10000,
			AppInternal:     3000,
			BrowserInternal: 9222,
			AgentInternal:   8090,
		},
		Sessions: SessionsConfig{
			AttachBudget:   "30s",
			AttachInterval: "500ms",
			DialTimeout:    "2s",
			RequestTimeout: "15s",
		},
		Agent: AgentConfig{
			ConfigPath:     "/workspace/.agent/config.yaml",
			RestartCommand: []string{"supervisorctl", "restart", "agent"},
		},
		Terminal: TerminalConfig{
			TmuxSession:    "main",
			ResizeThrottle: "250ms",
			HistoryBytes:   256 << 10,
		},
		Workspace: WorkspaceConfig{
			Root: "/workspace",
		},
	}
}

// Load reads the file named by ANNEX_CONFIG. An unset variable returns
// the defaults; a set-but-unreadable file is an error.
func Load() (*Config, error) {
	path := os.Getenv("ANNEX_CONFIG")
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path, layered over Default(). The
// file is the single source of truth; the only transformation applied
// afterward is ${VAR} expansion in path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in path-valued
// fields for portability across hosts.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.StateFile = expandVars(c.StateFile, vars)
	c.Agent.ConfigPath = expandVars(c.Agent.ConfigPath, vars)
	c.Workspace.Root = expandVars(c.Workspace.Root, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name, fallback := parts[1], ""
		if len(parts) >= 3 {
			fallback = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// containerPrefixPattern restricts prefixes to names the engine accepts
// and discovery can anchor a filter on.
var containerPrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Validate checks the configuration, collecting every problem.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}

	if c.Engine.Binary == "" {
		errs = append(errs, fmt.Errorf("engine.binary is required"))
	}
	if c.Engine.Image == "" {
		errs = append(errs, fmt.Errorf("engine.image is required"))
	}
	if c.Engine.ContainerPrefix == "" {
		errs = append(errs, fmt.Errorf("engine.container_prefix is required"))
	} else if !containerPrefixPattern.MatchString(c.Engine.ContainerPrefix) {
		errs = append(errs, fmt.Errorf("engine.container_prefix %q contains characters the engine rejects", c.Engine.ContainerPrefix))
	}
	if c.Engine.MemoryBytes <= 0 {
		errs = append(errs, fmt.Errorf("engine.memory_bytes must be positive"))
	}
	if c.Engine.CPUShares <= 0 {
		errs = append(errs, fmt.Errorf("engine.cpu_shares must be positive"))
	}
	if c.Engine.PIDsLimit <= 0 {
		errs = append(errs, fmt.Errorf("engine.pids_limit must be positive"))
	}

	if c.Ports.Base <= 1024 {
		errs = append(errs, fmt.Errorf("ports.base must be above 1024"))
	}
	internal := []int{c.Ports.AppInternal, c.Ports.BrowserInternal, c.Ports.AgentInternal}
	for _, p := range internal {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("internal ports must be in 1-65535, got %d", p))
		}
	}
	if c.Ports.AppInternal == c.Ports.BrowserInternal ||
		c.Ports.AppInternal == c.Ports.AgentInternal ||
		c.Ports.BrowserInternal == c.Ports.AgentInternal {
		errs = append(errs, fmt.Errorf("internal ports must be distinct, got %v", internal))
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"sessions.attach_budget", c.Sessions.AttachBudget},
		{"sessions.attach_interval", c.Sessions.AttachInterval},
		{"sessions.dial_timeout", c.Sessions.DialTimeout},
		{"sessions.request_timeout", c.Sessions.RequestTimeout},
		{"terminal.resize_throttle", c.Terminal.ResizeThrottle},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	if len(c.Agent.RestartCommand) == 0 {
		errs = append(errs, fmt.Errorf("agent.restart_command is required"))
	}
	if c.Agent.ConfigPath == "" {
		errs = append(errs, fmt.Errorf("agent.config_path is required"))
	}

	if c.Terminal.TmuxSession == "" {
		errs = append(errs, fmt.Errorf("terminal.tmux_session is required"))
	}
	if c.Terminal.HistoryBytes <= 0 {
		errs = append(errs, fmt.Errorf("terminal.history_bytes must be positive"))
	}

	if !strings.HasPrefix(c.Workspace.Root, "/") {
		errs = append(errs, fmt.Errorf("workspace.root must be absolute, got %q", c.Workspace.Root))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration accessors return parsed values. Call Validate first; on a
// config that failed validation these fall back to the Default()
// values rather than panic.

// AttachBudget returns the parsed sessions.attach_budget.
func (c *Config) AttachBudget() time.Duration {
	return parseDuration(c.Sessions.AttachBudget, Default().Sessions.AttachBudget)
}

// AttachInterval returns the parsed sessions.attach_interval.
func (c *Config) AttachInterval() time.Duration {
	return parseDuration(c.Sessions.AttachInterval, Default().Sessions.AttachInterval)
}

// DialTimeout returns the parsed sessions.dial_timeout.
func (c *Config) DialTimeout() time.Duration {
	return parseDuration(c.Sessions.DialTimeout, Default().Sessions.DialTimeout)
}

// RequestTimeout returns the parsed sessions.request_timeout.
func (c *Config) RequestTimeout() time.Duration {
	return parseDuration(c.Sessions.RequestTimeout, Default().Sessions.RequestTimeout)
}

// ResizeThrottle returns the parsed terminal.resize_throttle.
func (c *Config) ResizeThrottle() time.Duration {
	return parseDuration(c.Terminal.ResizeThrottle, Default().Terminal.ResizeThrottle)
}

func parseDuration(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	d, err := time.ParseDuration(fallback)
	if err != nil {
		panic("config: default duration unparseable: " + fallback)
	}
	return d
}
