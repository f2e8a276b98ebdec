package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RunMode selects what happens to the machines once a task finishes.
type RunMode string

const (
	// RunModeBatch shuts machines down after the task.
	RunModeBatch RunMode = "batch"
	// RunModeInteractive leaves machines running for the operator.
	RunModeInteractive RunMode = "interactive"
	// RunModeAuto picks interactive when stdin is a terminal, batch otherwise.
	RunModeAuto RunMode = "auto"
)

// Config holds all configuration for the anvil CLI.
type Config struct {
	// Provider selects the machine template set (e.g. "sailfish").
	Provider string `yaml:"provider"`

	// RunMode controls machine shutdown after a task: batch, interactive or auto.
	RunMode RunMode `yaml:"run_mode"`

	// Controller configures the external VM controller binary.
	Controller ControllerConfig `yaml:"controller"`

	// Lifecycle tunes machine start/stop polling.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// ShareDir overrides the discovered key-storage directory. Empty means
	// discover it from the build engine's shared-folder configuration.
	ShareDir string `yaml:"share_dir"`

	// LockDir is the directory for per-machine lifecycle lock files.
	LockDir string `yaml:"lock_dir"`
}

// ControllerConfig configures the external VM controller invocation.
type ControllerConfig struct {
	// Binary is the controller executable (looked up in PATH if not absolute).
	Binary string `yaml:"binary"`

	// Timeout bounds a single controller invocation.
	Timeout time.Duration `yaml:"timeout"`
}

// LifecycleConfig tunes the lifecycle controller's polling behavior.
type LifecycleConfig struct {
	// ShutdownPollInterval is the delay between running-machine list polls
	// while waiting for a machine to power off.
	ShutdownPollInterval time.Duration `yaml:"shutdown_poll_interval"`

	// MaxShutdownPolls bounds the shutdown wait. Zero means the stock
	// unbounded behavior.
	MaxShutdownPolls int `yaml:"max_shutdown_polls"`

	// ReadyAttempts is how many times the readiness probe tries to establish
	// a remote session after start.
	ReadyAttempts int `yaml:"ready_attempts"`

	// ReadyInterval is the delay between readiness probe attempts.
	ReadyInterval time.Duration `yaml:"ready_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	anvilDir := filepath.Join(home, ".anvil")

	return Config{
		Provider: "sailfish",
		RunMode:  RunModeAuto,
		Controller: ControllerConfig{
			Binary:  "VBoxManage",
			Timeout: 30 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			ShutdownPollInterval: 2 * time.Second,
			MaxShutdownPolls:     150,
			ReadyAttempts:        30,
			ReadyInterval:        2 * time.Second,
		},
		LockDir: filepath.Join(anvilDir, "locks"),
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks field values that cannot be expressed in the type system.
func (c Config) Validate() error {
	switch c.RunMode {
	case RunModeBatch, RunModeInteractive, RunModeAuto:
	default:
		return fmt.Errorf("unknown run mode %q", c.RunMode)
	}
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Controller.Binary == "" {
		return fmt.Errorf("controller binary is required")
	}
	if c.Lifecycle.ShutdownPollInterval <= 0 {
		return fmt.Errorf("shutdown poll interval must be positive")
	}
	if c.Lifecycle.MaxShutdownPolls < 0 {
		return fmt.Errorf("max shutdown polls must not be negative")
	}
	if c.Lifecycle.ReadyAttempts < 1 {
		return fmt.Errorf("ready attempts must be at least 1")
	}
	return nil
}
