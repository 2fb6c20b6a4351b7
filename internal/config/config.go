// Package config provides configuration types and defaults for hive.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/hive/internal/log"
	"github.com/zjrosen/hive/internal/paths"
)

// Config holds all configuration options for hive.
type Config struct {
	Fleet    FleetConfig    `mapstructure:"fleet" yaml:"fleet"`
	Worktree WorktreeConfig `mapstructure:"worktree" yaml:"worktree"`
	Hooks    HooksConfig    `mapstructure:"hooks" yaml:"hooks"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
	Waves    WavesConfig    `mapstructure:"waves" yaml:"waves"`
	Board    BoardConfig    `mapstructure:"board" yaml:"board"`
}

// FleetConfig holds worker lifecycle and supervision settings.
type FleetConfig struct {
	// MaxWorkers is the hard cap on non-dismissed workers.
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`

	// MaxDepth is the longest allowed spawn chain (root = 0).
	MaxDepth int `mapstructure:"max_depth" yaml:"max_depth"`

	// MaxRestarts bounds automatic recovery attempts per worker.
	MaxRestarts int `mapstructure:"max_restarts" yaml:"max_restarts"`

	// HeartbeatIntervalMs is how often the stale sweep runs.
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`

	// StaleThresholdMs is how long without a heartbeat before a worker is
	// marked error.
	StaleThresholdMs int `mapstructure:"stale_threshold_ms" yaml:"stale_threshold_ms"`

	// GracePeriodMs is how long terminate waits between the soft signal
	// and the hard kill.
	GracePeriodMs int `mapstructure:"grace_period_ms" yaml:"grace_period_ms"`

	// Command is the agent command vector workers run.
	Command []string `mapstructure:"command" yaml:"command"`

	// ReadyPattern is the regex over output lines that moves a pending
	// worker to ready.
	ReadyPattern string `mapstructure:"ready_pattern" yaml:"ready_pattern"`

	// PromptPattern is the regex a quiet worker's last line must match to
	// count as idle.
	PromptPattern string `mapstructure:"prompt_pattern" yaml:"prompt_pattern"`

	// IdleWindowMs is the silent window required before idle detection.
	IdleWindowMs int `mapstructure:"idle_window_ms" yaml:"idle_window_ms"`
}

// HeartbeatInterval returns the sweep interval as a duration.
func (f FleetConfig) HeartbeatInterval() time.Duration {
	return time.Duration(f.HeartbeatIntervalMs) * time.Millisecond
}

// StaleThreshold returns the stale cutoff as a duration.
func (f FleetConfig) StaleThreshold() time.Duration {
	return time.Duration(f.StaleThresholdMs) * time.Millisecond
}

// GracePeriod returns the terminate grace as a duration.
func (f FleetConfig) GracePeriod() time.Duration {
	return time.Duration(f.GracePeriodMs) * time.Millisecond
}

// IdleWindow returns the idle window as a duration.
func (f FleetConfig) IdleWindow() time.Duration {
	return time.Duration(f.IdleWindowMs) * time.Millisecond
}

// WorktreeConfig holds git worktree isolation settings.
type WorktreeConfig struct {
	// Enabled controls whether spawned workers get isolated worktrees.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// RepoPath is the repository worktrees are created from.
	RepoPath string `mapstructure:"repo_path" yaml:"repo_path"`

	// BaseDir is where per-worker worktree directories live.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`

	// BranchPrefix prefixes every worker branch name.
	BranchPrefix string `mapstructure:"branch_prefix" yaml:"branch_prefix"`

	// DefaultBaseBranch is what worker branches are created from.
	DefaultBaseBranch string `mapstructure:"default_base_branch" yaml:"default_base_branch"`

	// Remote is the remote fetched before branching and pushed to.
	Remote string `mapstructure:"remote" yaml:"remote"`
}

// HooksConfig holds safety hook pipeline settings.
type HooksConfig struct {
	// Mode selects hook behavior: "enforce" blocks, "advisory" warns.
	Mode string `mapstructure:"mode" yaml:"mode"`

	// RulesPath is an optional YAML file of extra pattern hooks, watched
	// for changes.
	RulesPath string `mapstructure:"rules_path" yaml:"rules_path,omitempty"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	// Backend is "sqlite" (default) or "bolt".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Path is the database file path. ":memory:" gives an ephemeral
	// sqlite store.
	Path string `mapstructure:"path" yaml:"path"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp". Default: "file".
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path" yaml:"file_path,omitempty"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint,omitempty"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// WavesConfig holds wave orchestration settings.
type WavesConfig struct {
	// PlanDir is scanned for user plan files in addition to the builtins.
	PlanDir string `mapstructure:"plan_dir" yaml:"plan_dir"`

	// DefaultTimeoutMs bounds each wave when the plan gives no timeout.
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms" yaml:"default_timeout_ms"`

	// SuccessPattern is the default regex over worker output that counts
	// as success. Plans may override per wave.
	SuccessPattern string `mapstructure:"success_pattern" yaml:"success_pattern,omitempty"`
}

// DefaultTimeout returns the per-wave timeout as a duration.
func (w WavesConfig) DefaultTimeout() time.Duration {
	return time.Duration(w.DefaultTimeoutMs) * time.Millisecond
}

// BoardConfig holds blackboard retention settings.
type BoardConfig struct {
	// SweepIntervalMs is how often the daemon runs the board retention
	// sweep. Zero disables it.
	SweepIntervalMs int `mapstructure:"sweep_interval_ms" yaml:"sweep_interval_ms"`

	// MaxAgeHours archives live messages older than this. Zero never
	// archives by age.
	MaxAgeHours int `mapstructure:"max_age_hours" yaml:"max_age_hours"`

	// RetentionHours purges archived messages older than this. Zero
	// keeps archives forever.
	RetentionHours int `mapstructure:"retention_hours" yaml:"retention_hours"`
}

// SweepInterval returns the retention sweep cadence as a duration.
func (b BoardConfig) SweepInterval() time.Duration {
	return time.Duration(b.SweepIntervalMs) * time.Millisecond
}

// MaxAge returns the live-message age limit as a duration.
func (b BoardConfig) MaxAge() time.Duration {
	return time.Duration(b.MaxAgeHours) * time.Hour
}

// Retention returns the archived-message retention as a duration.
func (b BoardConfig) Retention() time.Duration {
	return time.Duration(b.RetentionHours) * time.Hour
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Fleet: FleetConfig{
			MaxWorkers:          100,
			MaxDepth:            3,
			MaxRestarts:         3,
			HeartbeatIntervalMs: 30_000,
			StaleThresholdMs:    120_000,
			GracePeriodMs:       5_000,
			Command:             []string{"claude"},
			ReadyPattern:        `(?i)^ready\b`,
			PromptPattern:       `[>»] ?$`,
			IdleWindowMs:        15_000,
		},
		Worktree: WorktreeConfig{
			Enabled:           true,
			RepoPath:          ".",
			BaseDir:           paths.DefaultWorktreeBaseDir(),
			BranchPrefix:      "hive/",
			DefaultBaseBranch: "main",
			Remote:            "origin",
		},
		Hooks: HooksConfig{
			Mode: "enforce",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    paths.DefaultDBPath(),
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     paths.DefaultTracesFilePath(),
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Waves: WavesConfig{
			PlanDir:          paths.DefaultPlanDir(),
			DefaultTimeoutMs: 600_000,
			SuccessPattern:   "",
		},
		Board: BoardConfig{
			SweepIntervalMs: 3_600_000,
			MaxAgeHours:     72,
			RetentionHours:  168,
		},
	}
}

// Validate checks the configuration for errors. Empty values that have
// defaults are valid.
func Validate(cfg Config) error {
	if cfg.Fleet.MaxWorkers < 1 {
		return fmt.Errorf("fleet.max_workers must be at least 1, got %d", cfg.Fleet.MaxWorkers)
	}
	if cfg.Fleet.MaxDepth < 0 {
		return fmt.Errorf("fleet.max_depth must not be negative, got %d", cfg.Fleet.MaxDepth)
	}
	if cfg.Fleet.MaxRestarts < 0 {
		return fmt.Errorf("fleet.max_restarts must not be negative, got %d", cfg.Fleet.MaxRestarts)
	}
	if len(cfg.Fleet.Command) == 0 {
		return fmt.Errorf("fleet.command must name the agent executable")
	}

	switch cfg.Hooks.Mode {
	case "", "enforce", "advisory":
	default:
		return fmt.Errorf("hooks.mode must be \"enforce\" or \"advisory\", got %q", cfg.Hooks.Mode)
	}

	switch cfg.Storage.Backend {
	case "", "sqlite", "bolt":
	default:
		return fmt.Errorf("storage.backend must be \"sqlite\" or \"bolt\", got %q", cfg.Storage.Backend)
	}

	if cfg.Board.SweepIntervalMs < 0 || cfg.Board.MaxAgeHours < 0 || cfg.Board.RetentionHours < 0 {
		return fmt.Errorf("board retention settings must not be negative")
	}

	return ValidateTracing(cfg.Tracing)
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Hive Configuration

# Worker lifecycle and supervision
fleet:
  max_workers: 100          # Hard cap on non-dismissed workers
  max_depth: 3              # Longest allowed spawn chain (root = 0)
  max_restarts: 3           # Automatic recovery attempts per worker
  heartbeat_interval_ms: 30000
  stale_threshold_ms: 120000
  grace_period_ms: 5000     # Soft-to-hard kill delay on terminate
  command: ["claude"]       # Agent command vector workers run
  # ready_pattern: "(?i)^ready\\b"
  # prompt_pattern: "[>»] ?$"
  # idle_window_ms: 15000

# Git worktree isolation
worktree:
  enabled: true
  repo_path: "."
  # base_dir: ~/.hive/worktrees
  branch_prefix: "hive/"
  default_base_branch: main
  remote: origin

# Safety hook pipeline
hooks:
  mode: enforce             # enforce (block) or advisory (warn)
  # rules_path: ~/.config/hive/hooks.yml

# Storage backend
storage:
  backend: sqlite           # sqlite (default) or bolt
  # path: ~/.hive/hive.db

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: file          # none, file, stdout, otlp
#   file_path: ~/.config/hive/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0

# Wave orchestration
waves:
  # plan_dir: ~/.config/hive/plans
  default_timeout_ms: 600000
  # success_pattern: "DONE"

# Blackboard retention
board:
  sweep_interval_ms: 3600000  # Hourly; 0 disables the sweep
  max_age_hours: 72           # Archive live messages older than this
  retention_hours: 168        # Purge archives older than this
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
