// Package cmd wires the hive command line interface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/hive/internal/config"
	"github.com/zjrosen/hive/internal/paths"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Agent fleet orchestrator",
	Long: `Hive spawns and supervises fleets of agent subprocesses. Workers get
isolated git worktrees, heartbeat supervision, crash recovery, and shared
coordination state (blackboard, mail, checkpoints). Wave plans run groups
of workers in dependency order.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/hive/config.yml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"log debug detail to the hive log file")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("fleet.max_workers", defaults.Fleet.MaxWorkers)
	viper.SetDefault("fleet.max_depth", defaults.Fleet.MaxDepth)
	viper.SetDefault("fleet.max_restarts", defaults.Fleet.MaxRestarts)
	viper.SetDefault("fleet.heartbeat_interval_ms", defaults.Fleet.HeartbeatIntervalMs)
	viper.SetDefault("fleet.stale_threshold_ms", defaults.Fleet.StaleThresholdMs)
	viper.SetDefault("fleet.grace_period_ms", defaults.Fleet.GracePeriodMs)
	viper.SetDefault("fleet.command", defaults.Fleet.Command)
	viper.SetDefault("fleet.ready_pattern", defaults.Fleet.ReadyPattern)
	viper.SetDefault("fleet.prompt_pattern", defaults.Fleet.PromptPattern)
	viper.SetDefault("fleet.idle_window_ms", defaults.Fleet.IdleWindowMs)
	viper.SetDefault("worktree.enabled", defaults.Worktree.Enabled)
	viper.SetDefault("worktree.repo_path", defaults.Worktree.RepoPath)
	viper.SetDefault("worktree.base_dir", defaults.Worktree.BaseDir)
	viper.SetDefault("worktree.branch_prefix", defaults.Worktree.BranchPrefix)
	viper.SetDefault("worktree.default_base_branch", defaults.Worktree.DefaultBaseBranch)
	viper.SetDefault("worktree.remote", defaults.Worktree.Remote)
	viper.SetDefault("hooks.mode", defaults.Hooks.Mode)
	viper.SetDefault("hooks.rules_path", defaults.Hooks.RulesPath)
	viper.SetDefault("storage.backend", defaults.Storage.Backend)
	viper.SetDefault("storage.path", defaults.Storage.Path)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("waves.plan_dir", defaults.Waves.PlanDir)
	viper.SetDefault("waves.default_timeout_ms", defaults.Waves.DefaultTimeoutMs)
	viper.SetDefault("waves.success_pattern", defaults.Waves.SuccessPattern)
	viper.SetDefault("board.sweep_interval_ms", defaults.Board.SweepIntervalMs)
	viper.SetDefault("board.max_age_hours", defaults.Board.MaxAgeHours)
	viper.SetDefault("board.retention_hours", defaults.Board.RetentionHours)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(paths.ConfigDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("HIVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// No config file anywhere - write the commented default so the
		// user has something to edit, then keep going either way.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			if writeErr := config.WriteDefaultConfig(paths.ConfigFile()); writeErr == nil {
				viper.SetConfigFile(paths.ConfigFile())
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
