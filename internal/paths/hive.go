// Package paths provides path resolution utilities.
package paths

import (
	"os"
	"path/filepath"
)

// ConfigDir returns the hive configuration directory, ~/.config/hive.
// Falls back to .hive in the working directory when no home is available.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hive"
	}
	return filepath.Join(home, ".config", "hive")
}

// DataDir returns the hive data directory, ~/.hive. Databases, logs, and
// worktrees default to subdirectories of it.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hive"
	}
	return filepath.Join(home, ".hive")
}

// ConfigFile returns the default config file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yml")
}

// DefaultDBPath returns the default sqlite database path.
func DefaultDBPath() string {
	return filepath.Join(DataDir(), "hive.db")
}

// DefaultLogPath returns the default debug log path.
func DefaultLogPath() string {
	return filepath.Join(DataDir(), "debug.log")
}

// DefaultWorktreeBaseDir returns the default base directory under which
// per-worker worktrees are created.
func DefaultWorktreeBaseDir() string {
	return filepath.Join(DataDir(), "worktrees")
}

// DefaultPlanDir returns the directory scanned for user wave plans.
func DefaultPlanDir() string {
	return filepath.Join(ConfigDir(), "plans")
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	return filepath.Join(ConfigDir(), "traces", "traces.jsonl")
}
