package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSave_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	cfg := Defaults()
	cfg.Fleet.MaxWorkers = 12
	cfg.Storage.Backend = "bolt"
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded Config
	require.NoError(t, yaml.Unmarshal(data, &loaded))
	require.Equal(t, 12, loaded.Fleet.MaxWorkers)
	require.Equal(t, "bolt", loaded.Storage.Backend)
	require.Equal(t, cfg.Worktree, loaded.Worktree)
}

func TestSave_PreservesCommentsAndUnknownSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	original := `# my tuned setup
storage:
  backend: sqlite

# not ours, leave alone
editor:
  command: vim
`
	require.NoError(t, os.WriteFile(path, []byte(original), 0o600))

	cfg := Defaults()
	cfg.Storage.Backend = "bolt"
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	require.Contains(t, text, "# my tuned setup")
	require.Contains(t, text, "editor:")
	require.Contains(t, text, "command: vim")
	require.Contains(t, text, "backend: bolt")
}

func TestSaveSection_UpdatesOnlyThatSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, WriteDefaultConfig(path))

	require.NoError(t, SaveSection(path, "hooks", HooksConfig{Mode: "advisory"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Equal(t, "advisory", cfg.Hooks.Mode)
	require.Equal(t, 100, cfg.Fleet.MaxWorkers)

	// Section comments elsewhere in the template survive the update.
	require.Contains(t, string(data), "# Worker lifecycle and supervision")
}

func TestSaveSection_MissingFileCreatesIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh", "config.yml")

	require.NoError(t, SaveSection(path, "storage", StorageConfig{Backend: "sqlite", Path: ":memory:"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Equal(t, ":memory:", cfg.Storage.Path)
}

func TestSave_RoundTripKeepsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	cfg := Defaults()
	cfg.Fleet.ReadyPattern = `^ok$`
	cfg.Waves.SuccessPattern = "DONE"
	require.NoError(t, Save(path, cfg))

	// Saving again over the saved file must not change values.
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded Config
	require.NoError(t, yaml.Unmarshal(data, &loaded))
	require.Equal(t, cfg.Fleet, loaded.Fleet)
	require.Equal(t, cfg.Waves, loaded.Waves)
	require.Equal(t, cfg.Tracing, loaded.Tracing)
}
