package hooks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hive/internal/bus"
)

const sampleRules = `rules:
  - id: block-prod-db
    priority: 95
    ops: [bash_command]
    pattern: 'psql.*prod'
    reason: direct production database access
    severity: critical
  - id: warn-sudo
    priority: 20
    pattern: '^sudo '
    reason: privilege escalation
    severity: warning
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRules(t *testing.T) {
	hs, err := LoadRules(writeRules(t, sampleRules))
	require.NoError(t, err)
	require.Len(t, hs, 2)

	assert.Equal(t, "block-prod-db", hs[0].ID)
	assert.Equal(t, 95, hs[0].Priority)
	assert.False(t, hs[0].Validate(Context{Type: OpBashCommand, Command: "psql -h prod.db"}).Allowed)
	assert.True(t, hs[0].Validate(Context{Type: OpFileWrite, Path: "psql prod"}).Allowed, "op filter applies")

	d := hs[1].Validate(Context{Type: OpBashCommand, Command: "sudo rm x"})
	assert.False(t, d.Allowed)
	assert.Equal(t, SeverityWarning, d.Severity)
}

func TestLoadRules_MissingFileIsEmpty(t *testing.T) {
	hs, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, hs)
}

func TestLoadRules_BadPattern(t *testing.T) {
	_, err := LoadRules(writeRules(t, "rules:\n  - id: broken\n    pattern: '('\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestLoadRules_MalformedYAML(t *testing.T) {
	_, err := LoadRules(writeRules(t, "rules: [unclosed"))
	require.Error(t, err)
}

func TestWatchRules_InitialLoad(t *testing.T) {
	path := writeRules(t, sampleRules)
	p := NewPipeline(ModeEnforce, bus.New())

	w, err := WatchRules(p, path)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	result, err := p.Check(Context{Type: OpBashCommand, Command: "psql -h prod.db"})
	require.Error(t, err)
	assert.Equal(t, "block-prod-db", result.BlockedBy)
}

func TestWatchRules_ReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	p := NewPipeline(ModeEnforce, bus.New())

	// File does not exist yet; the watcher observes the directory.
	w, err := WatchRules(p, path)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	result, err := p.Check(Context{Type: OpBashCommand, Command: "psql -h prod.db"})
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o600))

	assert.Eventually(t, func() bool {
		_, err := p.Check(Context{Type: OpBashCommand, Command: "psql -h prod.db"})
		return err != nil
	}, 3*time.Second, 50*time.Millisecond, "rules should load after file creation")
}

func TestWatchRules_BadReloadKeepsPrevious(t *testing.T) {
	path := writeRules(t, sampleRules)
	p := NewPipeline(ModeEnforce, bus.New())

	w, err := WatchRules(p, path)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: broken\n    pattern: '('\n"), 0o600))

	// Past the debounce window the failed reload must not clear the
	// previously loaded rules.
	time.Sleep(reloadDebounce + 500*time.Millisecond)
	_, err = p.Check(Context{Type: OpBashCommand, Command: "psql -h prod.db"})
	require.Error(t, err)
}

func TestWatchRules_Stop(t *testing.T) {
	path := writeRules(t, sampleRules)
	w, err := WatchRules(NewPipeline(ModeEnforce, bus.New()), path)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, w.Stop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop timed out")
	}
}
