// Package testutil provides store setup and data builders for tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hive/internal/config"
	"github.com/zjrosen/hive/internal/store"
	"github.com/zjrosen/hive/internal/store/sqlite"
)

// NewTestStore creates an in-memory SQLite store with the full schema.
// The store is closed when the test finishes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(config.StorageConfig{Backend: "sqlite", Path: sqlite.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewBoltTestStore creates a bolt store in the test's temp directory.
// The store is closed when the test finishes.
func NewBoltTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hive.db")
	s, err := store.Open(config.StorageConfig{Backend: "bolt", Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
