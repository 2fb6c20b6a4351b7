package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/hive/internal/cachemanager"
	"github.com/zjrosen/hive/internal/config"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
)

// statusTTL bounds how stale a cached worktree status may be.
const statusTTL = 5 * time.Second

// Mapping is the branch-and-directory pair assigned to a worker.
type Mapping struct {
	WorkerID string
	Path     string
	Branch   string
}

// Status reports the state of a worker's worktree relative to its base.
type Status struct {
	Exists     bool
	HasChanges bool
	Ahead      int
	Behind     int
}

// Manager provisions and tears down per-worker worktrees. Operations on
// the same worker id are serialized; different worker ids proceed
// concurrently.
type Manager struct {
	cfg  config.WorktreeConfig
	exec Executor

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	status *cachemanager.ReadThroughCache[string, Status, string]
}

// NewManager creates a Manager over the given executor.
func NewManager(cfg config.WorktreeConfig, exec Executor) *Manager {
	m := &Manager{
		cfg:   cfg,
		exec:  exec,
		locks: make(map[string]*sync.Mutex),
	}
	cache := cachemanager.NewInMemoryCacheManager[string, Status]("worktree-status", statusTTL, time.Minute)
	m.status = cachemanager.NewReadThroughCache(cache, m.statusOf, false)
	return m
}

// lockFor returns the mutex serializing operations for one worker id.
func (m *Manager) lockFor(workerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[workerID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[workerID] = lock
	}
	return lock
}

// MappingFor derives the worktree path and branch for a worker id. It is
// pure; the worktree may or may not exist.
func (m *Manager) MappingFor(workerID string) Mapping {
	short := shortID(workerID)
	return Mapping{
		WorkerID: workerID,
		Path:     filepath.Join(m.cfg.BaseDir, short),
		Branch:   m.cfg.BranchPrefix + short,
	}
}

// shortID returns the first 8 characters of a worker id.
func shortID(workerID string) string {
	if len(workerID) > 8 {
		return workerID[:8]
	}
	return workerID
}

// Create provisions a worktree for the worker. If the path already
// exists the pre-existing mapping is returned unchanged. When branch
// creation fails because the branch already exists, the worktree is
// attached to the existing branch instead.
func (m *Manager) Create(ctx context.Context, workerID string) (Mapping, error) {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	mapping := m.MappingFor(workerID)
	if _, err := os.Stat(mapping.Path); err == nil {
		log.Debug(log.CatTree, "worktree already present", "worker", workerID, "path", mapping.Path)
		return mapping, nil
	}

	// Refresh remote tracking first. Failure is tolerated; repositories
	// without a reachable remote still get local worktrees.
	if err := m.exec.Fetch(ctx, m.cfg.Remote); err != nil {
		log.Warn(log.CatTree, "remote fetch failed", "worker", workerID, "remote", m.cfg.Remote, "error", err)
	}

	err := m.exec.CreateWorktree(ctx, mapping.Path, mapping.Branch, m.cfg.DefaultBaseBranch)
	if errors.Is(err, ErrBranchAlreadyExists) {
		err = m.exec.AddWorktree(ctx, mapping.Path, mapping.Branch)
	}
	if err != nil {
		return Mapping{}, fmt.Errorf("worker %s: %w: %w", workerID, fleet.ErrWorktreeCreate, err)
	}

	m.status.Invalidate(ctx, workerID)
	log.Info(log.CatTree, "worktree created", "worker", workerID, "path", mapping.Path, "branch", mapping.Branch)
	return mapping, nil
}

// Remove tears down the worker's worktree and branch. Removal is best
// effort: a locked worktree falls back to forced directory deletion plus
// a prune, and failures are logged, never returned.
func (m *Manager) Remove(workerID string) {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	mapping := m.MappingFor(workerID)
	if err := m.exec.RemoveWorktree(mapping.Path); err != nil {
		if errors.Is(err, ErrWorktreeLocked) {
			if rmErr := os.RemoveAll(mapping.Path); rmErr != nil {
				log.Warn(log.CatTree, "forced deletion failed", "worker", workerID, "path", mapping.Path, "error", rmErr)
			}
			if pruneErr := m.exec.PruneWorktrees(); pruneErr != nil {
				log.Warn(log.CatTree, "prune failed", "worker", workerID, "error", pruneErr)
			}
		} else {
			log.Warn(log.CatTree, "worktree removal failed", "worker", workerID, "path", mapping.Path, "error", err)
		}
	}

	if m.exec.BranchExists(mapping.Branch) {
		if err := m.exec.DeleteBranch(mapping.Branch); err != nil {
			log.Warn(log.CatTree, "branch deletion failed", "worker", workerID, "branch", mapping.Branch, "error", err)
		}
	}

	m.status.Invalidate(context.Background(), workerID)
	log.Info(log.CatTree, "worktree removed", "worker", workerID, "path", mapping.Path)
}

// Commit stages everything in the worker's worktree and commits it,
// returning the new commit hash. A clean tree yields ErrNoChanges.
func (m *Manager) Commit(workerID, message string) (string, error) {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	mapping := m.MappingFor(workerID)
	dirty, err := m.exec.HasChanges(mapping.Path)
	if err != nil {
		return "", fmt.Errorf("worker %s: %w", workerID, err)
	}
	if !dirty {
		return "", fmt.Errorf("worker %s: %w", workerID, fleet.ErrNoChanges)
	}

	hash, err := m.exec.CommitAll(mapping.Path, message)
	if err != nil {
		return "", fmt.Errorf("worker %s: %w", workerID, err)
	}

	m.status.Invalidate(context.Background(), workerID)
	log.Info(log.CatTree, "changes committed", "worker", workerID, "commit", hash)
	return hash, nil
}

// Push pushes the worker's branch to the configured remote.
func (m *Manager) Push(ctx context.Context, workerID string) error {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	mapping := m.MappingFor(workerID)
	if err := m.exec.Push(ctx, mapping.Path, m.cfg.Remote, mapping.Branch); err != nil {
		return fmt.Errorf("worker %s: %w", workerID, err)
	}

	m.status.Invalidate(ctx, workerID)
	log.Info(log.CatTree, "branch pushed", "worker", workerID, "branch", mapping.Branch, "remote", m.cfg.Remote)
	return nil
}

// CreatePR opens a pull request for the worker's branch and returns its
// URL. The branch must have been pushed first.
func (m *Manager) CreatePR(ctx context.Context, workerID, title, body string) (string, error) {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	mapping := m.MappingFor(workerID)
	url, err := m.exec.CreatePR(ctx, mapping.Path, title, body)
	if err != nil {
		return "", fmt.Errorf("worker %s: %w", workerID, err)
	}

	log.Info(log.CatTree, "pull request opened", "worker", workerID, "url", url)
	return url, nil
}

// Status reports the worker's worktree state. Results are cached for a
// short TTL; commit, push, and remove invalidate the entry.
func (m *Manager) Status(ctx context.Context, workerID string) (Status, error) {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	return m.status.Get(ctx, workerID, workerID, statusTTL)
}

// statusOf is the cache loader behind Status.
func (m *Manager) statusOf(_ context.Context, workerID string) (Status, error) {
	mapping := m.MappingFor(workerID)
	if _, err := os.Stat(mapping.Path); err != nil {
		return Status{}, nil
	}

	st := Status{Exists: true}
	dirty, err := m.exec.HasChanges(mapping.Path)
	if err != nil {
		return Status{}, fmt.Errorf("worker %s: %w", workerID, err)
	}
	st.HasChanges = dirty

	// Upstream may not exist before the first push; counts stay zero.
	upstream := m.cfg.Remote + "/" + m.cfg.DefaultBaseBranch
	if ahead, behind, err := m.exec.AheadBehind(mapping.Path, upstream); err == nil {
		st.Ahead, st.Behind = ahead, behind
	}
	return st, nil
}

// ListAll returns the registered worktrees managed by this instance,
// identified by the configured branch prefix.
func (m *Manager) ListAll() ([]Info, error) {
	infos, err := m.exec.ListWorktrees()
	if err != nil {
		return nil, err
	}

	managed := make([]Info, 0, len(infos))
	for _, info := range infos {
		if m.cfg.BranchPrefix != "" && !strings.HasPrefix(info.Branch, m.cfg.BranchPrefix) {
			continue
		}
		managed = append(managed, info)
	}
	return managed, nil
}

// Prune drops stale worktree registrations.
func (m *Manager) Prune() error {
	return m.exec.PruneWorktrees()
}

// CleanupOrphaned removes managed worktrees whose worker is no longer
// active. activeIDs are full worker ids. Returns how many were removed.
func (m *Manager) CleanupOrphaned(activeIDs []string) int {
	active := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		active[shortID(id)] = struct{}{}
	}

	infos, err := m.ListAll()
	if err != nil {
		log.Warn(log.CatTree, "orphan scan failed", "error", err)
		return 0
	}

	removed := 0
	for _, info := range infos {
		if _, ok := active[filepath.Base(info.Path)]; ok {
			continue
		}
		if err := m.exec.RemoveWorktree(info.Path); err != nil {
			log.Warn(log.CatTree, "orphan removal failed", "path", info.Path, "error", err)
			continue
		}
		if info.Branch != "" && m.exec.BranchExists(info.Branch) {
			if err := m.exec.DeleteBranch(info.Branch); err != nil {
				log.Warn(log.CatTree, "orphan branch deletion failed", "branch", info.Branch, "error", err)
			}
		}
		log.Info(log.CatTree, "orphan worktree removed", "path", info.Path, "branch", info.Branch)
		removed++
	}

	if removed > 0 {
		if err := m.exec.PruneWorktrees(); err != nil {
			log.Warn(log.CatTree, "prune after cleanup failed", "error", err)
		}
	}
	return removed
}
