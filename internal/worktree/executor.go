// Package worktree provisions isolated git worktrees for workers. Each
// worker gets a branch-and-directory pair derived from its id so edits
// never collide with the main checkout or with other workers.
package worktree

import "context"

// Info holds information about a git worktree.
type Info struct {
	Path   string
	Branch string
	HEAD   string
}

// Executor defines the git (and gh) operations the manager needs.
// This abstraction allows for easy testing with fake implementations.
type Executor interface {
	// IsGitRepo checks whether the configured repository is a git repo.
	IsGitRepo() bool

	// Fetch refreshes remote tracking refs for the named remote.
	Fetch(ctx context.Context, remote string) error

	// CreateWorktree creates a new worktree at path with a new branch.
	// newBranch is the name of the new branch to create.
	// baseBranch is the starting point for the new branch; if empty,
	// the current HEAD is used.
	CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error

	// AddWorktree creates a worktree at path checked out on an existing
	// branch.
	AddWorktree(ctx context.Context, path, branch string) error

	// RemoveWorktree removes the worktree at path, retrying with --force
	// when the plain removal fails.
	RemoveWorktree(path string) error

	// PruneWorktrees removes stale worktree references.
	PruneWorktrees() error

	// ListWorktrees returns information about all registered worktrees.
	ListWorktrees() ([]Info, error)

	// BranchExists checks if a local branch with the given name exists.
	BranchExists(name string) bool

	// DeleteBranch force-deletes a local branch.
	DeleteBranch(name string) error

	// HasChanges reports whether dir has staged or unstaged changes.
	HasChanges(dir string) (bool, error)

	// CommitAll stages everything in dir, commits with message, and
	// returns the resulting commit hash.
	CommitAll(dir, message string) (string, error)

	// Push pushes branch from dir to the named remote, setting upstream.
	Push(ctx context.Context, dir, remote, branch string) error

	// AheadBehind counts how many commits dir's HEAD is ahead of and
	// behind the given upstream ref.
	AheadBehind(dir, upstream string) (ahead, behind int, err error)

	// CreatePR opens a pull request for dir's current branch via the gh
	// CLI and returns the PR URL.
	CreatePR(ctx context.Context, dir, title, body string) (string, error)
}
