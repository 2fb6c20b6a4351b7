package worktree

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Git-specific errors for worktree operations.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrBranchAlreadyExists indicates a branch with that name already exists.
	ErrBranchAlreadyExists = errors.New("branch already exists")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")
)

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by executing actual git commands.
type RealExecutor struct {
	repoDir string
}

// NewRealExecutor creates a RealExecutor rooted at the given repository.
func NewRealExecutor(repoDir string) *RealExecutor {
	return &RealExecutor{repoDir: repoDir}
}

// runGit executes a git command and returns an error if it fails.
// dir overrides the repository root when non-empty.
func (e *RealExecutor) runGit(ctx context.Context, dir string, args ...string) error {
	_, err := e.runGitOutput(ctx, dir, args...)
	return err
}

// runGitOutput executes a git command and returns stdout and any error.
func (e *RealExecutor) runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = e.repoDir
	}
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), ctx.Err())
		}
		stderrStr := strings.TrimSpace(stderr.String())
		// Parse git-specific errors
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	// Branch exists: fatal: a branch named '<name>' already exists
	if strings.Contains(stderrLower, "branch named") && strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyExists, stderr)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	// Locked worktree: fatal: '<path>' is locked
	if strings.Contains(stderrLower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}

	// Not a git repository
	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo checks if the configured directory is a git repository.
func (e *RealExecutor) IsGitRepo() bool {
	err := e.runGit(context.Background(), "", "rev-parse", "--git-dir")
	return err == nil
}

// Fetch refreshes remote tracking refs, pruning deleted ones.
func (e *RealExecutor) Fetch(ctx context.Context, remote string) error {
	return e.runGit(ctx, "", "fetch", "--prune", remote)
}

// CreateWorktree creates a new worktree at the specified path.
// If baseBranch is empty, the new branch is based on HEAD.
func (e *RealExecutor) CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error {
	// git worktree add -b <new-branch> <path> [<start-point>]
	args := []string{"worktree", "add", "-b", newBranch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	return e.runGit(ctx, "", args...)
}

// AddWorktree creates a worktree at path on an already existing branch.
func (e *RealExecutor) AddWorktree(ctx context.Context, path, branch string) error {
	return e.runGit(ctx, "", "worktree", "add", path, branch)
}

// RemoveWorktree removes a worktree at the specified path.
func (e *RealExecutor) RemoveWorktree(path string) error {
	// First try normal remove
	err := e.runGit(context.Background(), "", "worktree", "remove", path)
	if err != nil {
		// If it fails, try with --force
		return e.runGit(context.Background(), "", "worktree", "remove", "--force", path)
	}
	return nil
}

// PruneWorktrees removes stale worktree references.
func (e *RealExecutor) PruneWorktrees() error {
	return e.runGit(context.Background(), "", "worktree", "prune")
}

// ListWorktrees returns information about all worktrees.
func (e *RealExecutor) ListWorktrees() ([]Info, error) {
	output, err := e.runGitOutput(context.Background(), "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// parseWorktreeList parses the porcelain output of git worktree list.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
//	<blank line>
func parseWorktreeList(output string) []Info {
	var worktrees []Info
	var current Info

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// End of a worktree entry
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = Info{}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}

		key, value := parts[0], parts[1]
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.HEAD = value
		case "branch":
			// Extract branch name from refs/heads/branch-name
			if after, found := strings.CutPrefix(value, "refs/heads/"); found {
				current.Branch = after
			} else {
				current.Branch = value
			}
		}
	}

	// Don't forget the last entry if output doesn't end with blank line
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}

// BranchExists checks if a branch with the given name exists.
func (e *RealExecutor) BranchExists(name string) bool {
	err := e.runGit(context.Background(), "", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// DeleteBranch force-deletes a local branch.
func (e *RealExecutor) DeleteBranch(name string) error {
	return e.runGit(context.Background(), "", "branch", "-D", name)
}

// HasChanges checks if there are uncommitted changes in dir.
func (e *RealExecutor) HasChanges(dir string) (bool, error) {
	output, err := e.runGitOutput(context.Background(), dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output != "", nil
}

// CommitAll stages all changes in dir and commits them.
func (e *RealExecutor) CommitAll(dir, message string) (string, error) {
	if err := e.runGit(context.Background(), dir, "add", "-A"); err != nil {
		return "", err
	}
	if err := e.runGit(context.Background(), dir, "commit", "-m", message); err != nil {
		return "", err
	}
	return e.runGitOutput(context.Background(), dir, "rev-parse", "HEAD")
}

// Push pushes branch from dir to the named remote with upstream tracking.
func (e *RealExecutor) Push(ctx context.Context, dir, remote, branch string) error {
	return e.runGit(ctx, dir, "push", "-u", remote, branch)
}

// AheadBehind counts commits between dir's HEAD and upstream using
// git rev-list --left-right --count HEAD...<upstream>.
func (e *RealExecutor) AheadBehind(dir, upstream string) (int, int, error) {
	output, err := e.runGitOutput(context.Background(), dir, "rev-list", "--left-right", "--count", "HEAD..."+upstream)
	if err != nil {
		return 0, 0, err
	}
	return parseAheadBehind(output)
}

// parseAheadBehind parses "N\tM" rev-list output into ahead/behind counts.
func parseAheadBehind(output string) (int, int, error) {
	fields := strings.Fields(output)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", output)
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing ahead count: %w", err)
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing behind count: %w", err)
	}
	return ahead, behind, nil
}

// CreatePR opens a pull request for dir's current branch via the gh CLI.
func (e *RealExecutor) CreatePR(ctx context.Context, dir, title, body string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "gh", "pr", "create", "--title", title, "--body", body)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("gh pr create: %s: %w", msg, err)
		}
		return "", fmt.Errorf("gh pr create: %w", err)
	}

	return strings.TrimSpace(stdout.String()), nil
}
