// Package git provides an interface for git operations.
package git

// RepoOperations defines repository-level queries.
type RepoOperations interface {
	// IsRepo returns true if the runner's directory is inside a git work tree.
	IsRepo() bool
	// HasCommits returns true if HEAD resolves to at least one commit.
	HasCommits() bool
	// HeadSHA returns the SHA of HEAD.
	HeadSHA() (string, error)
	// TopLevel returns the repository root for the runner's directory.
	TopLevel() (string, error)
}

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// BranchExists returns true if the local branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
}

// DiffOperations defines the interface for git diff and status operations.
type DiffOperations interface {
	// Status returns the output of git status --porcelain.
	Status() (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// Diff returns the working-tree diff against HEAD.
	Diff() (string, error)
	// DiffNoIndex diffs two directory trees outside any index.
	// A non-empty diff is not an error.
	DiffNoIndex(a, b string) (string, error)
	// ConflictedFiles returns a list of files with unmerged changes.
	ConflictedFiles() ([]string, error)
}

// CommitOperations defines the interface for git commit operations.
type CommitOperations interface {
	// AddAll stages every change in the work tree.
	AddAll() error
	// Commit creates a new commit with the given message.
	Commit(message string) error
}

// MergeOperations defines the interface for git merge operations.
type MergeOperations interface {
	// MergeNoFF merges the branch with --no-ff and the given message,
	// returning the command output. A conflicted merge returns the output
	// together with a non-nil error.
	MergeNoFF(branch, message string) (string, error)
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
	// MergeInProgress returns true if MERGE_HEAD exists.
	MergeInProgress() bool
	// IsAncestor returns true if ancestor is an ancestor of ref.
	IsAncestor(ancestor, ref string) (bool, error)
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAdd creates a worktree at path checked out on an existing branch.
	WorktreeAdd(path, branch string, force bool) error
	// WorktreeAddNewBranch creates a worktree together with a new branch.
	WorktreeAddNewBranch(path, branch string, force bool) error
	// WorktreeRemove removes the worktree at the given path with --force.
	WorktreeRemove(path string) error
	// WorktreeListPorcelain returns the raw porcelain listing.
	WorktreeListPorcelain() (string, error)
	// WorktreePrune removes stale worktree registrations.
	WorktreePrune() error
}

// Runner defines the complete interface for git operations.
// Consumers should prefer the focused interfaces when possible.
type Runner interface {
	RepoOperations
	BranchOperations
	DiffOperations
	CommitOperations
	MergeOperations
	WorktreeOperations
	// Run executes an arbitrary git command with the given arguments.
	Run(args ...string) (string, error)
}
