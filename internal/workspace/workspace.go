// Package workspace materializes isolated working directories for
// candidates: git worktrees on throwaway branches, copied trees with an
// immutable baseline snapshot, or the repository itself.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ShayCichocki/orc/internal/git"
)

// Strategy selects how a workspace is materialized.
type Strategy string

const (
	// StrategyAuto picks worktree when possible, else copy.
	StrategyAuto Strategy = "auto"
	// StrategyWorktree uses a git worktree on a throwaway branch.
	StrategyWorktree Strategy = "worktree"
	// StrategyCopy uses a copied tree plus a baseline snapshot.
	StrategyCopy Strategy = "copy"
	// StrategyInPlace works directly in the repository.
	StrategyInPlace Strategy = "in_place"
)

// Valid returns true if the strategy is a known concrete value.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyWorktree, StrategyCopy, StrategyInPlace:
		return true
	default:
		return false
	}
}

// Workspace is one materialized working directory.
type Workspace struct {
	// Path is where agents operate.
	Path string
	// Strategy is the concrete strategy this workspace was built with.
	Strategy Strategy
	// RepoPath is the original repository.
	RepoPath string
	// RunDir is the directory owning this workspace's artifacts. Empty for
	// in_place run-level workspaces with no baseline.
	RunDir string
	// BaselinePath is the immutable snapshot for copy and in_place
	// strategies. Empty for worktree.
	BaselinePath string
	// BranchName is set for worktree workspaces.
	BranchName string

	gitFor GitFactory
	ignore []string
}

// GitFactory builds a git runner rooted at a directory. Tests substitute
// fakes here.
type GitFactory func(dir string) git.Runner

// Diff returns the unified diff of the workspace against its baseline.
// Worktree and git-backed in_place workspaces diff against HEAD; copy
// workspaces diff baseline vs workspace via --no-index. Returns "" when no
// diff can be computed.
func (w *Workspace) Diff() (string, error) {
	g := w.gitFor(w.Path)
	if w.Strategy == StrategyWorktree || g.IsRepo() {
		return g.Diff()
	}
	if w.BaselinePath == "" {
		return "", nil
	}
	if _, err := os.Stat(w.BaselinePath); err != nil {
		return "", nil
	}
	return g.DiffNoIndex(w.BaselinePath, w.Path)
}

// CommitChanges stages and commits everything in a worktree workspace,
// returning the new HEAD SHA. With nothing to commit it returns the current
// HEAD unchanged.
func (w *Workspace) CommitChanges(message string) (string, error) {
	if w.Strategy != StrategyWorktree {
		return "", fmt.Errorf("commit_changes requires a worktree workspace")
	}
	g := w.gitFor(w.Path)
	dirty, err := g.HasChanges()
	if err != nil {
		return "", err
	}
	if dirty {
		if err := g.AddAll(); err != nil {
			return "", err
		}
		if err := g.Commit(message); err != nil {
			return "", err
		}
	}
	return g.HeadSHA()
}

// Cleanup removes the workspace's run directory. Any git worktrees
// registered under it are unregistered first, deepest path first, then
// pruned. in_place workspaces never remove the repository itself.
func (w *Workspace) Cleanup() error {
	if w.RunDir == "" {
		return nil
	}
	if sameFile(w.RunDir, w.RepoPath) {
		return fmt.Errorf("refusing to remove run dir %s: it is the repository", w.RunDir)
	}
	g := w.gitFor(w.RepoPath)
	if g.IsRepo() {
		if err := unregisterWorktreesUnder(g, w.RunDir); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(w.RunDir); err != nil {
		return fmt.Errorf("remove run dir: %w", err)
	}
	return nil
}

// unregisterWorktreesUnder removes every registered worktree whose path is
// inside dir, deepest first so nested worktrees unregister cleanly.
func unregisterWorktreesUnder(g git.Runner, dir string) error {
	porcelain, err := g.WorktreeListPorcelain()
	if err != nil {
		return nil
	}
	var nested []string
	for _, info := range parseWorktrees(porcelain) {
		if isWithin(info.Path, dir) {
			nested = append(nested, info.Path)
		}
	}
	// Deepest first.
	sort.Slice(nested, func(i, j int) bool {
		return pathDepth(nested[i]) > pathDepth(nested[j])
	})
	for _, p := range nested {
		if err := g.WorktreeRemove(p); err != nil {
			// Stale registrations are cleared by the prune below.
			continue
		}
	}
	if len(nested) > 0 {
		return g.WorktreePrune()
	}
	return nil
}

func pathDepth(p string) int {
	return strings.Count(filepath.Clean(p), string(filepath.Separator))
}

// isWithin reports whether child is dir or lives under dir.
func isWithin(child, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(child))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func sameFile(a, b string) bool {
	ai, errA := os.Stat(a)
	bi, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return os.SameFile(ai, bi)
}

// worktreeInfo is one entry from git worktree list --porcelain.
type worktreeInfo struct {
	Path   string
	Branch string
}

// parseWorktrees parses porcelain worktree output into entries.
func parseWorktrees(porcelain string) []worktreeInfo {
	var out []worktreeInfo
	var cur worktreeInfo
	flush := func() {
		if cur.Path != "" {
			out = append(out, cur)
		}
		cur = worktreeInfo{}
	}
	for _, line := range strings.Split(porcelain, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return out
}
