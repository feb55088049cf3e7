package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/orc/internal/git"
)

// CreateOptions carries the knobs for workspace materialization.
type CreateOptions struct {
	// Strategy is the requested strategy; auto resolves per repo state.
	Strategy Strategy
	// UseGitWorktree permits the worktree strategy.
	UseGitWorktree bool
	// BranchPrefix is the first branch-name component.
	BranchPrefix string
	// BranchNameLength truncates the short run id.
	BranchNameLength int
	// BranchSuffixLength truncates the candidate hash suffix.
	BranchSuffixLength int
	// ExtraIgnore adds copy-ignore patterns beyond the defaults.
	ExtraIgnore []string
}

// Manager creates and resumes workspaces under a base directory.
type Manager struct {
	baseDir string
	gitFor  GitFactory
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir: baseDir,
		gitFor:  func(dir string) git.Runner { return git.NewRunner(dir) },
	}
}

// NewManagerWithGit creates a manager with a custom git factory, for tests.
func NewManagerWithGit(baseDir string, gitFor GitFactory) *Manager {
	return &Manager{baseDir: baseDir, gitFor: gitFor}
}

// BaseDir returns the workspace base directory.
func (m *Manager) BaseDir() string { return m.baseDir }

// ignorePatterns builds the copy-ignore set for a repo, including the base
// dir itself when it nests inside the repo.
func (m *Manager) ignorePatterns(extra []string) []string {
	out := append([]string{}, DefaultIgnore...)
	return append(out, extra...)
}

// skipAbsFor returns the absolute base dir when it lives inside repoPath,
// so copies never recurse into their own output.
func (m *Manager) skipAbsFor(repoPath string) string {
	base := filepath.Clean(m.baseDir)
	if isWithin(base, filepath.Clean(repoPath)) {
		return base
	}
	return ""
}

// resolveStrategy turns auto into a concrete strategy for the repo.
func (m *Manager) resolveStrategy(repoPath string, opts CreateOptions) (Strategy, error) {
	s := opts.Strategy
	if s == "" {
		s = StrategyAuto
	}
	if s == StrategyAuto {
		g := m.gitFor(repoPath)
		if opts.UseGitWorktree && g.IsRepo() && g.HasCommits() {
			return StrategyWorktree, nil
		}
		return StrategyCopy, nil
	}
	if !s.Valid() {
		return "", fmt.Errorf("unknown workspace strategy %q", s)
	}
	if s == StrategyWorktree {
		g := m.gitFor(repoPath)
		if !g.IsRepo() || !g.HasCommits() {
			return "", fmt.Errorf("worktree strategy requires a git repository with at least one commit")
		}
	}
	return s, nil
}

// Create materializes the run-level workspace for a repo.
func (m *Manager) Create(repoPath, runID string, opts CreateOptions) (*Workspace, error) {
	strategy, err := m.resolveStrategy(repoPath, opts)
	if err != nil {
		return nil, err
	}
	runDir := filepath.Join(m.baseDir, runID)
	branch := RunBranchName(opts.BranchPrefix, runID, opts.BranchNameLength)
	return m.materialize(repoPath, repoPath, runDir, strategy, branch, opts)
}

// CreateCandidate materializes one candidate workspace. source is the tree
// to seed from; when it differs from repoPath (carry-forward from a prior
// winning candidate) the strategy is forced to copy so the changes can be
// layered and later applied back to the original repository.
func (m *Manager) CreateCandidate(repoPath, source, runID string, iteration int, candidateID string, opts CreateOptions) (*Workspace, error) {
	strategy, err := m.resolveStrategy(repoPath, opts)
	if err != nil {
		return nil, err
	}
	if filepath.Clean(source) != filepath.Clean(repoPath) {
		strategy = StrategyCopy
	}
	runDir := filepath.Join(m.baseDir, runID, fmt.Sprintf("iter%d", iteration), sanitizeBranchComponent(candidateID))
	branch := CandidateBranchName(opts.BranchPrefix, runID, opts.BranchNameLength, iteration, candidateID, opts.BranchSuffixLength)
	return m.materialize(repoPath, source, runDir, strategy, branch, opts)
}

// ResumeCandidate rebuilds a Workspace value over an existing on-disk
// candidate workspace. For copy strategy both the baseline and workspace
// directories must still exist.
func (m *Manager) ResumeCandidate(repoPath, path string, strategy Strategy, branch string) (*Workspace, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown workspace strategy %q", strategy)
	}
	runDir := filepath.Dir(path)
	w := &Workspace{
		Path:     path,
		Strategy: strategy,
		RepoPath: repoPath,
		RunDir:   runDir,
		gitFor:   m.gitFor,
		ignore:   m.ignorePatterns(nil),
	}
	switch strategy {
	case StrategyWorktree:
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("worktree path %s is gone: %w", path, err)
		}
		w.BranchName = branch
	case StrategyCopy:
		w.BaselinePath = filepath.Join(runDir, "baseline")
		if _, err := os.Stat(w.BaselinePath); err != nil {
			return nil, fmt.Errorf("baseline %s is gone: %w", w.BaselinePath, err)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("workspace %s is gone: %w", path, err)
		}
	case StrategyInPlace:
		w.Path = repoPath
		w.BaselinePath = filepath.Join(runDir, "baseline")
	}
	return w, nil
}

// materialize builds the workspace on disk.
func (m *Manager) materialize(repoPath, source, runDir string, strategy Strategy, branch string, opts CreateOptions) (*Workspace, error) {
	patterns := m.ignorePatterns(opts.ExtraIgnore)
	w := &Workspace{
		Strategy: strategy,
		RepoPath: repoPath,
		RunDir:   runDir,
		gitFor:   m.gitFor,
		ignore:   patterns,
	}
	switch strategy {
	case StrategyWorktree:
		path := filepath.Join(runDir, "workspace")
		if err := os.MkdirAll(runDir, 0755); err != nil {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
		livePath, err := m.ensureWorktree(repoPath, path, branch)
		if err != nil {
			return nil, err
		}
		w.Path = livePath
		w.BranchName = branch

	case StrategyCopy:
		baseline := filepath.Join(runDir, "baseline")
		path := filepath.Join(runDir, "workspace")
		skip := m.skipAbsFor(source)
		// Reuse both trees when present (resume).
		if _, err := os.Stat(baseline); os.IsNotExist(err) {
			if err := copyTree(source, baseline, patterns, skip); err != nil {
				return nil, err
			}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := copyTree(source, path, patterns, skip); err != nil {
				return nil, err
			}
		}
		w.Path = path
		w.BaselinePath = baseline

	case StrategyInPlace:
		baseline := filepath.Join(runDir, "baseline")
		skip := m.skipAbsFor(source)
		if _, err := os.Stat(baseline); os.IsNotExist(err) {
			if err := copyTree(source, baseline, patterns, skip); err != nil {
				return nil, err
			}
		}
		w.Path = repoPath
		w.BaselinePath = baseline

	default:
		return nil, fmt.Errorf("unknown workspace strategy %q", strategy)
	}
	return w, nil
}

// ensureWorktree creates (or resumes) a git worktree at path on branch,
// returning the live worktree path. A live registration for the branch is
// reused; a dead one is removed and pruned before re-adding.
func (m *Manager) ensureWorktree(repoPath, path, branch string) (string, error) {
	g := m.gitFor(repoPath)
	porcelain, err := g.WorktreeListPorcelain()
	if err != nil {
		return "", err
	}
	for _, info := range parseWorktrees(porcelain) {
		if info.Branch != branch {
			continue
		}
		if _, statErr := os.Stat(info.Path); statErr == nil {
			return info.Path, nil // live worktree, resume it
		}
		// Registered but gone from disk; clear the stale registration.
		_ = g.WorktreeRemove(info.Path)
		if err := g.WorktreePrune(); err != nil {
			return "", err
		}
		break
	}
	exists, err := g.BranchExists(branch)
	if err != nil {
		return "", err
	}
	if exists {
		if err := g.WorktreeAdd(path, branch, true); err != nil {
			return "", err
		}
		return path, nil
	}
	if err := g.WorktreeAddNewBranch(path, branch, false); err != nil {
		return "", err
	}
	return path, nil
}
