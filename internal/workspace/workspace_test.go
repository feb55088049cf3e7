package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orc/internal/git"
)

// fakeGit implements git.Runner for tests without a git binary.
type fakeGit struct {
	isRepo       bool
	hasCommits   bool
	porcelain    string
	branches     map[string]bool
	addedTrees   []string
	addedBranch  []string
	removed      []string
	pruned       int
	diff         string
	statusOutput string
}

func (f *fakeGit) IsRepo() bool               { return f.isRepo }
func (f *fakeGit) HasCommits() bool           { return f.hasCommits }
func (f *fakeGit) HeadSHA() (string, error)   { return "abc1234", nil }
func (f *fakeGit) TopLevel() (string, error)  { return "", nil }
func (f *fakeGit) CurrentBranch() (string, error) { return "main", nil }
func (f *fakeGit) CheckoutBranch(string) error    { return nil }
func (f *fakeGit) BranchExists(name string) (bool, error) {
	return f.branches[name], nil
}
func (f *fakeGit) DeleteBranch(string) error      { return nil }
func (f *fakeGit) Status() (string, error)        { return f.statusOutput, nil }
func (f *fakeGit) HasChanges() (bool, error)      { return f.statusOutput != "", nil }
func (f *fakeGit) Diff() (string, error)          { return f.diff, nil }
func (f *fakeGit) DiffNoIndex(a, b string) (string, error) { return f.diff, nil }
func (f *fakeGit) ConflictedFiles() ([]string, error)      { return nil, nil }
func (f *fakeGit) AddAll() error                  { return nil }
func (f *fakeGit) Commit(string) error            { return nil }
func (f *fakeGit) MergeNoFF(string, string) (string, error) { return "", nil }
func (f *fakeGit) MergeAbort() error              { return nil }
func (f *fakeGit) MergeInProgress() bool          { return false }
func (f *fakeGit) IsAncestor(string, string) (bool, error) { return true, nil }
func (f *fakeGit) WorktreeAdd(path, branch string, force bool) error {
	f.addedTrees = append(f.addedTrees, path+"@"+branch)
	return nil
}
func (f *fakeGit) WorktreeAddNewBranch(path, branch string, force bool) error {
	f.addedBranch = append(f.addedBranch, path+"@"+branch)
	return nil
}
func (f *fakeGit) WorktreeRemove(path string) error {
	f.removed = append(f.removed, path)
	return nil
}
func (f *fakeGit) WorktreeListPorcelain() (string, error) { return f.porcelain, nil }
func (f *fakeGit) WorktreePrune() error                   { f.pruned++; return nil }
func (f *fakeGit) Run(args ...string) (string, error)     { return "", nil }

var _ git.Runner = (*fakeGit)(nil)

func managerWithFake(t *testing.T, fg *fakeGit) *Manager {
	t.Helper()
	return NewManagerWithGit(t.TempDir(), func(dir string) git.Runner { return fg })
}

func TestBranchNames(t *testing.T) {
	name := RunBranchName("luigi orc!", "2026-08-24-abcd1234", 8)
	assert.Equal(t, "luigi_orc_/20260824", name)
	assert.Regexp(t, `^[A-Za-z0-9._/\-]+$`, name)
	assert.NotContains(t, name, "..")

	cand := CandidateBranchName("orc", "runid999", 8, 3, "iter3-reviewer-1-executor-1-0", 8)
	assert.Regexp(t, `^orc/runid999-i3-[0-9a-f]{8}$`, cand)

	// Hostile prefixes sanitize rather than escape.
	hostile := RunBranchName("../..//x", "r", 8)
	assert.Regexp(t, `^[A-Za-z0-9._/\-]+$`, hostile)
	assert.NotContains(t, hostile, "..")
}

func TestResolveStrategyAuto(t *testing.T) {
	fg := &fakeGit{isRepo: true, hasCommits: true}
	m := managerWithFake(t, fg)
	s, err := m.resolveStrategy("/repo", CreateOptions{Strategy: StrategyAuto, UseGitWorktree: true})
	require.NoError(t, err)
	assert.Equal(t, StrategyWorktree, s)

	s, err = m.resolveStrategy("/repo", CreateOptions{Strategy: StrategyAuto, UseGitWorktree: false})
	require.NoError(t, err)
	assert.Equal(t, StrategyCopy, s)

	fg.hasCommits = false
	s, err = m.resolveStrategy("/repo", CreateOptions{Strategy: StrategyAuto, UseGitWorktree: true})
	require.NoError(t, err)
	assert.Equal(t, StrategyCopy, s)

	_, err = m.resolveStrategy("/repo", CreateOptions{Strategy: "bogus"})
	require.Error(t, err)
}

func TestEnsureWorktreeReusesLivePath(t *testing.T) {
	live := t.TempDir()
	fg := &fakeGit{
		isRepo:     true,
		hasCommits: true,
		porcelain:  "worktree " + live + "\nbranch refs/heads/orc/run1\n",
	}
	m := managerWithFake(t, fg)
	got, err := m.ensureWorktree("/repo", "/elsewhere/workspace", "orc/run1")
	require.NoError(t, err)
	assert.Equal(t, live, got)
	assert.Empty(t, fg.addedTrees)
	assert.Empty(t, fg.addedBranch)
}

func TestEnsureWorktreeClearsStaleRegistration(t *testing.T) {
	fg := &fakeGit{
		isRepo:     true,
		hasCommits: true,
		porcelain:  "worktree /gone/path\nbranch refs/heads/orc/run1\n",
		branches:   map[string]bool{"orc/run1": true},
	}
	m := managerWithFake(t, fg)
	got, err := m.ensureWorktree("/repo", "/fresh/workspace", "orc/run1")
	require.NoError(t, err)
	assert.Equal(t, "/fresh/workspace", got)
	assert.Equal(t, []string{"/gone/path"}, fg.removed)
	assert.Equal(t, 1, fg.pruned)
	// Branch survived, so re-add without -b.
	assert.Equal(t, []string{"/fresh/workspace@orc/run1"}, fg.addedTrees)
}

func TestEnsureWorktreeNewBranch(t *testing.T) {
	fg := &fakeGit{isRepo: true, hasCommits: true}
	m := managerWithFake(t, fg)
	_, err := m.ensureWorktree("/repo", "/fresh/workspace", "orc/run2")
	require.NoError(t, err)
	assert.Equal(t, []string{"/fresh/workspace@orc/run2"}, fg.addedBranch)
}

func TestParseWorktrees(t *testing.T) {
	porcelain := "worktree /repo\nHEAD abcd\nbranch refs/heads/main\n\nworktree /repo/.orc/ws\nHEAD ef01\nbranch refs/heads/orc/r1\n"
	infos := parseWorktrees(porcelain)
	require.Len(t, infos, 2)
	assert.Equal(t, "/repo", infos[0].Path)
	assert.Equal(t, "main", infos[0].Branch)
	assert.Equal(t, "orc/r1", infos[1].Branch)
}

func TestCopyWorkspaceApplyFidelity(t *testing.T) {
	fg := &fakeGit{}
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "keep.txt"), []byte("keep"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "old.txt"), []byte("old"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "node_modules", "dep"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "node_modules", "dep", "x.js"), []byte("x"), 0644))

	m := NewManagerWithGit(t.TempDir(), func(dir string) git.Runner { return fg })
	w, err := m.Create(repo, "run1", CreateOptions{Strategy: StrategyCopy})
	require.NoError(t, err)

	// Ignored trees never reach the workspace.
	_, err = os.Stat(filepath.Join(w.Path, "node_modules"))
	assert.True(t, os.IsNotExist(err))

	// Mutate: edit one file, add one, delete one.
	require.NoError(t, os.WriteFile(filepath.Join(w.Path, "keep.txt"), []byte("changed"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(w.Path, "new.txt"), []byte("new"), 0644))
	require.NoError(t, os.Remove(filepath.Join(w.Path, "old.txt")))

	require.NoError(t, w.ApplyToRepo())

	got, err := os.ReadFile(filepath.Join(repo, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "changed", string(got))
	got, err = os.ReadFile(filepath.Join(repo, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	_, err = os.Stat(filepath.Join(repo, "old.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestCopyWorkspaceResumeReusesTrees(t *testing.T) {
	fg := &fakeGit{}
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("a"), 0644))

	base := t.TempDir()
	m := NewManagerWithGit(base, func(dir string) git.Runner { return fg })
	w1, err := m.Create(repo, "run1", CreateOptions{Strategy: StrategyCopy})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(w1.Path, "b.txt"), []byte("b"), 0644))

	// Creating again with the same run id must not clobber the mutation.
	w2, err := m.Create(repo, "run1", CreateOptions{Strategy: StrategyCopy})
	require.NoError(t, err)
	assert.Equal(t, w1.Path, w2.Path)
	_, err = os.Stat(filepath.Join(w2.Path, "b.txt"))
	assert.NoError(t, err)
}

func TestApplyRefusesSymlinkedParent(t *testing.T) {
	fg := &fakeGit{}
	repo := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("a"), 0644))

	m := NewManagerWithGit(t.TempDir(), func(dir string) git.Runner { return fg })
	w, err := m.Create(repo, "run1", CreateOptions{Strategy: StrategyCopy})
	require.NoError(t, err)

	// After snapshot, an attacker replaces a repo dir with a symlink out.
	require.NoError(t, os.MkdirAll(filepath.Join(w.Path, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(w.Path, "sub", "f.txt"), []byte("x"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(repo, "sub")))

	err = w.ApplyToRepo()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")
}

func TestApplyRefusesSymlinkedDestinationFile(t *testing.T) {
	fg := &fakeGit{}
	repo := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "target.txt")
	require.NoError(t, os.WriteFile(target, []byte("victim"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("a"), 0644))

	m := NewManagerWithGit(t.TempDir(), func(dir string) git.Runner { return fg })
	w, err := m.Create(repo, "run1", CreateOptions{Strategy: StrategyCopy})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(w.Path, "a.txt"), []byte("evil"), 0644))
	require.NoError(t, os.Remove(filepath.Join(repo, "a.txt")))
	require.NoError(t, os.Symlink(target, filepath.Join(repo, "a.txt")))

	err = w.ApplyToRepo()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")
	// The file outside the repo is untouched.
	got, readErr := os.ReadFile(target)
	require.NoError(t, readErr)
	assert.Equal(t, "victim", string(got))
}

func TestSafeDestPathRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	_, err := safeDestPath(root, "../evil.txt", true)
	require.Error(t, err)
	_, err = safeDestPath(root, "/abs/path.txt", true)
	require.Error(t, err)
	got, err := safeDestPath(root, filepath.Join("a", "b.txt"), true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b.txt"), got)
}

func TestCleanupUnregistersNestedWorktrees(t *testing.T) {
	repo := t.TempDir()
	base := t.TempDir()
	runDir := filepath.Join(base, "run1")
	nestedShallow := filepath.Join(runDir, "workspace")
	nestedDeep := filepath.Join(runDir, "iter1", "cand", "workspace")
	require.NoError(t, os.MkdirAll(nestedDeep, 0755))
	require.NoError(t, os.MkdirAll(nestedShallow, 0755))

	fg := &fakeGit{
		isRepo:     true,
		hasCommits: true,
		porcelain: "worktree " + repo + "\nbranch refs/heads/main\n\n" +
			"worktree " + nestedShallow + "\nbranch refs/heads/orc/r1\n\n" +
			"worktree " + nestedDeep + "\nbranch refs/heads/orc/r1-i1-aaaa\n",
	}
	w := &Workspace{
		Path:     nestedShallow,
		Strategy: StrategyWorktree,
		RepoPath: repo,
		RunDir:   runDir,
		gitFor:   func(dir string) git.Runner { return fg },
	}
	require.NoError(t, w.Cleanup())
	require.Len(t, fg.removed, 2)
	assert.Equal(t, nestedDeep, fg.removed[0], "deepest worktree unregisters first")
	assert.Equal(t, nestedShallow, fg.removed[1])
	assert.Equal(t, 1, fg.pruned)
	_, err := os.Stat(runDir)
	assert.True(t, os.IsNotExist(err))
}
