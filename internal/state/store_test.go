package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreUpdateAndReload(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Update("stage", "planning"))
	require.NoError(t, s.Update("iteration", 2))
	require.NoError(t, s.UpdateMany(map[string]any{
		"approved":  false,
		"repo_path": "/tmp/repo",
	}))

	reloaded, err := Open(root, s.RunID(), true)
	require.NoError(t, err)
	defer reloaded.Close()
	assert.Equal(t, "planning", reloaded.GetString("stage"))
	assert.Equal(t, 2, reloaded.GetInt("iteration"))
	assert.Equal(t, "/tmp/repo", reloaded.GetString("repo_path"))
	assert.False(t, reloaded.GetBool("approved"))
}

func TestStoreWritesAreAtomicDocuments(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Update("iteration", i))
		raw, err := os.ReadFile(filepath.Join(s.LogDir(), "state.json"))
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(raw, &doc), "state.json must always parse")
	}
	// No leftover tmp file after a save completes.
	_, err = os.Stat(filepath.Join(s.LogDir(), "state.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestStoreBackupFallback(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	require.NoError(t, s.Update("stage", "reviewing"))
	require.NoError(t, s.Update("stage", "review_ready"))
	runID := s.RunID()
	require.NoError(t, s.Close())

	statePath := filepath.Join(root, runID, "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{corrupted"), 0644))

	loaded, err := ReadStateFile(statePath)
	require.NoError(t, err)
	// The backup holds the previous good snapshot.
	assert.Equal(t, "reviewing", loaded["stage"])
}

func TestStoreBothCopiesCorrupt(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "run-x")
	require.NoError(t, os.MkdirAll(dir, 0755))
	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{"), 0644))
	require.NoError(t, os.WriteFile(statePath+".bak", []byte("also bad"), 0644))

	_, err := ReadStateFile(statePath)
	require.Error(t, err)
}

func TestHistoryAppends(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendHistory("Iteration 1"))
	require.NoError(t, s.AppendHistory("Implementation approved."))

	raw, err := os.ReadFile(filepath.Join(s.LogDir(), "history.log"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Iteration 1")
	assert.Contains(t, string(raw), "Implementation approved.")
}

func TestAgentRuntimeRollup(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	defer s.Close()

	// The orchestrator reports lowercase statuses; the dashboard rollup
	// uses the capitalized vocabulary.
	require.NoError(t, s.SetAgentRuntime("reviewer-1", "codex", "reviewer", "running", "PLAN"))
	assert.Equal(t, "Running", s.GetString("codex_status"))
	assert.Equal(t, "PLAN", s.GetString("codex_phase"))
	assert.Equal(t, "Stopped", s.GetString("claude_status"))

	require.NoError(t, s.SetAgentRuntime("executor-1", "claude", "executor", "running", "IMPLEMENT"))
	assert.Equal(t, "Running", s.GetString("claude_status"))
	assert.Equal(t, "IMPLEMENT", s.GetString("claude_phase"))

	require.NoError(t, s.SetAgentRuntime("reviewer-1", "codex", "reviewer", "idle", ""))
	assert.Equal(t, "Stopped", s.GetString("codex_status"))
	assert.Equal(t, "idle", s.GetString("codex_phase"))
	assert.Equal(t, "Running", s.GetString("claude_status"))
}
