package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orc/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Orchestrator.MultiAgent)
	require.NotNil(t, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 10, *cfg.Orchestrator.MaxIterations)
	assert.Equal(t, "auto", cfg.Orchestrator.WorkspaceStrategy)
	assert.Equal(t, "merge_commit", cfg.Orchestrator.MergeStyle)
	assert.Equal(t, []string{"npm", "test"}, cfg.Testing.UnitCommand)
	assert.Equal(t, []string{"codex"}, cfg.Codex.Command)
	assert.Equal(t, "read-only", cfg.Codex.Sandbox)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "orc", cfg.Orchestrator.BranchPrefix)
}

func TestLoadRepoConfigPrecedence(t *testing.T) {
	repo := t.TempDir()

	// Both an .orc/ and a root-level config exist; .orc/ wins.
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".orc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".orc", "config.yaml"),
		[]byte("orchestrator:\n  branch_prefix: inner\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "orc.config.yaml"),
		[]byte("orchestrator:\n  branch_prefix: outer\n"), 0644))

	cfg, err := Load(repo, "")
	require.NoError(t, err)
	assert.Equal(t, "inner", cfg.Orchestrator.BranchPrefix)
}

func TestLoadExplicitPathWinsOverRepoConfig(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "orc.config.yaml"),
		[]byte("orchestrator:\n  branch_prefix: repo\n"), 0644))

	explicit := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(explicit,
		[]byte("orchestrator:\n  branch_prefix: explicit\n  max_iterations: 2\n"), 0644))

	cfg, err := Load(repo, explicit)
	require.NoError(t, err)
	assert.Equal(t, "explicit", cfg.Orchestrator.BranchPrefix)
	require.NotNil(t, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 2, *cfg.Orchestrator.MaxIterations)
}

func TestLoadJSONConfig(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "orc.config.json"),
		[]byte(`{"orchestrator": {"max_claude_question_rounds": 7}}`), 0644))

	cfg, err := Load(repo, "")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Orchestrator.MaxClaudeQuestionRounds)
}

func TestValidateRejectsBadMergeStyle(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.AutoMergeOnApproval = true
	cfg.Orchestrator.MergeStyle = "squash"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge_commit")
}

func TestValidateRejectsBadStrategy(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.WorkspaceStrategy = "ramdisk"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveIterations(t *testing.T) {
	cfg := Default()
	zero := 0
	cfg.Orchestrator.MaxIterations = &zero
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownAssignmentMode(t *testing.T) {
	cfg := Default()
	cfg.Agents.Assignment.Mode = "shuffle"
	require.Error(t, cfg.Validate())
}

func TestRosterNormalization(t *testing.T) {
	cfg := Default()
	roster := cfg.Agents.Roster()
	require.Len(t, roster.Reviewers, 1)
	require.Len(t, roster.Executors, 1)
	assert.Equal(t, "reviewer-1", roster.Reviewers[0].ID)
	assert.Equal(t, models.RoleExecutor, roster.Executors[0].Role)
}

func TestWriteDefault(t *testing.T) {
	repo := t.TempDir()
	path, err := WriteDefault(repo)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".orc", "config.yaml"), path)

	// The written file loads cleanly and refuses a second write.
	cfg, err := Load(repo, "")
	require.NoError(t, err)
	assert.Equal(t, "orc", cfg.Orchestrator.BranchPrefix)
	_, err = WriteDefault(repo)
	require.Error(t, err)
}
