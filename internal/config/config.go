// Package config handles configuration loading for orc. It merges an
// explicit --config file, repo-level overrides, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/orc/internal/agent"
	"github.com/ShayCichocki/orc/internal/broker"
	"github.com/ShayCichocki/orc/internal/testrun"
	"github.com/ShayCichocki/orc/pkg/models"
)

// Config holds all configuration for a run.
type Config struct {
	Orchestrator OrchestratorConfig    `mapstructure:"orchestrator"`
	Telegram     broker.TelegramConfig `mapstructure:"telegram"`
	Testing      testrun.Config        `mapstructure:"testing"`
	Agents       AgentsConfig          `mapstructure:"agents"`
	Codex        agent.ReviewerConfig  `mapstructure:"codex"`
	ClaudeCode   agent.ExecutorConfig  `mapstructure:"claude_code"`
}

// OrchestratorConfig holds the iteration-loop and workspace knobs.
type OrchestratorConfig struct {
	// MultiAgent enables the multi-reviewer/multi-executor pipeline.
	// When false with a single-agent roster, the linear loop runs.
	MultiAgent bool `mapstructure:"multi_agent"`
	// MaxIterations bounds the outer loop. Nil means unbounded.
	MaxIterations *int `mapstructure:"max_iterations"`
	// MaxClaudeQuestionRounds caps executor-to-reviewer question loops.
	MaxClaudeQuestionRounds int `mapstructure:"max_claude_question_rounds"`
	// WorkspaceStrategy is auto, worktree, copy, or in_place.
	WorkspaceStrategy string `mapstructure:"workspace_strategy"`
	// UseGitWorktree permits the worktree strategy under auto.
	UseGitWorktree bool `mapstructure:"use_git_worktree"`
	// WorkspaceBaseDir is where run workspaces are materialized.
	WorkspaceBaseDir string `mapstructure:"workspace_base_dir"`
	// LogsRoot is where per-run state and logs live.
	LogsRoot string `mapstructure:"logs_root"`
	// Cleanup is always, on_success, or never.
	Cleanup string `mapstructure:"cleanup"`
	// ApplyChangesOnSuccess applies copy-strategy workspaces back on approval.
	ApplyChangesOnSuccess bool `mapstructure:"apply_changes_on_success"`
	// CommitOnApproval commits worktree-strategy workspaces on approval.
	CommitOnApproval bool `mapstructure:"commit_on_approval"`
	// CommitMessage is a template with {task} and {run_id} placeholders.
	CommitMessage string `mapstructure:"commit_message"`
	// AutoMergeOnApproval merges the winning branch into the target branch.
	AutoMergeOnApproval bool `mapstructure:"auto_merge_on_approval"`
	// MergeTargetBranch is the merge target, default main.
	MergeTargetBranch string `mapstructure:"merge_target_branch"`
	// MergeStyle must be merge_commit; anything else fails fast.
	MergeStyle string `mapstructure:"merge_style"`
	// DirtyMainPolicy is commit or abort when the target tree is dirty.
	DirtyMainPolicy string `mapstructure:"dirty_main_policy"`
	// DirtyMainCommitMessage is a template with {task} and {run_id}.
	DirtyMainCommitMessage string `mapstructure:"dirty_main_commit_message"`
	// MergeCommitMessage is a template with {task}, {run_id}, {branch}.
	MergeCommitMessage string `mapstructure:"merge_commit_message"`
	// DeleteBranchOnMerge deletes the candidate branch after merging.
	DeleteBranchOnMerge bool `mapstructure:"delete_branch_on_merge"`
	// DeleteWorktreeOnMerge removes the candidate worktree after merging.
	DeleteWorktreeOnMerge bool `mapstructure:"delete_worktree_on_merge"`
	// CarryForwardWorkspaceBetweenIterations seeds the next iteration from
	// the winning candidate's tree.
	CarryForwardWorkspaceBetweenIterations bool `mapstructure:"carry_forward_workspace_between_iterations"`
	// SessionMode keeps the process alive after a run, awaiting the next
	// task through the broker.
	SessionMode bool `mapstructure:"session_mode"`
	// BranchPrefix is the branch namespace, default orc.
	BranchPrefix string `mapstructure:"branch_prefix"`
	// BranchNameLength truncates the run id component of branch names.
	BranchNameLength int `mapstructure:"branch_name_length"`
	// BranchSuffixLength truncates the candidate hash in branch names.
	BranchSuffixLength int `mapstructure:"branch_suffix_length"`
	// BrokerTimeoutSec bounds each broker wait. Zero waits forever.
	BrokerTimeoutSec int `mapstructure:"broker_timeout_sec"`
}

// AgentsConfig holds the configured roster before normalization.
type AgentsConfig struct {
	Reviewers  []models.AgentSpec `mapstructure:"reviewers"`
	Executors  []models.AgentSpec `mapstructure:"executors"`
	Assignment models.Assignment  `mapstructure:"assignment"`
}

// Roster returns the normalized agent set.
func (a AgentsConfig) Roster() models.Roster {
	return models.NormalizeRoster(a.Reviewers, a.Executors)
}

// repoConfigNames are the in-repo config locations, in precedence order.
var repoConfigNames = []string{
	filepath.Join(".orc", "config.json"),
	filepath.Join(".orc", "config.yaml"),
	filepath.Join(".orc", "config.yml"),
	"orc.config.json",
	"orc.config.yaml",
	"orc.config.yml",
}

// Load resolves the config for a repo. Precedence (highest to lowest):
// 1. Explicit --config path
// 2. {repo}/.orc/config.{json,yaml,yml}
// 3. {repo}/orc.config.{json,yaml,yml}
// 4. Built-in defaults
func Load(repoPath, explicitPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	path := explicitPath
	if path == "" {
		path = findRepoConfig(repoPath)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Telegram.BotToken = os.ExpandEnv(cfg.Telegram.BotToken)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findRepoConfig returns the first existing in-repo config file.
func findRepoConfig(repoPath string) string {
	for _, name := range repoConfigNames {
		candidate := filepath.Join(repoPath, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// Validate rejects option combinations the orchestrator refuses to run with.
func (c *Config) Validate() error {
	o := &c.Orchestrator
	if o.MaxIterations != nil && *o.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.max_iterations must be positive or null")
	}
	if o.AutoMergeOnApproval && o.MergeStyle != "merge_commit" {
		return fmt.Errorf("orchestrator.merge_style %q is not supported; only merge_commit", o.MergeStyle)
	}
	switch o.WorkspaceStrategy {
	case "auto", "worktree", "copy", "in_place":
	default:
		return fmt.Errorf("orchestrator.workspace_strategy %q is not one of auto|worktree|copy|in_place", o.WorkspaceStrategy)
	}
	switch o.Cleanup {
	case "always", "on_success", "never":
	default:
		return fmt.Errorf("orchestrator.cleanup %q is not one of always|on_success|never", o.Cleanup)
	}
	switch o.DirtyMainPolicy {
	case "commit", "abort":
	default:
		return fmt.Errorf("orchestrator.dirty_main_policy %q is not one of commit|abort", o.DirtyMainPolicy)
	}
	if a := c.Agents.Assignment; a.Mode != "" && a.Mode != models.AssignmentRoundRobin {
		return fmt.Errorf("agents.assignment.mode %q is not supported; only round_robin", a.Mode)
	}
	return nil
}

// setDefaults configures the shipped default config.
func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.multi_agent", true)
	v.SetDefault("orchestrator.max_iterations", 10)
	v.SetDefault("orchestrator.max_claude_question_rounds", 3)
	v.SetDefault("orchestrator.workspace_strategy", "auto")
	v.SetDefault("orchestrator.use_git_worktree", true)
	v.SetDefault("orchestrator.workspace_base_dir", filepath.Join(os.TempDir(), "orc-workspaces"))
	v.SetDefault("orchestrator.logs_root", "logs")
	v.SetDefault("orchestrator.cleanup", "on_success")
	v.SetDefault("orchestrator.apply_changes_on_success", true)
	v.SetDefault("orchestrator.commit_on_approval", true)
	v.SetDefault("orchestrator.commit_message", "orc: {task} (run {run_id})")
	v.SetDefault("orchestrator.auto_merge_on_approval", false)
	v.SetDefault("orchestrator.merge_target_branch", "main")
	v.SetDefault("orchestrator.merge_style", "merge_commit")
	v.SetDefault("orchestrator.dirty_main_policy", "commit")
	v.SetDefault("orchestrator.dirty_main_commit_message", "orc: snapshot uncommitted changes before merge (run {run_id})")
	v.SetDefault("orchestrator.merge_commit_message", "orc: merge {branch} (run {run_id})")
	v.SetDefault("orchestrator.delete_branch_on_merge", true)
	v.SetDefault("orchestrator.delete_worktree_on_merge", true)
	v.SetDefault("orchestrator.carry_forward_workspace_between_iterations", true)
	v.SetDefault("orchestrator.session_mode", false)
	v.SetDefault("orchestrator.branch_prefix", "orc")
	v.SetDefault("orchestrator.branch_name_length", 16)
	v.SetDefault("orchestrator.branch_suffix_length", 8)
	v.SetDefault("orchestrator.broker_timeout_sec", 0)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.poll_interval_sec", 25)

	v.SetDefault("testing.install_command", []string{"npm", "install"})
	v.SetDefault("testing.unit_command", []string{"npm", "test"})
	v.SetDefault("testing.e2e_command", []string{"npx", "playwright", "test"})
	v.SetDefault("testing.install_if_missing", true)

	v.SetDefault("agents.assignment.mode", "round_robin")
	v.SetDefault("agents.assignment.executors_per_plan", 1)

	v.SetDefault("codex.command", []string{"codex"})
	v.SetDefault("codex.sandbox", "read-only")
	v.SetDefault("claude_code.command", []string{"claude"})
	v.SetDefault("claude_code.heartbeat_sec", 30)
}

// Default returns the shipped default config.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("default config does not unmarshal: %v", err))
	}
	return cfg
}
