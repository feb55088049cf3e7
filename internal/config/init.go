package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteDefault writes the shipped default config as YAML to
// {repo}/.orc/config.yaml. Refuses to overwrite an existing file.
func WriteDefault(repoPath string) (string, error) {
	dir := filepath.Join(repoPath, ".orc")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists", path)
	}

	doc := map[string]any{
		"orchestrator": map[string]any{
			"multi_agent":                true,
			"max_iterations":             10,
			"max_claude_question_rounds": 3,
			"workspace_strategy":         "auto",
			"use_git_worktree":           true,
			"cleanup":                    "on_success",
			"auto_merge_on_approval":     false,
			"merge_target_branch":        "main",
			"merge_style":                "merge_commit",
			"dirty_main_policy":          "commit",
			"carry_forward_workspace_between_iterations": true,
			"branch_prefix": "orc",
		},
		"telegram": map[string]any{
			"enabled":   false,
			"bot_token": "${ORC_TELEGRAM_TOKEN}",
			"chat_id":   0,
		},
		"testing": map[string]any{
			"unit_command":       []string{"npm", "test"},
			"e2e_command":        []string{"npx", "playwright", "test"},
			"install_command":    []string{"npm", "install"},
			"install_if_missing": true,
		},
		"agents": map[string]any{
			"reviewers": []map[string]any{{"id": "reviewer-1", "kind": "codex"}},
			"executors": []map[string]any{{"id": "executor-1", "kind": "claude"}},
			"assignment": map[string]any{
				"mode":               "round_robin",
				"executors_per_plan": 1,
			},
		},
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode default config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", err
	}
	return path, nil
}
