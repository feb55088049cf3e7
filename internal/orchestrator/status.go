package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/ShayCichocki/orc/pkg/models"
)

// ProjectID is a short stable identifier for a repository path, used to
// group runs of the same project in dashboards.
func ProjectID(repoPath string) string {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		abs = repoPath
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:12]
}

// StatusMessage derives the one-line human-facing run status from a
// state snapshot. Pending human input always wins over agent activity.
func StatusMessage(st map[string]any) string {
	if b, _ := st["awaiting_admin_decision"].(bool); b {
		return "Waiting for an admin decision"
	}
	if b, _ := st["awaiting_user_input"].(bool); b {
		return "Waiting for user input"
	}
	if b, _ := st["awaiting_initial_task"].(bool); b {
		return "Waiting for a task"
	}

	if msg := runningAgentsMessage(st); msg != "" {
		return msg
	}

	stage, _ := st["stage"].(string)
	switch stage {
	case "planning":
		return "Planning"
	case "plan_ready":
		return "Plan ready"
	case "executing", "implementing":
		if n := runningCandidates(st); n > 0 {
			return fmt.Sprintf("Implementing (%d candidates running)", n)
		}
		return "Implementing"
	case "tests_ready":
		return "Tests finished"
	case "reviewing":
		return "Reviewing candidates"
	case "review_ready":
		return "Review ready"
	case "merging":
		return "Merging"
	case "complete":
		return "Complete"
	case "persistence_failed":
		return "Completed with a persistence failure"
	case "failed":
		return "Failed"
	case "idle":
		return "Idle"
	default:
		return "Starting"
	}
}

// runningAgentsMessage summarizes agent_runtime when any agent is active.
func runningAgentsMessage(st map[string]any) string {
	runtime, ok := st["agent_runtime"].(map[string]any)
	if !ok {
		return ""
	}
	running := 0
	phase := ""
	for _, v := range runtime {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if s, _ := entry["status"].(string); s == "running" {
			running++
			if p, _ := entry["phase"].(string); p != "" {
				phase = p
			}
		}
	}
	if running == 0 {
		return ""
	}
	if phase != "" {
		return fmt.Sprintf("%d agents running (%s)", running, phase)
	}
	return fmt.Sprintf("%d agents running", running)
}

// runningCandidates counts candidates currently marked RUNNING.
func runningCandidates(st map[string]any) int {
	candidates, ok := st["candidates"].(map[string]any)
	if !ok {
		return 0
	}
	n := 0
	for _, v := range candidates {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if s, _ := entry["status"].(string); models.CandidateStatus(s) == models.CandidateRunning {
			n++
		}
	}
	return n
}
