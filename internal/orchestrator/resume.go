package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/orc/internal/state"
	"github.com/ShayCichocki/orc/internal/workspace"
	"github.com/ShayCichocki/orc/pkg/models"
)

// ResumeStep is the pipeline stage a resumed run re-enters at.
type ResumeStep string

const (
	// StepPlanning re-enters at plan fan-out.
	StepPlanning ResumeStep = "planning"
	// StepImplement skips planning and re-runs execution.
	StepImplement ResumeStep = "implement"
	// StepTests skips up to the test phase.
	StepTests ResumeStep = "tests"
	// StepReview skips up to the review phase.
	StepReview ResumeStep = "review"
	// StepPersist jumps straight to persisting the approved candidate.
	StepPersist ResumeStep = "persist"
	// StepNextIteration seeds the next iteration from a rejected review.
	StepNextIteration ResumeStep = "next_iteration"
)

// ResumePoint describes where a resumed run picks up.
type ResumePoint struct {
	RunID string
	Step  ResumeStep
	// Iteration is the persisted iteration the loop re-enters; its
	// artifacts (plans, candidates) are keyed by this number.
	Iteration int
	// Task is the active task prompt from state.
	Task string
	// MultiAgent is the persisted orchestrator mode.
	MultiAgent bool
}

// ValidateRunID rejects run ids that could escape the logs root: path
// traversal, separators, absolute paths, or ids resolving outside the
// root.
func ValidateRunID(logsRoot, runID string) error {
	if runID == "" {
		return fmt.Errorf("run id is empty")
	}
	if strings.Contains(runID, "..") {
		return fmt.Errorf("run id %q contains a path traversal", runID)
	}
	if strings.ContainsAny(runID, `/\`) || filepath.IsAbs(runID) {
		return fmt.Errorf("run id %q contains a path separator", runID)
	}
	root, err := filepath.Abs(logsRoot)
	if err != nil {
		return err
	}
	resolved, err := filepath.Abs(filepath.Join(root, runID))
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("run id %q resolves outside the logs root", runID)
	}
	return nil
}

// workspaceAlive checks that the persisted workspace still exists on
// disk. Copy-strategy workspaces need both baseline and workspace trees.
func workspaceAlive(st map[string]any) bool {
	path, _ := st["workspace_path"].(string)
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	strategy, _ := st["workspace_strategy"].(string)
	if workspace.Strategy(strategy) == workspace.StrategyCopy {
		baseline, _ := st["baseline_path"].(string)
		if baseline == "" {
			baseline = filepath.Join(filepath.Dir(path), "baseline")
		}
		if _, err := os.Stat(baseline); err != nil {
			return false
		}
	}
	return true
}

// FindResumable scans the logs root for the most recently modified run
// that matches repoPath, is still marked running, and whose workspace is
// alive. Returns "" when nothing is resumable.
func FindResumable(logsRoot, repoPath string) (string, error) {
	entries, err := os.ReadDir(logsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	absRepo, err := filepath.Abs(repoPath)
	if err != nil {
		return "", err
	}

	best := ""
	var bestMod int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		statePath := filepath.Join(logsRoot, e.Name(), "state.json")
		st, err := state.ReadStateFile(statePath)
		if err != nil {
			continue
		}
		storedRepo, _ := st["repo_path"].(string)
		if storedAbs, err := filepath.Abs(storedRepo); err != nil || storedAbs != absRepo {
			continue
		}
		if status, _ := st["run_status"].(string); status != "running" {
			continue
		}
		if !workspaceAlive(st) {
			continue
		}
		info, err := os.Stat(statePath)
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); best == "" || mod > bestMod {
			best = e.Name()
			bestMod = mod
		}
	}
	return best, nil
}

// LoadResumePoint validates an explicit run id and builds the resume
// point from its persisted state.
func LoadResumePoint(logsRoot, runID, repoPath string) (*ResumePoint, map[string]any, error) {
	if err := ValidateRunID(logsRoot, runID); err != nil {
		return nil, nil, err
	}
	statePath := filepath.Join(logsRoot, runID, "state.json")
	st, err := state.ReadStateFile(statePath)
	if err != nil {
		return nil, nil, fmt.Errorf("run %s has no readable state: %w", runID, err)
	}
	storedRepo, _ := st["repo_path"].(string)
	absStored, _ := filepath.Abs(storedRepo)
	absRepo, _ := filepath.Abs(repoPath)
	if absStored != absRepo {
		return nil, nil, fmt.Errorf("run %s belongs to repo %s, not %s", runID, storedRepo, repoPath)
	}
	if completed, _ := st["run_completed"].(bool); completed {
		return nil, nil, fmt.Errorf("run %s already completed", runID)
	}
	point := buildResumePoint(runID, st)
	return point, st, nil
}

// buildResumePoint infers the re-entry step from the persisted stage.
// The iteration counter is taken as persisted: the controller writes it
// before the phases run, so the interrupted iteration's artifacts are
// keyed by exactly this number.
func buildResumePoint(runID string, st map[string]any) *ResumePoint {
	stage, _ := st["stage"].(string)
	iteration := 1
	if v, ok := st["iteration"].(float64); ok {
		iteration = int(v)
	}
	task, _ := st["task"].(string)
	multi := true
	if v, ok := st["multi_agent"].(bool); ok {
		multi = v
	}

	step := inferStep(stage, st)
	return &ResumePoint{
		RunID:      runID,
		Step:       step,
		Iteration:  iteration,
		Task:       task,
		MultiAgent: multi,
	}
}

// inferStep maps a persisted stage to the pipeline step to re-enter.
func inferStep(stage string, st map[string]any) ResumeStep {
	switch stage {
	case "planning", "refine_plan":
		return StepPlanning
	case "plan_ready", "implementing", "executing":
		return StepImplement
	case "implementation_ready", "testing":
		return StepTests
	case "tests_ready", "reviewing":
		return StepReview
	case "review_ready":
		status, _ := st["review_status"].(string)
		switch models.DecisionStatus(status) {
		case models.DecisionApproved:
			return StepPersist
		case models.DecisionRejected:
			return StepNextIteration
		default:
			return StepReview
		}
	default:
		return StepPlanning
	}
}
