package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/orc/internal/agent"
	"github.com/ShayCichocki/orc/internal/broker"
	"github.com/ShayCichocki/orc/internal/config"
	"github.com/ShayCichocki/orc/internal/prompt"
	"github.com/ShayCichocki/orc/internal/state"
	"github.com/ShayCichocki/orc/internal/testrun"
	"github.com/ShayCichocki/orc/internal/workspace"
	"github.com/ShayCichocki/orc/pkg/models"
)

// extendIterationsBy is how many iterations an admin "extend" decision
// adds to the cap.
const extendIterationsBy = 5

// ReviewerRunner is the family-A client surface the controller needs.
type ReviewerRunner interface {
	RunStructured(ctx context.Context, call agent.StructuredCall) ([]byte, error)
}

// ExecutorRunner is the family-B client surface the controller needs.
type ExecutorRunner interface {
	Implement(ctx context.Context, call agent.ImplementCall) (*models.ExecutorOutput, error)
}

// asker is the broker surface the controller needs.
type asker interface {
	Ask(ctx context.Context, req *broker.Request) (*broker.Response, error)
}

// sideChannel pushes operator-facing notifications (Telegram).
type sideChannel interface {
	SendMessage(ctx context.Context, text string) error
}

// workspaceManager is the workspace surface the controller needs.
type workspaceManager interface {
	Create(repoPath, runID string, opts workspace.CreateOptions) (*workspace.Workspace, error)
	CreateCandidate(repoPath, source, runID string, iteration int, candidateID string, opts workspace.CreateOptions) (*workspace.Workspace, error)
	ResumeCandidate(repoPath, path string, strategy workspace.Strategy, branch string) (*workspace.Workspace, error)
}

// suiteRunner is the test-runner surface the controller needs.
type suiteRunner interface {
	Run(ctx context.Context, cwd string, cfg testrun.Config, planCommands []models.TestCommand) (*testrun.Results, error)
}

// Controller drives the iteration loop for one run.
type Controller struct {
	cfg    *config.Config
	store  *state.Store
	log    *DebugLogger
	broker asker
	side   sideChannel
	ws     workspaceManager
	tests  suiteRunner
	roster models.Roster

	// newReviewer and newExecutor build per-agent clients; tests inject
	// fakes here.
	newReviewer func(models.AgentSpec) ReviewerRunner
	newExecutor func(models.AgentSpec) ExecutorRunner

	gitFor   workspace.GitFactory
	repoPath string

	// source is the tree candidates are seeded from; it moves to the
	// winning candidate's workspace under carry-forward.
	source string

	// userMu serializes user-clarification rounds and guards userQnA.
	userMu  sync.Mutex
	userQnA []models.QnA

	// candMu guards the persisted candidates rollup.
	candMu sync.Mutex

	// maxIterations is mutable: admin "extend" decisions raise it.
	maxIterations *int
}

// ControllerDeps wires a Controller. Nil Side disables notifications.
type ControllerDeps struct {
	Config      *config.Config
	Store       *state.Store
	Log         *DebugLogger
	Broker      asker
	Side        sideChannel
	Workspaces  workspaceManager
	Tests       suiteRunner
	GitFor      workspace.GitFactory
	RepoPath    string
	NewReviewer func(models.AgentSpec) ReviewerRunner
	NewExecutor func(models.AgentSpec) ExecutorRunner
}

// NewController creates a controller for one run.
func NewController(deps ControllerDeps) *Controller {
	c := &Controller{
		cfg:         deps.Config,
		store:       deps.Store,
		log:         deps.Log,
		broker:      deps.Broker,
		side:        deps.Side,
		ws:          deps.Workspaces,
		tests:       deps.Tests,
		gitFor:      deps.GitFor,
		repoPath:    deps.RepoPath,
		source:      deps.RepoPath,
		roster:      deps.Config.Agents.Roster(),
		newReviewer: deps.NewReviewer,
		newExecutor: deps.NewExecutor,
	}
	if deps.Config.Orchestrator.MaxIterations != nil {
		limit := *deps.Config.Orchestrator.MaxIterations
		c.maxIterations = &limit
	}
	return c
}

// setStage persists the stage and the derived status message together.
func (c *Controller) setStage(stage string) {
	c.store.Update("stage", stage)
	c.store.Update("status_message", StatusMessage(c.store.Snapshot()))
}

// notify sends an operator notification when a side channel is wired.
func (c *Controller) notify(ctx context.Context, text string) {
	if c.side == nil {
		return
	}
	if err := c.side.SendMessage(ctx, text); err != nil {
		c.log.Log("notification failed: %v", err)
	}
}

// userContext renders the accumulated Q&A for prompts.
func (c *Controller) userContext() string {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	return prompt.FormatUserContext(c.userQnA)
}

// askUser runs one serialized user-clarification round and records the
// Q&A pairs in memory and state.
func (c *Controller) askUser(ctx context.Context, questions []string, contextText string) (string, error) {
	c.userMu.Lock()
	defer c.userMu.Unlock()

	resp, err := c.broker.Ask(ctx, &broker.Request{
		Kind:      broker.KindUserInput,
		Questions: questions,
		Context:   contextText,
	})
	if err != nil {
		return "", err
	}
	var lines []string
	for i, q := range questions {
		answer := ""
		if i < len(resp.Answers) {
			answer = resp.Answers[i]
		}
		c.userQnA = append(c.userQnA, models.QnA{Question: q, Answer: answer})
		lines = append(lines, fmt.Sprintf("Q: %s\nA: %s", q, answer))
	}
	c.store.Update("user_qna", qnaList(c.userQnA))
	return strings.Join(lines, "\n"), nil
}

func qnaList(qna []models.QnA) []any {
	out := make([]any, 0, len(qna))
	for _, pair := range qna {
		out = append(out, map[string]any{"question": pair.Question, "answer": pair.Answer})
	}
	return out
}

// Run drives the multi-agent loop until a candidate is approved, the
// admin accepts a partial result, or an unrecoverable error occurs.
// resume is nil for fresh runs.
func (c *Controller) Run(ctx context.Context, task string, resume *ResumePoint) error {
	iteration := 1
	if resume != nil {
		iteration = resume.Iteration
		if resume.Task != "" {
			task = resume.Task
		}
	}

	c.store.UpdateMany(map[string]any{
		"run_status":        "running",
		"task":              task,
		"repo_path":         c.repoPath,
		"project_id":        ProjectID(c.repoPath),
		"multi_agent":       true,
		"orchestrator_mode": "multi",
	})

	var lastWinner *iterationOutcome
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if capped, err := c.checkIterationCap(ctx, iteration, lastWinner); err != nil {
			return err
		} else if capped {
			// Admin accepted the partial result.
			return c.finish(ctx, lastWinner, true)
		}

		c.store.UpdateMany(map[string]any{"iteration": iteration, "task": task})
		outcome, err := c.runIteration(ctx, task, iteration, resume)
		resume = nil
		if err != nil {
			return c.failRun(lastWinner, err)
		}

		lastWinner = outcome
		if outcome.Decision.Status == models.DecisionApproved {
			return c.finish(ctx, outcome, false)
		}

		// REJECTED: the next prompt becomes the task.
		if outcome.Decision.NextPrompt != nil {
			task = *outcome.Decision.NextPrompt
		}
		if c.cfg.Orchestrator.CarryForwardWorkspaceBetweenIterations && outcome.Winner != nil {
			c.source = outcome.Winner.WorkspacePath
		}
		iteration++
	}
}

// iterationOutcome is the consensus decision plus the winning candidate.
type iterationOutcome struct {
	Decision  *models.ReviewerDecision
	Winner    *models.Candidate
	WinnerWs  *workspace.Workspace
	Plan      *models.Plan
	Iteration int
}

// checkIterationCap escalates to the admin when the cap is exceeded.
// Returns true when the admin accepted the partial result.
func (c *Controller) checkIterationCap(ctx context.Context, iteration int, last *iterationOutcome) (bool, error) {
	if c.maxIterations == nil || iteration <= *c.maxIterations {
		return false, nil
	}

	missing := "No reviewer feedback recorded yet."
	if last != nil && last.Decision != nil {
		if last.Decision.NextPrompt != nil && *last.Decision.NextPrompt != "" {
			missing = *last.Decision.NextPrompt
		} else if last.Decision.Feedback != "" {
			missing = last.Decision.Feedback
		}
	}
	summary := fmt.Sprintf("Iteration cap of %d reached. Remaining work according to the reviewers:\n%s", *c.maxIterations, missing)
	c.notify(ctx, summary)

	resp, err := c.broker.Ask(ctx, &broker.Request{
		Kind:    broker.KindAdminDecision,
		Prompt:  fmt.Sprintf("The run hit its iteration cap (%d). How should it proceed?", *c.maxIterations),
		Options: []string{"Accept the partial result and stop", fmt.Sprintf("Extend by %d iterations", extendIterationsBy)},
		Context: summary,
	})
	if err != nil {
		return false, err
	}
	if resp.Choice == 1 {
		c.store.UpdateMany(map[string]any{
			"approved":            true,
			"approved_by_admin":   true,
			"missing_work":        missing,
			"admin_decision_note": resp.Notes,
		})
		c.store.AppendHistory("admin accepted partial result at iteration cap")
		return true, nil
	}
	extended := *c.maxIterations + extendIterationsBy
	c.maxIterations = &extended
	c.store.Update("max_iterations", extended)
	c.store.AppendHistory(fmt.Sprintf("admin extended iteration cap to %d", extended))
	return false, nil
}

// runIteration executes one full pipeline pass.
func (c *Controller) runIteration(ctx context.Context, task string, iteration int, resume *ResumePoint) (*iterationOutcome, error) {
	skipTo := StepPlanning
	if resume != nil {
		skipTo = resume.Step
	}

	var candidates []*models.Candidate
	var workspaces map[string]*workspace.Workspace
	var plans map[string]*models.Plan
	var err error

	switch skipTo {
	case StepPersist, StepNextIteration, StepReview, StepTests, StepImplement:
		candidates, workspaces, plans, err = c.resumeCandidates(iteration)
		if err != nil {
			c.log.Log("resume of iteration %d artifacts failed (%v); replanning", iteration, err)
			skipTo = StepPlanning
		}
	}

	if skipTo == StepPlanning {
		plans, err = c.planFanOut(ctx, task, iteration)
		if err != nil {
			return nil, err
		}
		assignments := c.buildAssignments(plans, iteration)
		candidates, workspaces, err = c.executeFanOut(ctx, assignments, iteration)
		if err != nil {
			return nil, err
		}
	} else if skipTo == StepImplement {
		assignments := c.buildAssignments(plans, iteration)
		candidates, workspaces, err = c.executeFanOut(ctx, assignments, iteration)
		if err != nil {
			return nil, err
		}
	} else if skipTo == StepTests {
		if err := c.runTests(ctx, candidates, workspaces, plans); err != nil {
			return nil, err
		}
	}

	var decision *models.ReviewerDecision
	if skipTo == StepPersist || skipTo == StepNextIteration {
		// The review already concluded before the interruption.
		decision = c.persistedDecision()
	}
	if decision == nil {
		decision, err = c.reviewPhase(ctx, task, candidates, iteration)
		if err != nil {
			return nil, err
		}
	}

	outcome := &iterationOutcome{Decision: decision, Iteration: iteration}
	for _, cand := range candidates {
		if cand.ID == decision.WinnerCandidateID {
			outcome.Winner = cand
			outcome.WinnerWs = workspaces[cand.ID]
			outcome.Plan = plans[cand.ReviewerID]
		}
	}
	c.store.UpdateMany(map[string]any{
		"review_status":       string(decision.Status),
		"winner_candidate_id": decision.WinnerCandidateID,
	})
	c.setStage("review_ready")

	// Losing candidates never survive the iteration.
	c.destroyLosers(candidates, workspaces, decision.WinnerCandidateID)
	return outcome, nil
}

// persistedDecision rebuilds the concluded review verdict from state.
// Returns nil when the persisted verdict is unusable, forcing a re-review.
func (c *Controller) persistedDecision() *models.ReviewerDecision {
	status := models.DecisionStatus(c.store.GetString("review_status"))
	winner := c.store.GetString("winner_candidate_id")
	if winner == "" || (status != models.DecisionApproved && status != models.DecisionRejected) {
		return nil
	}
	decision := &models.ReviewerDecision{
		Status:            status,
		WinnerCandidateID: winner,
		Summary:           "Restored from persisted state after resume.",
		Feedback:          "Restored from persisted state after resume.",
	}
	if status == models.DecisionRejected {
		task := c.store.GetString("task")
		decision.NextPrompt = &task
	}
	// The richer verdict survives in the reviews rollup when present.
	if rollup, ok := c.store.Get("reviews").(map[string]any); ok {
		for _, v := range rollup {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if s, _ := entry["status"].(string); s != string(status) {
				continue
			}
			if w, _ := entry["winner_candidate_id"].(string); w != winner {
				continue
			}
			if sum, _ := entry["summary"].(string); sum != "" {
				decision.Summary = sum
			}
			if fb, _ := entry["feedback"].(string); fb != "" {
				decision.Feedback = fb
			}
			if np, _ := entry["next_prompt"].(string); np != "" {
				decision.NextPrompt = &np
			}
			break
		}
	}
	return decision
}

// destroyLosers cleans up every non-winning candidate workspace.
func (c *Controller) destroyLosers(candidates []*models.Candidate, workspaces map[string]*workspace.Workspace, winnerID string) {
	for _, cand := range candidates {
		if cand.ID == winnerID {
			continue
		}
		ws := workspaces[cand.ID]
		if ws == nil {
			continue
		}
		if err := ws.Cleanup(); err != nil {
			c.log.Log("cleanup of losing candidate %s failed: %v", cand.ID, err)
		}
	}
}

// failRun records the failure, applies the cleanup policy, and surfaces
// the error.
func (c *Controller) failRun(outcome *iterationOutcome, err error) error {
	c.setStage("failed")
	c.store.UpdateMany(map[string]any{"run_status": "stopped", "run_completed": true})
	c.cleanupRun(outcome, false)
	return err
}

// finish promotes the winning candidate and closes out the run.
func (c *Controller) finish(ctx context.Context, outcome *iterationOutcome, byAdmin bool) error {
	c.setStage("merging")
	promoted := false
	var promoteErr error
	if outcome != nil && outcome.Winner != nil && outcome.WinnerWs != nil {
		promoteErr = c.promote(ctx, outcome)
		promoted = promoteErr == nil
	}

	c.runHandoff(ctx, outcome)

	if promoteErr != nil {
		c.setStage("persistence_failed")
		c.store.UpdateMany(map[string]any{
			"run_status":    "stopped",
			"run_completed": true,
			"persisted":     false,
			"promote_error": promoteErr.Error(),
		})
		return promoteErr
	}

	c.store.UpdateMany(map[string]any{
		"approved":          true,
		"approved_by_admin": byAdmin,
		"persisted":         promoted,
		"run_status":        "stopped",
		"run_completed":     true,
	})
	c.setStage("complete")
	c.store.AppendHistory("run completed")
	c.cleanupRun(outcome, true)
	return nil
}

// promote persists the winning candidate's work: merge or commit for
// worktrees, apply-back for copies.
func (c *Controller) promote(ctx context.Context, outcome *iterationOutcome) error {
	o := c.cfg.Orchestrator
	ws := outcome.WinnerWs

	switch ws.Strategy {
	case workspace.StrategyWorktree:
		if o.CommitOnApproval || o.AutoMergeOnApproval {
			message := renderTemplate(o.CommitMessage, c.store.GetString("task"), c.store.RunID(), ws.BranchName, o.MergeTargetBranch)
			if _, err := ws.CommitChanges(message); err != nil {
				return fmt.Errorf("commit winning candidate: %w", err)
			}
		}
		if o.AutoMergeOnApproval {
			merger := NewMerger(c.gitFor(c.repoPath), c.mergeResolver(), c.store, c.log, MergeOptions{
				TargetBranch:       o.MergeTargetBranch,
				Style:              o.MergeStyle,
				DirtyPolicy:        o.DirtyMainPolicy,
				DirtyCommitMessage: o.DirtyMainCommitMessage,
				CommitMessage:      o.MergeCommitMessage,
				DeleteBranch:       o.DeleteBranchOnMerge,
				DeleteWorktree:     o.DeleteWorktreeOnMerge,
				Task:               c.store.GetString("task"),
				RunID:              c.store.RunID(),
			})
			_, err := merger.Merge(ctx, MergeRequest{
				Branch:       ws.BranchName,
				WorktreePath: ws.Path,
				Plan:         outcome.Plan,
				Decision:     outcome.Decision,
				Candidate:    outcome.Winner,
			})
			return err
		}
	case workspace.StrategyCopy:
		if o.ApplyChangesOnSuccess {
			if err := ws.ApplyToRepo(); err != nil {
				return fmt.Errorf("apply winning candidate back to repo: %w", err)
			}
		}
	}
	return nil
}

// mergeResolver returns an executor client for conflict resolution, or
// nil when the roster has no executor.
func (c *Controller) mergeResolver() conflictResolver {
	if len(c.roster.Executors) == 0 {
		return nil
	}
	return c.newExecutor(c.roster.Executors[0])
}

// cleanupRun applies the cleanup policy to the winner's workspace.
func (c *Controller) cleanupRun(outcome *iterationOutcome, success bool) {
	policy := c.cfg.Orchestrator.Cleanup
	if policy == "never" {
		return
	}
	if policy == "on_success" && !success {
		return
	}
	if outcome != nil && outcome.WinnerWs != nil {
		if err := outcome.WinnerWs.Cleanup(); err != nil {
			c.log.Log("cleanup of winning workspace failed: %v", err)
		}
	}
}

// runHandoff asks each reviewer for an operator-facing summary of the
// winning candidate and notifies the side channel.
func (c *Controller) runHandoff(ctx context.Context, outcome *iterationOutcome) {
	if outcome == nil || outcome.Winner == nil {
		return
	}
	task := c.store.GetString("task")
	summaries := map[string]any{}
	for _, spec := range c.roster.Reviewers {
		raw, err := c.newReviewer(spec).RunStructured(ctx, agent.StructuredCall{
			Phase:      "HANDOFF",
			Prompt:     prompt.ReviewCandidates(task, prompt.CandidateSummary(outcome.Winner), c.userContext(), true),
			SchemaName: agent.SchemaReviewerDecision,
			Cwd:        c.repoPath,
			Model:      spec.Model,
		})
		if err != nil {
			c.log.Log("handoff from %s failed: %v", spec.ID, err)
			continue
		}
		decision, err := models.ParseDecision(raw, nil)
		if err != nil {
			c.log.Log("handoff from %s invalid: %v", spec.ID, err)
			continue
		}
		summaries[spec.ID] = map[string]any{
			"summary":  decision.Summary,
			"feedback": decision.Feedback,
		}
		if decision.NextPrompt != nil {
			summaries[spec.ID].(map[string]any)["next_prompt"] = *decision.NextPrompt
		}
		c.notify(ctx, fmt.Sprintf("Handoff from %s:\n%s", spec.ID, decision.Summary))
	}
	if len(summaries) > 0 {
		c.store.Update("handoff_summaries", summaries)
	}
}

// RunSession runs tasks until session mode ends: each completed run asks
// the broker for the next task.
func (c *Controller) RunSession(ctx context.Context, task string) error {
	for {
		if task == "" {
			c.setStage("awaiting_initial_task")
			c.store.Update("run_status", "idle")
			resp, err := c.broker.Ask(ctx, &broker.Request{Kind: broker.KindInitialTask})
			if err != nil {
				return err
			}
			task = resp.Task
		}
		if err := c.Run(ctx, task, nil); err != nil {
			return err
		}
		if !c.cfg.Orchestrator.SessionMode {
			return nil
		}
		c.setStage("idle")
		c.store.Update("run_status", "idle")
		task = ""
	}
}
