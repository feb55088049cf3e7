package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/orc/internal/agent"
	"github.com/ShayCichocki/orc/internal/prompt"
	"github.com/ShayCichocki/orc/internal/testrun"
	"github.com/ShayCichocki/orc/internal/workspace"
	"github.com/ShayCichocki/orc/pkg/models"
)

// workspaceOpts builds the per-candidate workspace options. Multiple
// concurrent candidates must not share a directory, so in_place is
// forced away when more than one candidate will run.
func (c *Controller) workspaceOpts(concurrent int) workspace.CreateOptions {
	o := c.cfg.Orchestrator
	strategy := workspace.Strategy(o.WorkspaceStrategy)
	if concurrent > 1 && strategy == workspace.StrategyInPlace {
		strategy = workspace.StrategyAuto
		c.log.Log("in_place strategy forced to auto: %d candidates run concurrently", concurrent)
	}
	return workspace.CreateOptions{
		Strategy:           strategy,
		UseGitWorktree:     o.UseGitWorktree,
		BranchPrefix:       o.BranchPrefix,
		BranchNameLength:   o.BranchNameLength,
		BranchSuffixLength: o.BranchSuffixLength,
	}
}

// persistCandidate writes one candidate into the candidates map in state.
func (c *Controller) persistCandidate(cand *models.Candidate) {
	c.candMu.Lock()
	defer c.candMu.Unlock()

	rollup, _ := c.store.Get("candidates").(map[string]any)
	if rollup == nil {
		rollup = map[string]any{}
	}
	raw, err := json.Marshal(cand)
	if err != nil {
		return
	}
	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		return
	}
	rollup[cand.ID] = entry
	c.store.Update("candidates", rollup)
}

// executeFanOut runs every assignment in parallel: workspace creation,
// executor run with its reviewer-feedback loop, tests, and diff capture.
// Per-candidate failures mark the candidate FAILED; only workspace-layer
// or context errors abort the phase.
func (c *Controller) executeFanOut(ctx context.Context, assignments []planAssignment, iteration int) ([]*models.Candidate, map[string]*workspace.Workspace, error) {
	c.setStage("executing")
	c.store.AppendHistory(fmt.Sprintf("iteration %d: executing %d candidates", iteration, len(assignments)))

	opts := c.workspaceOpts(len(assignments))
	candidates := make([]*models.Candidate, len(assignments))
	workspaces := make(map[string]*workspace.Workspace)
	var wsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range assignments {
		i, a := i, a
		g.Go(func() error {
			cand := &models.Candidate{
				ID:         a.CandidateID,
				ReviewerID: a.ReviewerID,
				ExecutorID: a.Executor.ID,
				Status:     models.CandidatePending,
			}
			candidates[i] = cand

			ws, err := c.ws.CreateCandidate(c.repoPath, c.source, c.store.RunID(), iteration, a.CandidateID, opts)
			if err != nil {
				return fmt.Errorf("create workspace for %s: %w", a.CandidateID, err)
			}
			wsMu.Lock()
			workspaces[a.CandidateID] = ws
			wsMu.Unlock()

			cand.WorkspacePath = ws.Path
			cand.WorkspaceStrategy = string(ws.Strategy)
			cand.BranchName = ws.BranchName
			cand.Status = models.CandidateRunning
			c.persistCandidate(cand)

			c.executeCandidate(gctx, a, cand, ws)
			c.persistCandidate(cand)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Run-level workspace pointers drive resume discovery.
	if len(candidates) > 0 && candidates[0] != nil {
		c.store.UpdateMany(map[string]any{
			"workspace_path":     candidates[0].WorkspacePath,
			"workspace_strategy": candidates[0].WorkspaceStrategy,
		})
	}

	if err := c.runTests(ctx, candidates, workspaces, nil); err != nil {
		return nil, nil, err
	}
	return candidates, workspaces, nil
}

// executeCandidate runs the executor for one candidate, looping through
// reviewer feedback when the executor pauses with questions.
func (c *Controller) executeCandidate(ctx context.Context, a planAssignment, cand *models.Candidate, ws *workspace.Workspace) {
	spec := a.Executor
	c.store.SetAgentRuntime(spec.ID, string(spec.Kind), string(spec.Role), "running", "IMPLEMENT")
	defer c.store.SetAgentRuntime(spec.ID, string(spec.Kind), string(spec.Role), "idle", "")

	executor := c.newExecutor(spec)
	call := agent.ImplementCall{
		Phase:              "IMPLEMENT",
		Prompt:             a.Plan.ExecutorPrompt,
		Cwd:                ws.Path,
		JSONSchema:         agent.ExecutorResultSchemaJSON,
		AppendSystemPrompt: prompt.ExecutorSystemPrompt,
		Model:              spec.Model,
		AllowedTools:       spec.AllowedTools,
		MaxTurns:           spec.MaxTurns,
		SessionID:          cand.SessionID,
	}

	rounds := 0
	for {
		out, err := executor.Implement(ctx, call)
		if err != nil {
			cand.Status = models.CandidateFailed
			cand.Error = err.Error()
			return
		}
		if out.SessionID != "" {
			cand.SessionID = out.SessionID
		}
		structured := out.StructuredOrLegacy()
		switch {
		case structured.Status.NeedsReviewer():
			rounds++
			if rounds > c.cfg.Orchestrator.MaxClaudeQuestionRounds {
				cand.Status = models.CandidateFailed
				cand.Error = fmt.Sprintf("executor exceeded %d reviewer-question rounds", c.cfg.Orchestrator.MaxClaudeQuestionRounds)
				return
			}
			answers, err := c.answerQuestions(ctx, a.Plan, structured.Questions)
			if err != nil {
				cand.Status = models.CandidateFailed
				cand.Error = err.Error()
				return
			}
			call.Prompt = prompt.ExecutorContinuation(answers)
			call.SessionID = cand.SessionID
			continue
		case structured.Status == models.ExecutorFailed:
			cand.Status = models.CandidateFailed
			cand.Error = structured.Summary
			cand.ExecutorSummary = structured.Summary
			return
		default:
			cand.Status = models.CandidateDone
			cand.ExecutorSummary = structured.Summary
			if cand.ExecutorSummary == "" {
				cand.ExecutorSummary = out.Result
			}
			return
		}
	}
}

// answerQuestions asks every reviewer, in roster order, to answer the
// executor's questions, and concatenates their answers. A reviewer that
// needs the user first triggers a user round and is re-asked.
func (c *Controller) answerQuestions(ctx context.Context, plan *models.Plan, questions []string) (string, error) {
	task := c.store.GetString("task")
	var parts []string
	for _, spec := range c.roster.Reviewers {
		reviewer := c.newReviewer(spec)
		for {
			raw, err := reviewer.RunStructured(ctx, agent.StructuredCall{
				Phase:           "ANSWER_EXECUTOR",
				Prompt:          prompt.AnswerExecutor(questions, task, plan, c.userContext()),
				SchemaName:      agent.SchemaReviewerAnswer,
				Cwd:             c.source,
				Model:           spec.Model,
				Sandbox:         spec.Sandbox,
				ReasoningEffort: spec.ReasoningEffort,
				Verbosity:       spec.Verbosity,
			})
			if err != nil {
				return "", fmt.Errorf("reviewer %s failed to answer: %w", spec.ID, err)
			}
			var answer models.ReviewerAnswer
			if err := json.Unmarshal(raw, &answer); err != nil {
				return "", fmt.Errorf("decode answer from %s: %w", spec.ID, err)
			}
			if answer.Status == models.AnswerNeedsUserInput {
				if _, err := c.askUser(ctx, answer.Questions, fmt.Sprintf("Reviewer %s needs answers before responding to the implementer.", spec.ID)); err != nil {
					return "", err
				}
				continue
			}
			parts = append(parts, fmt.Sprintf("[%s]\n%s", spec.ID, answer.Answer))
			break
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// runTests executes the test suite for every non-failed candidate and
// captures the diff. plans may be nil when the plan is recoverable from
// the candidate's reviewer (resume path passes the rebuilt map).
func (c *Controller) runTests(ctx context.Context, candidates []*models.Candidate, workspaces map[string]*workspace.Workspace, plans map[string]*models.Plan) error {
	for _, cand := range candidates {
		ws := workspaces[cand.ID]
		if ws == nil || cand.Status == models.CandidateFailed {
			continue
		}
		var planCommands []models.TestCommand
		if plans != nil {
			if p := plans[cand.ReviewerID]; p != nil {
				planCommands = p.TestCommands
			}
		} else if p := c.planFor(cand.ReviewerID); p != nil {
			planCommands = p.TestCommands
		}

		results, err := c.tests.Run(ctx, ws.Path, c.cfg.Testing, planCommands)
		if err != nil {
			return fmt.Errorf("tests for %s: %w", cand.ID, err)
		}
		cand.TestResults = results.ToMap()
		cand.TestSummary = testrun.Summarize(results)

		diff, err := ws.Diff()
		if err != nil {
			c.log.Log("diff for %s failed: %v", cand.ID, err)
		}
		cand.Diff = diff
		cand.DiffPreview = prompt.DiffPreview(diff)
		c.persistCandidate(cand)
	}
	c.setStage("tests_ready")
	return nil
}

// planFor rebuilds a plan from the persisted rollup.
func (c *Controller) planFor(reviewerID string) *models.Plan {
	rollup, _ := c.store.Get("plans").(map[string]any)
	entry, _ := rollup[reviewerID].(map[string]any)
	if entry == nil {
		return nil
	}
	p := &models.Plan{Status: models.PlanOK}
	p.ExecutorPrompt, _ = entry["claude_prompt"].(string)
	p.Notes, _ = entry["notes"].(string)
	if tasks, ok := entry["tasks"].([]any); ok {
		for _, t := range tasks {
			tm, _ := t.(map[string]any)
			if tm == nil {
				continue
			}
			task := models.PlanTask{}
			task.ID, _ = tm["id"].(string)
			task.Title, _ = tm["title"].(string)
			task.Description, _ = tm["description"].(string)
			p.Tasks = append(p.Tasks, task)
		}
	}
	return p
}

// resumeCandidates rebuilds the iteration's candidates, workspaces, and
// plans from persisted state.
func (c *Controller) resumeCandidates(iteration int) ([]*models.Candidate, map[string]*workspace.Workspace, map[string]*models.Plan, error) {
	rollup, _ := c.store.Get("candidates").(map[string]any)
	if len(rollup) == 0 {
		return nil, nil, nil, fmt.Errorf("no persisted candidates to resume")
	}

	prefix := fmt.Sprintf("iter%d-", iteration)
	var candidates []*models.Candidate
	workspaces := make(map[string]*workspace.Workspace)
	plans := make(map[string]*models.Plan)

	for id, v := range rollup {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		var cand models.Candidate
		if err := json.Unmarshal(raw, &cand); err != nil {
			continue
		}
		ws, err := c.ws.ResumeCandidate(c.repoPath, cand.WorkspacePath, workspace.Strategy(cand.WorkspaceStrategy), cand.BranchName)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resume workspace for %s: %w", id, err)
		}
		candidates = append(candidates, &cand)
		workspaces[cand.ID] = ws
		if _, ok := plans[cand.ReviewerID]; !ok {
			if p := c.planFor(cand.ReviewerID); p != nil {
				plans[cand.ReviewerID] = p
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil, nil, fmt.Errorf("no candidates persisted for iteration %d", iteration)
	}
	return candidates, workspaces, plans, nil
}
