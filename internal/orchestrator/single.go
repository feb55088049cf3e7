package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/orc/internal/agent"
	"github.com/ShayCichocki/orc/internal/prompt"
	"github.com/ShayCichocki/orc/internal/testrun"
	"github.com/ShayCichocki/orc/pkg/models"
)

// RunSingle drives the linear single-agent loop: one reviewer plans and
// judges, one executor implements, all in a single run-level workspace.
func (c *Controller) RunSingle(ctx context.Context, task string, resume *ResumePoint) error {
	if len(c.roster.Reviewers) == 0 || len(c.roster.Executors) == 0 {
		return fmt.Errorf("single-agent mode needs one reviewer and one executor")
	}
	reviewerSpec := c.roster.Reviewers[0]
	executorSpec := c.roster.Executors[0]

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
		"multi_agent":       false,
		"orchestrator_mode": "single",
	})

	ws, err := c.ws.Create(c.repoPath, c.store.RunID(), c.workspaceOpts(1))
	if err != nil {
		return fmt.Errorf("create run workspace: %w", err)
	}
	c.store.UpdateMany(map[string]any{
		"workspace_path":     ws.Path,
		"workspace_strategy": string(ws.Strategy),
		"branch_name":        ws.BranchName,
	})

	var lastOutcome *iterationOutcome
	var lastReview *models.ReviewerDecision
	var plan *models.Plan
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if capped, err := c.checkIterationCap(ctx, iteration, lastOutcome); err != nil {
			return err
		} else if capped {
			return c.finish(ctx, lastOutcome, true)
		}
		c.store.UpdateMany(map[string]any{"iteration": iteration, "task": task})

		plan, err = c.singlePlan(ctx, reviewerSpec, task, plan, lastReview)
		if err != nil {
			return c.failRun(&iterationOutcome{WinnerWs: ws}, err)
		}
		c.persistPlans(map[string]*models.Plan{reviewerSpec.ID: plan}, nil)
		c.setStage("plan_ready")

		cand := &models.Candidate{
			ID:                models.CandidateID(iteration, reviewerSpec.ID, executorSpec.ID, 0),
			ReviewerID:        reviewerSpec.ID,
			ExecutorID:        executorSpec.ID,
			Status:            models.CandidateRunning,
			WorkspacePath:     ws.Path,
			WorkspaceStrategy: string(ws.Strategy),
			BranchName:        ws.BranchName,
		}
		c.persistCandidate(cand)
		c.setStage("executing")
		c.executeCandidate(ctx, planAssignment{
			ReviewerID:  reviewerSpec.ID,
			Plan:        plan,
			Executor:    executorSpec,
			CandidateID: cand.ID,
		}, cand, ws)
		c.persistCandidate(cand)

		if cand.Status != models.CandidateFailed {
			results, err := c.tests.Run(ctx, ws.Path, c.cfg.Testing, plan.TestCommands)
			if err != nil {
				return c.failRun(&iterationOutcome{WinnerWs: ws}, fmt.Errorf("tests: %w", err))
			}
			cand.TestResults = results.ToMap()
			cand.TestSummary = testrun.Summarize(results)
			diff, derr := ws.Diff()
			if derr != nil {
				c.log.Log("diff failed: %v", derr)
			}
			cand.Diff = diff
			cand.DiffPreview = prompt.DiffPreview(diff)
			c.persistCandidate(cand)
		}
		c.setStage("tests_ready")

		decision, err := c.singleReview(ctx, reviewerSpec, plan, cand)
		if err != nil {
			return c.failRun(&iterationOutcome{WinnerWs: ws}, err)
		}
		c.persistDecisions(map[string]*models.ReviewerDecision{reviewerSpec.ID: decision})
		c.store.UpdateMany(map[string]any{
			"review_status":       string(decision.Status),
			"winner_candidate_id": decision.WinnerCandidateID,
		})
		c.setStage("review_ready")

		lastOutcome = &iterationOutcome{
			Decision:  decision,
			Winner:    cand,
			WinnerWs:  ws,
			Plan:      plan,
			Iteration: iteration,
		}
		lastReview = decision
		if decision.Status == models.DecisionApproved {
			return c.finish(ctx, lastOutcome, false)
		}
		if decision.NextPrompt != nil {
			task = *decision.NextPrompt
		}
		iteration++
	}
}

// singlePlan plans fresh on the first iteration and refines on later
// ones, looping NEEDS_USER_INPUT through the user broker.
func (c *Controller) singlePlan(ctx context.Context, spec models.AgentSpec, task string, prior *models.Plan, priorReview *models.ReviewerDecision) (*models.Plan, error) {
	c.setStage("planning")
	c.store.SetAgentRuntime(spec.ID, string(spec.Kind), string(spec.Role), "running", "PLAN")
	defer c.store.SetAgentRuntime(spec.ID, string(spec.Kind), string(spec.Role), "idle", "")

	phase := "PLAN"
	build := func() string { return prompt.Plan(task, c.userContext()) }
	if prior != nil && priorReview != nil {
		phase = "REFINE_PLAN"
		build = func() string { return prompt.RefinePlan(prior, priorReview, c.userContext()) }
	}

	reviewer := c.newReviewer(spec)
	for {
		raw, err := reviewer.RunStructured(ctx, agent.StructuredCall{
			Phase:           phase,
			Prompt:          build(),
			SchemaName:      agent.SchemaPlan,
			Cwd:             c.source,
			Model:           spec.Model,
			Sandbox:         spec.Sandbox,
			ReasoningEffort: spec.ReasoningEffort,
			Verbosity:       spec.Verbosity,
		})
		if err != nil {
			return nil, err
		}
		plan, err := models.ParsePlan(raw)
		if err != nil {
			return nil, err
		}
		if plan.Status == models.PlanOK {
			return plan, nil
		}
		if _, err := c.askUser(ctx, plan.Questions, "The planning reviewer needs answers before planning."); err != nil {
			return nil, err
		}
	}
}

// singleReview judges the one candidate, looping NEEDS_USER_INPUT
// through the user broker.
func (c *Controller) singleReview(ctx context.Context, spec models.AgentSpec, plan *models.Plan, cand *models.Candidate) (*models.ReviewerDecision, error) {
	c.setStage("reviewing")
	c.store.SetAgentRuntime(spec.ID, string(spec.Kind), string(spec.Role), "running", "REVIEW")
	defer c.store.SetAgentRuntime(spec.ID, string(spec.Kind), string(spec.Role), "idle", "")

	candidateIDs := map[string]bool{cand.ID: true}
	reviewer := c.newReviewer(spec)
	for {
		raw, err := reviewer.RunStructured(ctx, agent.StructuredCall{
			Phase:           "REVIEW",
			Prompt:          prompt.Review(plan, cand.ExecutorSummary, cand.Diff, cand.TestSummary, c.userContext()),
			SchemaName:      agent.SchemaReviewerDecision,
			Cwd:             c.source,
			Model:           spec.Model,
			Sandbox:         spec.Sandbox,
			ReasoningEffort: spec.ReasoningEffort,
			Verbosity:       spec.Verbosity,
		})
		if err != nil {
			return nil, err
		}
		var decision models.ReviewerDecision
		if err := json.Unmarshal(raw, &decision); err != nil {
			return nil, fmt.Errorf("decode review decision: %w", err)
		}
		if decision.Status == models.DecisionNeedsUserInput {
			if _, err := c.askUser(ctx, decision.Questions, "The reviewer needs answers before deciding."); err != nil {
				return nil, err
			}
			continue
		}
		// Single-candidate reviews may omit the winner; there is only one.
		if decision.WinnerCandidateID == "" {
			decision.WinnerCandidateID = cand.ID
		}
		if err := decision.Validate(candidateIDs); err != nil {
			return nil, err
		}
		return &decision, nil
	}
}
