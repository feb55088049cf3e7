package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/orc/internal/agent"
	"github.com/ShayCichocki/orc/internal/broker"
	"github.com/ShayCichocki/orc/internal/prompt"
	"github.com/ShayCichocki/orc/pkg/models"
)

// planFanOut runs every reviewer's plan operation in parallel. Reviewers
// that return NEEDS_USER_INPUT loop through serialized user rounds until
// they produce an OK plan; invalid plans are dropped into plan_errors.
// With zero valid plans the admin picks which failed attempt seeds a
// retry and the fan-out runs again with the augmented task.
func (c *Controller) planFanOut(ctx context.Context, task string, iteration int) (map[string]*models.Plan, error) {
	c.store.AppendHistory(fmt.Sprintf("iteration %d: planning with %d reviewers", iteration, len(c.roster.Reviewers)))

	for {
		c.setStage("planning")

		var mu sync.Mutex
		plans := make(map[string]*models.Plan)
		planErrors := make(map[string]string)

		g, gctx := errgroup.WithContext(ctx)
		for _, spec := range c.roster.Reviewers {
			spec := spec
			g.Go(func() error {
				plan, err := c.planOne(gctx, spec, task)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					planErrors[spec.ID] = err.Error()
					c.log.Log("plan from %s dropped: %v", spec.ID, err)
					return nil
				}
				plans[spec.ID] = plan
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		c.persistPlans(plans, planErrors)
		if len(plans) > 0 {
			c.setStage("plan_ready")
			return plans, nil
		}
		retryTask, err := c.escalateNoPlans(ctx, task, planErrors)
		if err != nil {
			return nil, err
		}
		task = retryTask
	}
}

// planOne runs one reviewer's plan operation, looping through user
// clarification until the plan is OK.
func (c *Controller) planOne(ctx context.Context, spec models.AgentSpec, task string) (*models.Plan, error) {
	c.store.SetAgentRuntime(spec.ID, string(spec.Kind), string(spec.Role), "running", "PLAN")
	defer c.store.SetAgentRuntime(spec.ID, string(spec.Kind), string(spec.Role), "idle", "")

	reviewer := c.newReviewer(spec)
	for {
		raw, err := reviewer.RunStructured(ctx, agent.StructuredCall{
			Phase:           "PLAN",
			Prompt:          prompt.Plan(task, c.userContext()),
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
		// NEEDS_USER_INPUT: one serialized user round, then re-ask.
		if _, err := c.askUser(ctx, plan.Questions, fmt.Sprintf("Reviewer %s needs answers before planning.", spec.ID)); err != nil {
			return nil, err
		}
	}
}

// persistPlans writes plan rollups and errors to state.
func (c *Controller) persistPlans(plans map[string]*models.Plan, planErrors map[string]string) {
	rollup := map[string]any{}
	for id, p := range plans {
		tasks := make([]any, 0, len(p.Tasks))
		for _, t := range p.Tasks {
			tasks = append(tasks, map[string]any{"id": t.ID, "title": t.Title, "description": t.Description})
		}
		rollup[id] = map[string]any{
			"status":        string(p.Status),
			"claude_prompt": p.ExecutorPrompt,
			"tasks":         tasks,
			"notes":         p.Notes,
		}
	}
	errs := map[string]any{}
	for id, msg := range planErrors {
		errs[id] = msg
	}
	c.store.UpdateMany(map[string]any{"plans": rollup, "plan_errors": errs})
}

// escalateNoPlans asks the admin which failed plan seeds a retry and
// returns the task augmented with the chosen attempt's failure and any
// admin notes.
func (c *Controller) escalateNoPlans(ctx context.Context, task string, planErrors map[string]string) (string, error) {
	var options []string
	var seeds []string
	var lines []string
	for _, spec := range c.roster.Reviewers {
		msg, ok := planErrors[spec.ID]
		if !ok {
			continue
		}
		options = append(options, fmt.Sprintf("Retry seeded from %s's attempt", spec.ID))
		seeds = append(seeds, spec.ID)
		lines = append(lines, fmt.Sprintf("%s: %s", spec.ID, msg))
	}
	if len(options) == 0 {
		options = []string{"Retry planning"}
	}
	resp, err := c.broker.Ask(ctx, &broker.Request{
		Kind:    broker.KindAdminDecision,
		Prompt:  "Every reviewer failed to produce a valid plan. Pick which attempt seeds the retry.",
		Options: options,
		Context: strings.Join(lines, "\n"),
	})
	if err != nil {
		return "", err
	}
	c.store.UpdateMany(map[string]any{
		"plan_retry_choice": resp.Choice,
		"plan_retry_notes":  resp.Notes,
	})
	c.store.AppendHistory("admin seeded a planning retry after all plans failed")

	retry := task
	if resp.Choice >= 1 && resp.Choice <= len(seeds) {
		id := seeds[resp.Choice-1]
		retry += fmt.Sprintf("\n\nA previous planning attempt by %s failed with:\n%s", id, planErrors[id])
	}
	if resp.Notes != "" {
		retry += "\n\nAdmin guidance:\n" + resp.Notes
	}
	return retry, nil
}

// planAssignment pairs one plan with one executor slot.
type planAssignment struct {
	ReviewerID  string
	Plan        *models.Plan
	Executor    models.AgentSpec
	CandidateID string
}

// buildAssignments pairs plans with executors round-robin. Each plan gets
// executors_per_plan slots; fewer executors than slots wrap with modulo.
func (c *Controller) buildAssignments(plans map[string]*models.Plan, iteration int) []planAssignment {
	perPlan := c.cfg.Agents.Assignment.ExecutorsPerPlan
	if perPlan < 1 {
		perPlan = 1
	}
	executors := c.roster.Executors
	if len(executors) == 0 {
		return nil
	}

	var out []planAssignment
	slot := 0
	// Roster order keeps assignment deterministic across runs.
	for _, spec := range c.roster.Reviewers {
		plan, ok := plans[spec.ID]
		if !ok {
			continue
		}
		for k := 0; k < perPlan; k++ {
			executor := executors[slot%len(executors)]
			out = append(out, planAssignment{
				ReviewerID:  spec.ID,
				Plan:        plan,
				Executor:    executor,
				CandidateID: models.CandidateID(iteration, spec.ID, executor.ID, k),
			})
			slot++
		}
	}
	return out
}
