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

// reviewPhase runs the review fan-out, computes consensus, and falls
// back to admin decisions when reviewers disagree or all fail.
func (c *Controller) reviewPhase(ctx context.Context, task string, candidates []*models.Candidate, iteration int) (*models.ReviewerDecision, error) {
	c.setStage("reviewing")
	c.store.AppendHistory(fmt.Sprintf("iteration %d: reviewing %d candidates", iteration, len(candidates)))

	decisions, err := c.reviewFanOut(ctx, task, candidates)
	if err != nil {
		return nil, err
	}
	c.persistDecisions(decisions)

	ordered := c.orderedDecisions(decisions)
	if len(ordered) == 0 {
		return c.escalateNoDecisions(ctx, task, candidates)
	}

	consensus := models.ComputeConsensus(ordered)
	if consensus.Agreed {
		// Any agreeing decision carries the shared verdict.
		return ordered[0], nil
	}
	return c.escalateDisagreement(ctx, decisions)
}

// reviewFanOut collects every reviewer's decision in parallel, looping
// NEEDS_USER_INPUT decisions through the user broker. Invalid decisions
// are dropped and recorded.
func (c *Controller) reviewFanOut(ctx context.Context, task string, candidates []*models.Candidate) (map[string]*models.ReviewerDecision, error) {
	candidateIDs := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		candidateIDs[cand.ID] = true
	}
	candidatesText := prompt.CandidatesText(candidates)

	var mu sync.Mutex
	decisions := make(map[string]*models.ReviewerDecision)
	reviewErrors := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range c.roster.Reviewers {
		spec := spec
		g.Go(func() error {
			decision, err := c.reviewOne(gctx, spec, task, candidatesText, candidateIDs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				reviewErrors[spec.ID] = err.Error()
				c.log.Log("review from %s dropped: %v", spec.ID, err)
				return nil
			}
			decisions[spec.ID] = decision
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(reviewErrors) > 0 {
		errs := map[string]any{}
		for id, msg := range reviewErrors {
			errs[id] = msg
		}
		c.store.Update("review_errors", errs)
	}
	return decisions, nil
}

// reviewOne runs one reviewer's REVIEW_CANDIDATES call, looping through
// user clarification until the decision is APPROVED or REJECTED.
func (c *Controller) reviewOne(ctx context.Context, spec models.AgentSpec, task, candidatesText string, candidateIDs map[string]bool) (*models.ReviewerDecision, error) {
	c.store.SetAgentRuntime(spec.ID, string(spec.Kind), string(spec.Role), "running", "REVIEW_CANDIDATES")
	defer c.store.SetAgentRuntime(spec.ID, string(spec.Kind), string(spec.Role), "idle", "")

	reviewer := c.newReviewer(spec)
	for {
		raw, err := reviewer.RunStructured(ctx, agent.StructuredCall{
			Phase:           "REVIEW_CANDIDATES",
			Prompt:          prompt.ReviewCandidates(task, candidatesText, c.userContext(), false),
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
		decision, err := models.ParseDecision(raw, candidateIDs)
		if err != nil {
			return nil, err
		}
		if decision.Status != models.DecisionNeedsUserInput {
			return decision, nil
		}
		if _, err := c.askUser(ctx, decision.Questions, fmt.Sprintf("Reviewer %s needs answers before deciding.", spec.ID)); err != nil {
			return nil, err
		}
	}
}

// orderedDecisions returns valid decisions in roster order.
func (c *Controller) orderedDecisions(decisions map[string]*models.ReviewerDecision) []*models.ReviewerDecision {
	var out []*models.ReviewerDecision
	for _, spec := range c.roster.Reviewers {
		if d, ok := decisions[spec.ID]; ok {
			out = append(out, d)
		}
	}
	return out
}

// persistDecisions stores the review rollup in state.
func (c *Controller) persistDecisions(decisions map[string]*models.ReviewerDecision) {
	rollup := map[string]any{}
	for id, d := range decisions {
		entry := map[string]any{
			"status":              string(d.Status),
			"winner_candidate_id": d.WinnerCandidateID,
			"summary":             d.Summary,
			"feedback":            d.Feedback,
		}
		if d.NextPrompt != nil {
			entry["next_prompt"] = *d.NextPrompt
		}
		rollup[id] = entry
	}
	c.store.Update("reviews", rollup)
}

// escalateNoDecisions lets the admin pick a candidate when every review
// failed; the result is a synthesized REJECTED decision recorded under
// the "admin" key.
func (c *Controller) escalateNoDecisions(ctx context.Context, task string, candidates []*models.Candidate) (*models.ReviewerDecision, error) {
	options := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		label := fmt.Sprintf("%s (%s; %s)", cand.ID, cand.Status, cand.TestSummary)
		options = append(options, label)
	}
	resp, err := c.broker.Ask(ctx, &broker.Request{
		Kind:    broker.KindAdminDecision,
		Prompt:  "Every reviewer failed to produce a valid decision. Pick the candidate to seed the next iteration.",
		Options: options,
	})
	if err != nil {
		return nil, err
	}
	if resp.Choice < 1 || resp.Choice > len(candidates) {
		return nil, fmt.Errorf("admin chose option %d of %d", resp.Choice, len(candidates))
	}
	chosen := candidates[resp.Choice-1]

	next := resp.Notes
	if next == "" {
		next = task
	}
	decision := &models.ReviewerDecision{
		Status:            models.DecisionRejected,
		WinnerCandidateID: chosen.ID,
		Summary:           "Admin selected a candidate after all reviews failed.",
		Feedback:          "Reviews failed validation; the admin chose the seed candidate directly.",
		NextPrompt:        &next,
	}
	c.store.Update("reviews", map[string]any{"admin": map[string]any{
		"status":              string(decision.Status),
		"winner_candidate_id": decision.WinnerCandidateID,
		"summary":             decision.Summary,
		"next_prompt":         next,
	}})
	c.store.AppendHistory("admin substituted a decision after all reviews failed")
	return decision, nil
}

// escalateDisagreement asks the admin to pick one reviewer's decision as
// authoritative; admin notes are appended to the next prompt.
func (c *Controller) escalateDisagreement(ctx context.Context, decisions map[string]*models.ReviewerDecision) (*models.ReviewerDecision, error) {
	type option struct {
		reviewerID string
		decision   *models.ReviewerDecision
	}
	var options []option
	var labels []string
	var contextLines []string
	for _, spec := range c.roster.Reviewers {
		d, ok := decisions[spec.ID]
		if !ok {
			continue
		}
		options = append(options, option{spec.ID, d})
		labels = append(labels, fmt.Sprintf("%s: %s, winner %s", spec.ID, d.Status, d.WinnerCandidateID))
		contextLines = append(contextLines, fmt.Sprintf("%s: %s", spec.ID, d.Summary))
	}

	resp, err := c.broker.Ask(ctx, &broker.Request{
		Kind:    broker.KindAdminDecision,
		Prompt:  "Reviewers disagree. Pick the authoritative decision.",
		Options: labels,
		Context: strings.Join(contextLines, "\n"),
	})
	if err != nil {
		return nil, err
	}
	if resp.Choice < 1 || resp.Choice > len(options) {
		return nil, fmt.Errorf("admin chose option %d of %d", resp.Choice, len(options))
	}
	chosen := options[resp.Choice-1]
	decision := *chosen.decision
	if resp.Notes != "" && decision.Status == models.DecisionRejected {
		appended := resp.Notes
		if decision.NextPrompt != nil && *decision.NextPrompt != "" {
			appended = *decision.NextPrompt + "\n\nAdmin notes:\n" + resp.Notes
		}
		decision.NextPrompt = &appended
	}
	c.store.UpdateMany(map[string]any{
		"consensus_by_admin":    true,
		"consensus_admin_pick":  chosen.reviewerID,
		"consensus_admin_notes": resp.Notes,
	})
	c.store.AppendHistory(fmt.Sprintf("admin resolved review disagreement in favor of %s", chosen.reviewerID))
	return &decision, nil
}
