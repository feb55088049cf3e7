package models

import (
	"encoding/json"
	"fmt"
)

// DecisionStatus is a reviewer's verdict on an iteration's candidates.
type DecisionStatus string

const (
	// DecisionApproved means the winning candidate should be persisted and
	// the run stops.
	DecisionApproved DecisionStatus = "APPROVED"
	// DecisionRejected means another iteration is needed.
	DecisionRejected DecisionStatus = "REJECTED"
	// DecisionNeedsUserInput means the reviewer needs answers before deciding.
	DecisionNeedsUserInput DecisionStatus = "NEEDS_USER_INPUT"
)

// Valid returns true if the status is a known value.
func (s DecisionStatus) Valid() bool {
	switch s {
	case DecisionApproved, DecisionRejected, DecisionNeedsUserInput:
		return true
	default:
		return false
	}
}

// ReviewerDecision is the structured output of a REVIEW_CANDIDATES call.
type ReviewerDecision struct {
	Status DecisionStatus `json:"status"`
	// WinnerCandidateID must name one of the iteration's candidates on
	// APPROVED or REJECTED.
	WinnerCandidateID string `json:"winner_candidate_id,omitempty"`
	Summary           string `json:"summary,omitempty"`
	Feedback          string `json:"feedback,omitempty"`
	// NextPrompt seeds the next iteration's task on REJECTED. Must be nil
	// on APPROVED: approval means nothing remains to do.
	NextPrompt *string `json:"next_prompt,omitempty"`
	// Questions for the user. Required non-empty on NEEDS_USER_INPUT.
	Questions []string `json:"questions,omitempty"`
}

// Validate checks the decision shape. candidateIDs is the set of candidate
// ids that exist in the current iteration; pass nil to skip the membership
// check (e.g. handoff summaries).
func (d *ReviewerDecision) Validate(candidateIDs map[string]bool) error {
	switch d.Status {
	case DecisionNeedsUserInput:
		if len(d.Questions) == 0 {
			return fmt.Errorf("decision NEEDS_USER_INPUT requires questions")
		}
		return nil
	case DecisionApproved, DecisionRejected:
	default:
		return fmt.Errorf("unknown decision status %q", d.Status)
	}
	if d.WinnerCandidateID == "" {
		return fmt.Errorf("decision %s requires a winner_candidate_id", d.Status)
	}
	if candidateIDs != nil && !candidateIDs[d.WinnerCandidateID] {
		return fmt.Errorf("winner_candidate_id %q is not a candidate in this iteration", d.WinnerCandidateID)
	}
	if d.Summary == "" {
		return fmt.Errorf("decision %s requires a summary", d.Status)
	}
	if d.Feedback == "" {
		return fmt.Errorf("decision %s requires feedback", d.Status)
	}
	if d.Status == DecisionApproved && d.NextPrompt != nil && *d.NextPrompt != "" {
		return fmt.Errorf("APPROVED decision must not carry a next_prompt")
	}
	if d.Status == DecisionRejected && (d.NextPrompt == nil || *d.NextPrompt == "") {
		return fmt.Errorf("REJECTED decision requires a next_prompt")
	}
	return nil
}

// ParseDecision decodes and validates a raw reviewer decision payload.
func ParseDecision(raw []byte, candidateIDs map[string]bool) (*ReviewerDecision, error) {
	var d ReviewerDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode reviewer decision: %w", err)
	}
	if err := d.Validate(candidateIDs); err != nil {
		return nil, err
	}
	return &d, nil
}

// Consensus is the result of comparing reviewer decisions.
type Consensus struct {
	Agreed bool
	Status DecisionStatus
	// Winner is the agreed winner_candidate_id.
	Winner     string
	NextPrompt *string
}

// ComputeConsensus returns agreement only when every decision matches
// exactly on (status, winner, next_prompt). NEEDS_USER_INPUT or an empty
// winner never reaches consensus.
func ComputeConsensus(decisions []*ReviewerDecision) Consensus {
	if len(decisions) == 0 {
		return Consensus{}
	}
	first := decisions[0]
	if first.Status == DecisionNeedsUserInput || first.WinnerCandidateID == "" {
		return Consensus{}
	}
	for _, d := range decisions[1:] {
		if d.Status != first.Status ||
			d.WinnerCandidateID != first.WinnerCandidateID ||
			!promptsEqual(d.NextPrompt, first.NextPrompt) {
			return Consensus{}
		}
	}
	return Consensus{
		Agreed:     true,
		Status:     first.Status,
		Winner:     first.WinnerCandidateID,
		NextPrompt: first.NextPrompt,
	}
}

func promptsEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
