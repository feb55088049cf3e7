package models

import (
	"encoding/json"
	"fmt"
)

// PlanStatus is the status field of a reviewer-produced plan.
type PlanStatus string

const (
	// PlanOK means the plan is actionable.
	PlanOK PlanStatus = "OK"
	// PlanNeedsUserInput means the reviewer needs answers before planning.
	PlanNeedsUserInput PlanStatus = "NEEDS_USER_INPUT"
)

// PlanTask is one unit of work inside a plan.
type PlanTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// TestCommand is one test invocation suggested by a plan.
type TestCommand struct {
	ID string `json:"id,omitempty"`
	// Kind is e.g. "unit" or "e2e".
	Kind    string   `json:"kind,omitempty"`
	Label   string   `json:"label,omitempty"`
	Command []string `json:"command"`
	// TimeoutSec overrides the run-wide test timeout. Nil falls back.
	TimeoutSec *float64 `json:"timeout_sec,omitempty"`
}

// Plan is the structured output of a PLAN or REFINE_PLAN call.
type Plan struct {
	Status PlanStatus `json:"status"`
	// ExecutorPrompt is the prompt handed to the executor. Required on OK.
	ExecutorPrompt string `json:"claude_prompt,omitempty"`
	// Tasks is the ordered work breakdown. Required non-empty on OK.
	Tasks []PlanTask `json:"tasks,omitempty"`
	// TestCommands are plan-supplied test invocations, preferred over the
	// configured fallbacks.
	TestCommands []TestCommand `json:"test_commands,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	// Questions for the user. Required non-empty on NEEDS_USER_INPUT.
	Questions []string `json:"questions,omitempty"`
}

// Validate checks the plan's shape against its status.
func (p *Plan) Validate() error {
	switch p.Status {
	case PlanOK:
		if p.ExecutorPrompt == "" {
			return fmt.Errorf("plan status OK requires a non-empty claude_prompt")
		}
		if len(p.Tasks) == 0 {
			return fmt.Errorf("plan status OK requires a non-empty tasks list")
		}
		for i, t := range p.Tasks {
			if t.Title == "" {
				return fmt.Errorf("plan task %d has an empty title", i)
			}
		}
		for i, tc := range p.TestCommands {
			if len(tc.Command) == 0 {
				return fmt.Errorf("test_commands[%d] has an empty command", i)
			}
			if tc.TimeoutSec != nil && *tc.TimeoutSec <= 0 {
				return fmt.Errorf("test_commands[%d].timeout_sec must be positive", i)
			}
		}
		return nil
	case PlanNeedsUserInput:
		if len(p.Questions) == 0 {
			return fmt.Errorf("plan status NEEDS_USER_INPUT requires questions")
		}
		return nil
	default:
		return fmt.Errorf("unknown plan status %q", p.Status)
	}
}

// ParsePlan decodes and validates a raw plan payload.
func ParsePlan(raw []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// QnA is one accumulated user question/answer pair.
type QnA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}
