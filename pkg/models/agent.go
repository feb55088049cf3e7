// Package models defines the shared data model for orchestration runs:
// agent rosters, plans, candidates, reviewer decisions, and executor results.
package models

import "fmt"

// AgentKind identifies which CLI family backs an agent.
type AgentKind string

const (
	// KindReviewerFamily is the plan/review-oriented CLI family.
	KindReviewerFamily AgentKind = "codex"
	// KindExecutorFamily is the implementation-oriented CLI family.
	KindExecutorFamily AgentKind = "claude"
)

// Valid returns true if the kind is a known value.
func (k AgentKind) Valid() bool {
	switch k {
	case KindReviewerFamily, KindExecutorFamily:
		return true
	default:
		return false
	}
}

// AgentRole distinguishes planners/judges from code writers.
type AgentRole string

const (
	// RoleReviewer plans work and judges candidates. Read-only sandbox.
	RoleReviewer AgentRole = "reviewer"
	// RoleExecutor writes code inside a candidate workspace.
	RoleExecutor AgentRole = "executor"
)

// AgentSpec is an immutable descriptor for one agent in the roster.
type AgentSpec struct {
	// ID is unique within the run (e.g. "reviewer-1").
	ID string `json:"id" mapstructure:"id"`
	// Kind selects the CLI family that backs this agent.
	Kind AgentKind `json:"kind" mapstructure:"kind"`
	// Role is reviewer or executor.
	Role AgentRole `json:"role" mapstructure:"role"`
	// Command overrides the family's default CLI command when non-empty.
	Command []string `json:"command,omitempty" mapstructure:"command"`
	// Model overrides the family's default model when non-empty.
	Model string `json:"model,omitempty" mapstructure:"model"`
	// ReasoningEffort tunes family-A reasoning depth (low|medium|high).
	ReasoningEffort string `json:"reasoning_effort,omitempty" mapstructure:"reasoning_effort"`
	// Verbosity tunes family-A output verbosity.
	Verbosity string `json:"verbosity,omitempty" mapstructure:"verbosity"`
	// Sandbox is the family-A sandbox policy. Reviewers default to
	// read-only, executors to workspace-write.
	Sandbox string `json:"sandbox,omitempty" mapstructure:"sandbox"`
	// AllowedTools limits family-B tool access when non-empty.
	AllowedTools []string `json:"allowed_tools,omitempty" mapstructure:"allowed_tools"`
	// MaxTurns caps family-B conversation turns. Zero means default.
	MaxTurns int `json:"max_turns,omitempty" mapstructure:"max_turns"`
}

// AssignmentMode controls how executors are paired with plans.
type AssignmentMode string

// AssignmentRoundRobin pairs plans with executors by rotating through the
// executor roster.
const AssignmentRoundRobin AssignmentMode = "round_robin"

// Assignment configures the plan-to-executor pairing.
type Assignment struct {
	// Mode is the pairing strategy. Only round_robin is recognized.
	Mode AssignmentMode `json:"mode" mapstructure:"mode"`
	// ExecutorsPerPlan is how many candidates each plan spawns. Minimum 1.
	ExecutorsPerPlan int `json:"executors_per_plan" mapstructure:"executors_per_plan"`
}

// Roster is the normalized agent set for a run.
type Roster struct {
	Reviewers []AgentSpec `json:"reviewers"`
	Executors []AgentSpec `json:"executors"`
}

// NormalizeRoster fills defaults: an empty reviewer list becomes a single
// family-A reviewer "reviewer-1", an empty executor list a single family-B
// executor "executor-1". Missing ids and kinds are defaulted per role.
func NormalizeRoster(reviewers, executors []AgentSpec) Roster {
	if len(reviewers) == 0 {
		reviewers = []AgentSpec{{ID: "reviewer-1", Kind: KindReviewerFamily}}
	}
	if len(executors) == 0 {
		executors = []AgentSpec{{ID: "executor-1", Kind: KindExecutorFamily}}
	}
	out := Roster{}
	for i, r := range reviewers {
		if r.ID == "" {
			r.ID = defaultID("reviewer", i)
		}
		if !r.Kind.Valid() {
			r.Kind = KindReviewerFamily
		}
		r.Role = RoleReviewer
		out.Reviewers = append(out.Reviewers, r)
	}
	for i, e := range executors {
		if e.ID == "" {
			e.ID = defaultID("executor", i)
		}
		if !e.Kind.Valid() {
			e.Kind = KindExecutorFamily
		}
		e.Role = RoleExecutor
		out.Executors = append(out.Executors, e)
	}
	return out
}

func defaultID(role string, idx int) string {
	return fmt.Sprintf("%s-%d", role, idx+1)
}
