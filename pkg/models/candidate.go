package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// CandidateStatus tracks one candidate through execution.
type CandidateStatus string

const (
	// CandidatePending means the candidate has not started executing.
	CandidatePending CandidateStatus = "PENDING"
	// CandidateRunning means the executor is working in the workspace.
	CandidateRunning CandidateStatus = "RUNNING"
	// CandidateDone means the executor finished.
	CandidateDone CandidateStatus = "DONE"
	// CandidateFailed means the executor failed or overflowed its
	// question rounds.
	CandidateFailed CandidateStatus = "FAILED"
)

// Valid returns true if the status is a known value.
func (s CandidateStatus) Valid() bool {
	switch s {
	case CandidatePending, CandidateRunning, CandidateDone, CandidateFailed:
		return true
	default:
		return false
	}
}

// Candidate is one attempt to realize one plan with one executor.
type Candidate struct {
	// ID is iter{N}-{reviewer_id}-{executor_id}-{k}.
	ID string `json:"id"`
	// ReviewerID names the reviewer whose plan this candidate implements.
	ReviewerID string `json:"reviewer_id"`
	// ExecutorID names the executor running this candidate.
	ExecutorID string `json:"executor_id"`
	Status     CandidateStatus `json:"status"`
	// WorkspacePath is the candidate's isolated working directory.
	WorkspacePath string `json:"workspace_path,omitempty"`
	// WorkspaceStrategy is worktree, copy, or in_place.
	WorkspaceStrategy string `json:"workspace_strategy,omitempty"`
	// BranchName is set for worktree-strategy candidates.
	BranchName string `json:"branch_name,omitempty"`
	// ExecutorSummary is the executor's final summary text.
	ExecutorSummary string `json:"executor_summary,omitempty"`
	// SessionID is the executor's resumable session, if any.
	SessionID string `json:"session_id,omitempty"`
	// TestResults is the structured test-runner output.
	TestResults map[string]any `json:"test_results,omitempty"`
	// TestSummary is a one-line rollup of TestResults.
	TestSummary string `json:"test_summary,omitempty"`
	// Diff is the unified diff of the workspace against its baseline.
	Diff string `json:"diff,omitempty"`
	// DiffPreview is the first 40 lines of Diff.
	DiffPreview string `json:"diff_preview,omitempty"`
	// Error records why the candidate failed, if it did.
	Error string `json:"error,omitempty"`
}

// CandidateID builds the canonical candidate identifier.
func CandidateID(iteration int, reviewerID, executorID string, k int) string {
	return fmt.Sprintf("iter%d-%s-%s-%d", iteration, reviewerID, executorID, k)
}

// CandidateSuffix returns a short stable hash of a candidate id, used in
// branch names.
func CandidateSuffix(candidateID string, length int) string {
	if length <= 0 {
		length = 8
	}
	sum := sha256.Sum256([]byte(candidateID))
	hexed := hex.EncodeToString(sum[:])
	if length > len(hexed) {
		length = len(hexed)
	}
	return hexed[:length]
}
