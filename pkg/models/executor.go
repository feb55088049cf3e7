package models

import "encoding/json"

// ExecutorStatus is the structured status an executor reports.
type ExecutorStatus string

const (
	// ExecutorDone means the executor believes the work is complete.
	ExecutorDone ExecutorStatus = "DONE"
	// ExecutorNeedsReviewer means the executor has questions for a reviewer.
	ExecutorNeedsReviewer ExecutorStatus = "NEEDS_REVIEWER"
	// ExecutorNeedsReviewerLegacy is the historical spelling of
	// NEEDS_REVIEWER and is treated identically.
	ExecutorNeedsReviewerLegacy ExecutorStatus = "NEEDS_CODEX"
	// ExecutorFailed means the executor gave up.
	ExecutorFailed ExecutorStatus = "FAILED"
)

// NeedsReviewer reports whether the status is a reviewer-question request,
// in either spelling.
func (s ExecutorStatus) NeedsReviewer() bool {
	return s == ExecutorNeedsReviewer || s == ExecutorNeedsReviewerLegacy
}

// ExecutorStructured is the schema-constrained payload an executor emits.
type ExecutorStructured struct {
	Status  ExecutorStatus `json:"status"`
	Summary string         `json:"summary,omitempty"`
	// Questions for a reviewer. Required when NeedsReviewer.
	Questions []string `json:"questions,omitempty"`
}

// ExecutorOutput is the full envelope of one executor invocation.
type ExecutorOutput struct {
	// Result is the raw final text result.
	Result string `json:"result,omitempty"`
	// SessionID resumes the conversation on a later call.
	SessionID string `json:"session_id,omitempty"`
	// Structured is the schema-constrained payload, if any.
	Structured *ExecutorStructured `json:"structured_output,omitempty"`
}

// StructuredOrLegacy returns the structured payload, unwrapping both the
// envelope shape and a top-level payload, and synthesizing
// {status: DONE, summary: <raw result>} when the agent emitted none.
func (o *ExecutorOutput) StructuredOrLegacy() ExecutorStructured {
	if o == nil {
		return ExecutorStructured{Status: ExecutorDone}
	}
	if o.Structured != nil && o.Structured.Status != "" {
		return *o.Structured
	}
	// Older CLIs put the payload at the top level of the result text.
	var top ExecutorStructured
	if err := json.Unmarshal([]byte(o.Result), &top); err == nil && top.Status != "" {
		return top
	}
	return ExecutorStructured{Status: ExecutorDone, Summary: o.Result}
}

// ReviewerAnswerStatus is the status of an ANSWER_EXECUTOR payload.
type ReviewerAnswerStatus string

const (
	// AnswerProvided means the reviewer answered the executor's questions.
	AnswerProvided ReviewerAnswerStatus = "ANSWER"
	// AnswerNeedsUserInput means the reviewer needs the user first.
	AnswerNeedsUserInput ReviewerAnswerStatus = "NEEDS_USER_INPUT"
)

// ReviewerAnswer is the structured output of an ANSWER_EXECUTOR call.
type ReviewerAnswer struct {
	Status ReviewerAnswerStatus `json:"status"`
	Answer string               `json:"answer,omitempty"`
	// Questions for the user. Required on NEEDS_USER_INPUT.
	Questions []string `json:"questions,omitempty"`
}
