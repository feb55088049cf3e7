// Package prompt builds the phase prompts fed to reviewer and executor
// agents. Every template states the required JSON shape and forbids the
// agent from asking the human directly; clarification goes through the
// NEEDS_USER_INPUT status so the broker can mediate.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/orc/pkg/models"
)

// ExecutorSystemPrompt is appended to the executor CLI's system prompt so
// questions route to a reviewer instead of stalling on the human.
const ExecutorSystemPrompt = "You are working inside an automated orchestration pipeline. " +
	"Never ask the human operator questions directly. If you need clarification, " +
	"finish your turn with structured output status NEEDS_REVIEWER and put your " +
	"questions in the questions array; a reviewer agent will answer them. " +
	"Report DONE only when the requested work is complete, and FAILED when you " +
	"cannot proceed."

const noHumanClause = "Do not address the human directly. If you are missing information " +
	"only the user can provide, return status NEEDS_USER_INPUT with your questions."

// FormatUserContext renders accumulated Q&A pairs as a transcript block.
// Returns "" when there is nothing to show.
func FormatUserContext(qna []models.QnA) string {
	if len(qna) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previously collected answers from the user:\n")
	for _, pair := range qna {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", pair.Question, pair.Answer)
	}
	return b.String()
}

// TruncateLines keeps at most n lines of s, marking elision.
func TruncateLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + "\n... [truncated] ..."
}

// DiffPreview returns the first 40 lines of a diff.
func DiffPreview(diff string) string {
	if diff == "" {
		return ""
	}
	return TruncateLines(diff, 40)
}

func contextSection(userContext string) string {
	if userContext == "" {
		return ""
	}
	return "\n" + userContext
}

// Plan builds the initial PLAN prompt for a reviewer.
func Plan(task, userContext string) string {
	return fmt.Sprintf(`You are the planning reviewer in an automated coding pipeline.

Task:
%s
%s
Inspect the repository in your working directory and produce an implementation plan as JSON matching the provided schema:
- status must be "OK" or "NEEDS_USER_INPUT".
- On OK: claude_prompt is the complete prompt for the implementing agent, tasks is a non-empty ordered breakdown ({id, title, description}), and test_commands optionally lists commands ({id, kind, label, command, timeout_sec}) that verify the work.
- %s`, task, contextSection(userContext), noHumanClause)
}

// RefinePlan builds the REFINE_PLAN prompt from the prior plan and review.
func RefinePlan(plan *models.Plan, review *models.ReviewerDecision, userContext string) string {
	planJSON := asJSON(plan)
	reviewJSON := asJSON(review)
	return fmt.Sprintf(`You are the planning reviewer in an automated coding pipeline. A previous plan was implemented and rejected; refine it.

Previous plan:
%s

Review of the implementation:
%s
%s
Produce a refined plan as JSON matching the provided schema, with the same requirements as the original plan:
- status must be "OK" or "NEEDS_USER_INPUT".
- On OK: non-empty claude_prompt and tasks; optional test_commands.
- Address every point in the review feedback.
- %s`, planJSON, reviewJSON, contextSection(userContext), noHumanClause)
}

// Review builds the single-candidate REVIEW prompt.
func Review(plan *models.Plan, implementation, diff string, testSummary, userContext string) string {
	return fmt.Sprintf(`You are the reviewing agent in an automated coding pipeline. Judge whether the implementation completes the plan.

Plan:
%s

Implementer's report:
%s

Test results:
%s

Diff (first 40 lines):
%s
%s
Respond as JSON matching the provided schema. status is "APPROVED", "REJECTED", or "NEEDS_USER_INPUT"; include a summary and feedback. APPROVED means the work is complete and the run stops: if anything at all remains (missing features, bugs, failing tests, unverified claims), you must return REJECTED with a concrete next_prompt. APPROVED requires next_prompt to be null.
- %s`,
		asJSON(plan), implementation, testSummary, DiffPreview(diff), contextSection(userContext), noHumanClause)
}

// ReviewCandidates builds the multi-candidate REVIEW_CANDIDATES prompt.
// finalHandoff switches the framing to the post-run HANDOFF summary.
func ReviewCandidates(task, candidatesText, userContext string, finalHandoff bool) string {
	intro := "Compare the candidate implementations below and pick the strongest one."
	guardrail := `APPROVED means the run stops and the winning candidate is persisted: if any work remains anywhere (missing features, bugs, failing tests, unverified claims), return REJECTED with a next_prompt describing exactly what the next iteration must do. APPROVED requires next_prompt to be null. winner_candidate_id must be one of the candidate ids listed above.`
	if finalHandoff {
		intro = "The run has ended. Write a handoff summary of the winning candidate for the human operator."
		guardrail = `Set winner_candidate_id to the candidate you are summarizing. Put a concise operator-facing report in summary and feedback, and a suggested follow-up task in next_prompt (or null if none).`
	}
	return fmt.Sprintf(`You are a reviewing agent in an automated coding pipeline. %s

Task:
%s

Candidates:
%s
%s
Respond as JSON matching the provided schema. %s
- %s`, intro, task, candidatesText, contextSection(userContext), guardrail, noHumanClause)
}

// AnswerExecutor builds the ANSWER_EXECUTOR prompt: the reviewer answers
// the implementing agent's questions.
func AnswerExecutor(questions []string, task string, plan *models.Plan, userContext string) string {
	var qs strings.Builder
	for i, q := range questions {
		fmt.Fprintf(&qs, "%d. %s\n", i+1, q)
	}
	return fmt.Sprintf(`You are the planning reviewer in an automated coding pipeline. The implementing agent paused with questions.

Task:
%s

Current plan:
%s

Questions from the implementer:
%s%s
Respond as JSON matching the provided schema: status "ANSWER" with a complete, actionable answer covering every question, or "NEEDS_USER_INPUT" with questions if only the user can resolve them.
- %s`, task, asJSON(plan), qs.String(), contextSection(userContext), noHumanClause)
}

// ExecutorContinuation builds the follow-up prompt after a reviewer
// answered the executor's questions.
func ExecutorContinuation(answer string) string {
	return fmt.Sprintf("Continue implementing the plan.\n\nHere are answers from the reviewer to your questions:\n%s\n", answer)
}

// CandidateSummary renders one candidate's rollup for review prompts.
func CandidateSummary(c *models.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- Candidate %s ---\n", c.ID)
	fmt.Fprintf(&b, "reviewer: %s, executor: %s, status: %s\n", c.ReviewerID, c.ExecutorID, c.Status)
	if c.TestSummary != "" {
		fmt.Fprintf(&b, "tests: %s\n", c.TestSummary)
	}
	if c.ExecutorSummary != "" {
		fmt.Fprintf(&b, "executor summary:\n%s\n", TruncateLines(c.ExecutorSummary, 20))
	}
	if c.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", c.Error)
	}
	if c.DiffPreview != "" {
		fmt.Fprintf(&b, "diff preview:\n%s\n", c.DiffPreview)
	}
	return b.String()
}

// CandidatesText renders every candidate rollup in order.
func CandidatesText(cands []*models.Candidate) string {
	var parts []string
	for _, c := range cands {
		parts = append(parts, CandidateSummary(c))
	}
	return strings.Join(parts, "\n")
}

func asJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
