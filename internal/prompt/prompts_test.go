package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orc/pkg/models"
)

func TestFormatUserContext(t *testing.T) {
	assert.Equal(t, "", FormatUserContext(nil))

	out := FormatUserContext([]models.QnA{
		{Question: "Which database?", Answer: "Postgres"},
		{Question: "Auth?", Answer: "OIDC"},
	})
	assert.Contains(t, out, "Q: Which database?\nA: Postgres\n")
	assert.Contains(t, out, "Q: Auth?\nA: OIDC\n")
}

func TestTruncateLines(t *testing.T) {
	short := "a\nb"
	assert.Equal(t, short, TruncateLines(short, 5))

	long := strings.Repeat("line\n", 10) + "tail"
	out := TruncateLines(long, 3)
	assert.Equal(t, 4, len(strings.Split(out, "\n")))
	assert.True(t, strings.HasSuffix(out, "... [truncated] ..."))
}

func TestPlanPromptMentionsSchemaContract(t *testing.T) {
	out := Plan("Add rate limiting", "Previously collected answers from the user:\nQ: q\nA: a\n")
	assert.Contains(t, out, "Add rate limiting")
	assert.Contains(t, out, "NEEDS_USER_INPUT")
	assert.Contains(t, out, "claude_prompt")
	assert.Contains(t, out, "Q: q")
}

func TestReviewCandidatesGuardrail(t *testing.T) {
	cands := []*models.Candidate{
		{ID: "iter1-reviewer-1-executor-1-0", ReviewerID: "reviewer-1", ExecutorID: "executor-1", Status: models.CandidateDone, TestSummary: "2 passed, 0 failed of 2 test commands"},
		{ID: "iter1-reviewer-1-executor-2-1", ReviewerID: "reviewer-1", ExecutorID: "executor-2", Status: models.CandidateFailed, Error: "exit 1"},
	}
	out := ReviewCandidates("do the task", CandidatesText(cands), "", false)
	assert.Contains(t, out, "iter1-reviewer-1-executor-1-0")
	assert.Contains(t, out, "iter1-reviewer-1-executor-2-1")
	assert.Contains(t, out, "APPROVED requires next_prompt to be null")
	assert.Contains(t, out, "winner_candidate_id must be one of the candidate ids")
	assert.NotContains(t, out, "handoff summary")
}

func TestReviewCandidatesHandoffFraming(t *testing.T) {
	out := ReviewCandidates("do the task", "--- Candidate c1 ---", "", true)
	assert.Contains(t, out, "handoff summary")
	assert.NotContains(t, out, "APPROVED requires next_prompt to be null")
}

func TestAnswerExecutorNumbersQuestions(t *testing.T) {
	plan := &models.Plan{Status: models.PlanOK, ExecutorPrompt: "build", Tasks: []models.PlanTask{{Title: "t"}}}
	out := AnswerExecutor([]string{"Where is the config?", "Which port?"}, "task", plan, "")
	assert.Contains(t, out, "1. Where is the config?")
	assert.Contains(t, out, "2. Which port?")
	assert.Contains(t, out, `"ANSWER"`)
}

func TestExecutorContinuation(t *testing.T) {
	out := ExecutorContinuation("Use port 8080.")
	require.True(t, strings.HasPrefix(out, "Continue implementing the plan.\n\n"))
	assert.Contains(t, out, "answers from the reviewer")
	assert.Contains(t, out, "Use port 8080.")
}

func TestMergeConflictPrompt(t *testing.T) {
	in := MergeConflictInput{
		SourceBranch:    "orc/abc123-i2-deadbeef",
		TargetBranch:    "main",
		CommitMessage:   "Merge branch 'orc/abc123-i2-deadbeef'",
		Plan:            &models.Plan{Status: models.PlanOK, ExecutorPrompt: "implement the widget", Tasks: []models.PlanTask{{Title: "t"}}},
		ReviewSummary:   "solid work",
		CandidateDiff:   "diff --git a/x b/x\n+new",
		StatusPorcelain: "UU x",
		MergeOutput:     "CONFLICT (content): Merge conflict in x",
		ConflictFiles:   []string{"x"},
	}
	out := MergeConflict(in)
	assert.Contains(t, out, "orc/abc123-i2-deadbeef")
	assert.Contains(t, out, "implement the widget")
	assert.Contains(t, out, "git diff --name-only --diff-filter=U")
	assert.Contains(t, out, "Merge branch 'orc/abc123-i2-deadbeef'")
	assert.Contains(t, out, "Conflicted files:\nx")
	assert.Contains(t, out, "Do not push")
}
