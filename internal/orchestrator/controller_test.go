package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orc/internal/agent"
	"github.com/ShayCichocki/orc/internal/broker"
	"github.com/ShayCichocki/orc/internal/config"
	"github.com/ShayCichocki/orc/internal/git"
	"github.com/ShayCichocki/orc/internal/workspace"
	"github.com/ShayCichocki/orc/pkg/models"
)

func testWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	return &workspace.Workspace{Path: t.TempDir()}
}

// fakeAsker replays scripted responses and records the requests it saw.
type fakeAsker struct {
	responses []*broker.Response
	requests  []*broker.Request
}

func (f *fakeAsker) Ask(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("no scripted response for %s request", req.Kind)
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

// fakeExecutor replays scripted outputs.
type fakeExecutor struct {
	outputs []*models.ExecutorOutput
	calls   []agent.ImplementCall
}

func (f *fakeExecutor) Implement(ctx context.Context, call agent.ImplementCall) (*models.ExecutorOutput, error) {
	f.calls = append(f.calls, call)
	if len(f.outputs) == 0 {
		return nil, fmt.Errorf("no scripted output")
	}
	out := f.outputs[0]
	f.outputs = f.outputs[1:]
	return out, nil
}

// fakeReviewer replays scripted raw payloads.
type fakeReviewer struct {
	payloads [][]byte
	calls    []agent.StructuredCall
}

func (f *fakeReviewer) RunStructured(ctx context.Context, call agent.StructuredCall) ([]byte, error) {
	f.calls = append(f.calls, call)
	if len(f.payloads) == 0 {
		return nil, fmt.Errorf("no scripted payload")
	}
	raw := f.payloads[0]
	f.payloads = f.payloads[1:]
	return raw, nil
}

func controllerConfig(reviewers, executors int, perPlan int) *config.Config {
	cfg := config.Default()
	for i := 0; i < reviewers; i++ {
		cfg.Agents.Reviewers = append(cfg.Agents.Reviewers, models.AgentSpec{ID: fmt.Sprintf("reviewer-%d", i+1)})
	}
	for i := 0; i < executors; i++ {
		cfg.Agents.Executors = append(cfg.Agents.Executors, models.AgentSpec{ID: fmt.Sprintf("executor-%d", i+1)})
	}
	cfg.Agents.Assignment.ExecutorsPerPlan = perPlan
	return cfg
}

func newTestController(t *testing.T, cfg *config.Config, ask *fakeAsker) *Controller {
	t.Helper()
	return NewController(ControllerDeps{
		Config:   cfg,
		Store:    mergeTestStore(t),
		Log:      NopLogger(),
		Broker:   ask,
		RepoPath: t.TempDir(),
	})
}

func plansFor(ids ...string) map[string]*models.Plan {
	plans := make(map[string]*models.Plan, len(ids))
	for _, id := range ids {
		plans[id] = &models.Plan{Status: models.PlanOK, ExecutorPrompt: "build it"}
	}
	return plans
}

func TestBuildAssignmentsRoundRobin(t *testing.T) {
	c := newTestController(t, controllerConfig(2, 2, 1), nil)
	plans := plansFor("reviewer-1", "reviewer-2")

	got := c.buildAssignments(plans, 1)
	require.Len(t, got, 2)
	assert.Equal(t, "reviewer-1", got[0].ReviewerID)
	assert.Equal(t, "executor-1", got[0].Executor.ID)
	assert.Equal(t, "iter1-reviewer-1-executor-1-0", got[0].CandidateID)
	assert.Equal(t, "reviewer-2", got[1].ReviewerID)
	assert.Equal(t, "executor-2", got[1].Executor.ID)
	assert.Equal(t, "iter1-reviewer-2-executor-2-0", got[1].CandidateID)
}

func TestBuildAssignmentsWrapsFewerExecutors(t *testing.T) {
	c := newTestController(t, controllerConfig(2, 1, 2), nil)
	plans := plansFor("reviewer-1", "reviewer-2")

	got := c.buildAssignments(plans, 3)
	require.Len(t, got, 4)
	for _, a := range got {
		assert.Equal(t, "executor-1", a.Executor.ID)
	}
	assert.Equal(t, "iter3-reviewer-1-executor-1-0", got[0].CandidateID)
	assert.Equal(t, "iter3-reviewer-1-executor-1-1", got[1].CandidateID)
	assert.Equal(t, "iter3-reviewer-2-executor-1-0", got[2].CandidateID)
	assert.Equal(t, "iter3-reviewer-2-executor-1-1", got[3].CandidateID)
}

func TestBuildAssignmentsSkipsFailedPlans(t *testing.T) {
	c := newTestController(t, controllerConfig(3, 2, 1), nil)
	plans := plansFor("reviewer-1", "reviewer-3")

	got := c.buildAssignments(plans, 1)
	require.Len(t, got, 2)
	assert.Equal(t, "reviewer-1", got[0].ReviewerID)
	assert.Equal(t, "reviewer-3", got[1].ReviewerID)
	// The executor rotation ignores the dropped plan.
	assert.Equal(t, "executor-1", got[0].Executor.ID)
	assert.Equal(t, "executor-2", got[1].Executor.ID)
}

func TestPlanFanOutRetriesAfterAdminEscalation(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	ask := &fakeAsker{responses: []*broker.Response{{Choice: 1, Notes: "narrow the scope to the parser"}}}
	c := newTestController(t, cfg, ask)

	reviewer := &fakeReviewer{payloads: [][]byte{
		// First round fails validation, second produces a usable plan.
		[]byte(`{"status":"OK"}`),
		[]byte(`{"status":"OK","claude_prompt":"build the parser","tasks":[{"id":"t1","title":"parse"}]}`),
	}}
	c.newReviewer = func(models.AgentSpec) ReviewerRunner { return reviewer }

	plans, err := c.planFanOut(context.Background(), "build it", 1)
	require.NoError(t, err)
	require.Contains(t, plans, "reviewer-1")
	assert.Equal(t, "build the parser", plans["reviewer-1"].ExecutorPrompt)

	require.Len(t, ask.requests, 1)
	assert.Equal(t, broker.KindAdminDecision, ask.requests[0].Kind)

	// The retry prompt carries the failed attempt and the admin guidance.
	require.Len(t, reviewer.calls, 2)
	assert.Contains(t, reviewer.calls[1].Prompt, "A previous planning attempt by reviewer-1 failed with:")
	assert.Contains(t, reviewer.calls[1].Prompt, "narrow the scope to the parser")

	assert.Equal(t, 1, c.store.GetInt("plan_retry_choice"))
	assert.Equal(t, "narrow the scope to the parser", c.store.GetString("plan_retry_notes"))
	assert.Equal(t, "plan_ready", c.store.GetString("stage"))
}

func TestCheckIterationCapUnderLimit(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	limit := 3
	cfg.Orchestrator.MaxIterations = &limit
	c := newTestController(t, cfg, &fakeAsker{})

	capped, err := c.checkIterationCap(context.Background(), 3, nil)
	require.NoError(t, err)
	assert.False(t, capped)
}

func TestCheckIterationCapAdminAcceptsPartial(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	limit := 2
	cfg.Orchestrator.MaxIterations = &limit
	ask := &fakeAsker{responses: []*broker.Response{{Choice: 1, Notes: "ship what we have"}}}
	c := newTestController(t, cfg, ask)

	next := "finish the error paths"
	last := &iterationOutcome{Decision: &models.ReviewerDecision{
		Status:     models.DecisionRejected,
		NextPrompt: &next,
	}}
	capped, err := c.checkIterationCap(context.Background(), 3, last)
	require.NoError(t, err)
	assert.True(t, capped)

	require.Len(t, ask.requests, 1)
	assert.Equal(t, broker.KindAdminDecision, ask.requests[0].Kind)
	assert.Contains(t, ask.requests[0].Context, "finish the error paths")

	assert.Equal(t, true, c.store.Get("approved_by_admin"))
	assert.Equal(t, "finish the error paths", c.store.GetString("missing_work"))
	assert.Equal(t, "ship what we have", c.store.GetString("admin_decision_note"))
}

func TestCheckIterationCapAdminExtends(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	limit := 2
	cfg.Orchestrator.MaxIterations = &limit
	ask := &fakeAsker{responses: []*broker.Response{{Choice: 2}}}
	c := newTestController(t, cfg, ask)

	capped, err := c.checkIterationCap(context.Background(), 3, nil)
	require.NoError(t, err)
	assert.False(t, capped)
	assert.Equal(t, 7, *c.maxIterations)
	assert.Equal(t, 7, c.store.Get("max_iterations"))

	// The raised cap now admits the iteration without another escalation.
	capped, err = c.checkIterationCap(context.Background(), 3, nil)
	require.NoError(t, err)
	assert.False(t, capped)
	assert.Len(t, ask.requests, 1)
}

func TestCheckIterationCapUnboundedWithoutLimit(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	cfg.Orchestrator.MaxIterations = nil
	c := newTestController(t, cfg, &fakeAsker{})

	capped, err := c.checkIterationCap(context.Background(), 500, nil)
	require.NoError(t, err)
	assert.False(t, capped)
}

func TestEscalateDisagreementAppendsAdminNotes(t *testing.T) {
	cfg := controllerConfig(2, 1, 1)
	ask := &fakeAsker{responses: []*broker.Response{{Choice: 2, Notes: "also fix the logging"}}}
	c := newTestController(t, cfg, ask)

	next := "address the review comments"
	decisions := map[string]*models.ReviewerDecision{
		"reviewer-1": {Status: models.DecisionApproved, WinnerCandidateID: "iter1-reviewer-1-executor-1-0"},
		"reviewer-2": {Status: models.DecisionRejected, WinnerCandidateID: "iter1-reviewer-2-executor-1-0", NextPrompt: &next},
	}
	got, err := c.escalateDisagreement(context.Background(), decisions)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, got.Status)
	assert.Equal(t, "iter1-reviewer-2-executor-1-0", got.WinnerCandidateID)
	require.NotNil(t, got.NextPrompt)
	assert.Equal(t, "address the review comments\n\nAdmin notes:\nalso fix the logging", *got.NextPrompt)
	// The chosen reviewer's own decision is untouched.
	assert.Equal(t, "address the review comments", next)

	assert.Equal(t, true, c.store.Get("consensus_by_admin"))
	assert.Equal(t, "reviewer-2", c.store.GetString("consensus_admin_pick"))
}

func TestEscalateDisagreementApprovedIgnoresNotes(t *testing.T) {
	cfg := controllerConfig(2, 1, 1)
	ask := &fakeAsker{responses: []*broker.Response{{Choice: 1, Notes: "nice work"}}}
	c := newTestController(t, cfg, ask)

	next := "more tests"
	decisions := map[string]*models.ReviewerDecision{
		"reviewer-1": {Status: models.DecisionApproved, WinnerCandidateID: "iter1-reviewer-1-executor-1-0"},
		"reviewer-2": {Status: models.DecisionRejected, WinnerCandidateID: "iter1-reviewer-1-executor-1-0", NextPrompt: &next},
	}
	got, err := c.escalateDisagreement(context.Background(), decisions)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, got.Status)
	assert.Nil(t, got.NextPrompt)
}

func TestEscalateDisagreementRejectsBadChoice(t *testing.T) {
	cfg := controllerConfig(2, 1, 1)
	ask := &fakeAsker{responses: []*broker.Response{{Choice: 5}}}
	c := newTestController(t, cfg, ask)

	decisions := map[string]*models.ReviewerDecision{
		"reviewer-1": {Status: models.DecisionApproved, WinnerCandidateID: "x"},
		"reviewer-2": {Status: models.DecisionRejected, WinnerCandidateID: "y"},
	}
	_, err := c.escalateDisagreement(context.Background(), decisions)
	require.Error(t, err)
}

func TestEscalateNoDecisionsSynthesizesRejected(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	ask := &fakeAsker{responses: []*broker.Response{{Choice: 2, Notes: "seed from the second attempt"}}}
	c := newTestController(t, cfg, ask)

	candidates := []*models.Candidate{
		{ID: "iter1-reviewer-1-executor-1-0", Status: models.CandidateDone, TestSummary: "2 passed, 0 failed of 2 test commands"},
		{ID: "iter1-reviewer-1-executor-2-0", Status: models.CandidateDone, TestSummary: "1 passed, 1 failed of 2 test commands"},
	}
	got, err := c.escalateNoDecisions(context.Background(), "original task", candidates)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, got.Status)
	assert.Equal(t, "iter1-reviewer-1-executor-2-0", got.WinnerCandidateID)
	require.NotNil(t, got.NextPrompt)
	assert.Equal(t, "seed from the second attempt", *got.NextPrompt)

	rollup, ok := c.store.Get("reviews").(map[string]any)
	require.True(t, ok)
	assert.Contains(t, rollup, "admin")
}

func TestEscalateNoDecisionsFallsBackToTask(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	ask := &fakeAsker{responses: []*broker.Response{{Choice: 1}}}
	c := newTestController(t, cfg, ask)

	candidates := []*models.Candidate{{ID: "iter1-reviewer-1-executor-1-0"}}
	got, err := c.escalateNoDecisions(context.Background(), "original task", candidates)
	require.NoError(t, err)
	require.NotNil(t, got.NextPrompt)
	assert.Equal(t, "original task", *got.NextPrompt)
}

func TestAskUserRecordsQnA(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	ask := &fakeAsker{responses: []*broker.Response{{Answers: []string{"use postgres", "yes"}}}}
	c := newTestController(t, cfg, ask)

	text, err := c.askUser(context.Background(), []string{"Which database?", "Keep the old schema?"}, "planning")
	require.NoError(t, err)
	assert.Contains(t, text, "Q: Which database?\nA: use postgres")

	uc := c.userContext()
	assert.Contains(t, uc, "Q: Keep the old schema?\nA: yes")

	require.Len(t, ask.requests, 1)
	assert.Equal(t, broker.KindUserInput, ask.requests[0].Kind)
}

func TestPersistedDecisionRestoresVerdict(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	c := newTestController(t, cfg, nil)

	c.store.UpdateMany(map[string]any{
		"review_status":       "REJECTED",
		"winner_candidate_id": "iter2-reviewer-1-executor-1-0",
		"task":                "current task",
		"reviews": map[string]any{
			"reviewer-1": map[string]any{
				"status":              "REJECTED",
				"winner_candidate_id": "iter2-reviewer-1-executor-1-0",
				"summary":             "close but the cache layer is wrong",
				"feedback":            "rework the cache layer",
				"next_prompt":         "fix the cache invalidation",
			},
		},
	})

	got := c.persistedDecision()
	require.NotNil(t, got)
	assert.Equal(t, models.DecisionRejected, got.Status)
	assert.Equal(t, "iter2-reviewer-1-executor-1-0", got.WinnerCandidateID)
	assert.Equal(t, "close but the cache layer is wrong", got.Summary)
	require.NotNil(t, got.NextPrompt)
	assert.Equal(t, "fix the cache invalidation", *got.NextPrompt)
}

func TestPersistedDecisionNilWithoutVerdict(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	c := newTestController(t, cfg, nil)

	assert.Nil(t, c.persistedDecision())

	c.store.UpdateMany(map[string]any{"review_status": "REJECTED"})
	assert.Nil(t, c.persistedDecision(), "a verdict without a winner is unusable")
}

func TestExecuteCandidateQuestionLoop(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	cfg.Orchestrator.MaxClaudeQuestionRounds = 3
	c := newTestController(t, cfg, nil)

	executor := &fakeExecutor{outputs: []*models.ExecutorOutput{
		{SessionID: "sess-1", Structured: &models.ExecutorStructured{
			Status:    models.ExecutorNeedsReviewer,
			Questions: []string{"Which port should the server bind?"},
		}},
		{SessionID: "sess-1", Structured: &models.ExecutorStructured{
			Status:  models.ExecutorDone,
			Summary: "bound to 8080 and finished",
		}},
	}}
	reviewer := &fakeReviewer{payloads: [][]byte{
		[]byte(`{"status":"ANSWER","answer":"Bind to 8080."}`),
	}}
	c.newExecutor = func(models.AgentSpec) ExecutorRunner { return executor }
	c.newReviewer = func(models.AgentSpec) ReviewerRunner { return reviewer }

	cand := &models.Candidate{ID: "iter1-reviewer-1-executor-1-0"}
	a := planAssignment{
		ReviewerID:  "reviewer-1",
		Plan:        &models.Plan{Status: models.PlanOK, ExecutorPrompt: "build the server"},
		Executor:    c.roster.Executors[0],
		CandidateID: cand.ID,
	}
	c.executeCandidate(context.Background(), a, cand, testWorkspace(t))

	assert.Equal(t, models.CandidateDone, cand.Status)
	assert.Equal(t, "bound to 8080 and finished", cand.ExecutorSummary)
	assert.Equal(t, "sess-1", cand.SessionID)

	require.Len(t, executor.calls, 2)
	assert.Equal(t, "build the server", executor.calls[0].Prompt)
	assert.Contains(t, executor.calls[1].Prompt, "[reviewer-1]\nBind to 8080.")
	assert.Equal(t, "sess-1", executor.calls[1].SessionID)

	require.Len(t, reviewer.calls, 1)
	assert.Equal(t, "ANSWER_EXECUTOR", reviewer.calls[0].Phase)
}

func TestExecuteCandidateQuestionRoundCap(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	cfg.Orchestrator.MaxClaudeQuestionRounds = 1
	c := newTestController(t, cfg, nil)

	asking := &models.ExecutorOutput{Structured: &models.ExecutorStructured{
		Status:    models.ExecutorNeedsReviewer,
		Questions: []string{"still unsure"},
	}}
	executor := &fakeExecutor{outputs: []*models.ExecutorOutput{asking, asking}}
	reviewer := &fakeReviewer{payloads: [][]byte{
		[]byte(`{"status":"ANSWER","answer":"Proceed as planned."}`),
		[]byte(`{"status":"ANSWER","answer":"Proceed as planned."}`),
	}}
	c.newExecutor = func(models.AgentSpec) ExecutorRunner { return executor }
	c.newReviewer = func(models.AgentSpec) ReviewerRunner { return reviewer }

	cand := &models.Candidate{ID: "iter1-reviewer-1-executor-1-0"}
	a := planAssignment{
		ReviewerID: "reviewer-1",
		Plan:       &models.Plan{Status: models.PlanOK, ExecutorPrompt: "build it"},
		Executor:   c.roster.Executors[0],
	}
	c.executeCandidate(context.Background(), a, cand, testWorkspace(t))

	assert.Equal(t, models.CandidateFailed, cand.Status)
	assert.Contains(t, cand.Error, "exceeded 1 reviewer-question rounds")
}

func TestExecuteCandidateFailedStatus(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	c := newTestController(t, cfg, nil)

	executor := &fakeExecutor{outputs: []*models.ExecutorOutput{
		{Structured: &models.ExecutorStructured{Status: models.ExecutorFailed, Summary: "dependency will not install"}},
	}}
	c.newExecutor = func(models.AgentSpec) ExecutorRunner { return executor }

	cand := &models.Candidate{ID: "iter1-reviewer-1-executor-1-0"}
	a := planAssignment{
		ReviewerID: "reviewer-1",
		Plan:       &models.Plan{Status: models.PlanOK, ExecutorPrompt: "build it"},
		Executor:   c.roster.Executors[0],
	}
	c.executeCandidate(context.Background(), a, cand, testWorkspace(t))

	assert.Equal(t, models.CandidateFailed, cand.Status)
	assert.Equal(t, "dependency will not install", cand.Error)
}

func TestFinishRecordsPersistedResult(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	c := newTestController(t, cfg, nil)
	// Handoff summaries are best effort; a failing reviewer is logged and
	// skipped.
	c.newReviewer = func(models.AgentSpec) ReviewerRunner { return &fakeReviewer{} }

	outcome := &iterationOutcome{
		Decision: &models.ReviewerDecision{Status: models.DecisionApproved},
		Winner:   &models.Candidate{ID: "iter1-reviewer-1-executor-1-0"},
		WinnerWs: &workspace.Workspace{Path: t.TempDir(), Strategy: workspace.StrategyInPlace},
	}
	require.NoError(t, c.finish(context.Background(), outcome, false))

	assert.Equal(t, true, c.store.Get("approved"))
	assert.Equal(t, false, c.store.Get("approved_by_admin"))
	assert.Equal(t, true, c.store.Get("persisted"))
	assert.Equal(t, "stopped", c.store.GetString("run_status"))
	assert.True(t, c.store.GetBool("run_completed"))
	assert.Equal(t, "complete", c.store.GetString("stage"))
}

func TestFinishPromoteFailure(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	c := newTestController(t, cfg, nil)
	c.newReviewer = func(models.AgentSpec) ReviewerRunner { return &fakeReviewer{} }

	// A copy workspace without a baseline cannot be applied back.
	outcome := &iterationOutcome{
		Decision: &models.ReviewerDecision{Status: models.DecisionApproved},
		Winner:   &models.Candidate{ID: "iter1-reviewer-1-executor-1-0"},
		WinnerWs: &workspace.Workspace{Path: t.TempDir(), Strategy: workspace.StrategyCopy},
	}
	err := c.finish(context.Background(), outcome, false)
	require.Error(t, err)

	assert.Equal(t, false, c.store.Get("persisted"))
	assert.Equal(t, "stopped", c.store.GetString("run_status"))
	assert.Equal(t, "persistence_failed", c.store.GetString("stage"))
	assert.NotEmpty(t, c.store.GetString("promote_error"))
}

func TestFinishWithoutWinner(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	c := newTestController(t, cfg, nil)

	require.NoError(t, c.finish(context.Background(), nil, true))
	assert.Equal(t, true, c.store.Get("approved"))
	assert.Equal(t, true, c.store.Get("approved_by_admin"))
	assert.Equal(t, false, c.store.Get("persisted"), "nothing was promoted")
	assert.Equal(t, "stopped", c.store.GetString("run_status"))
}

func TestFailRunCleansUpWorkspace(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	cfg.Orchestrator.Cleanup = "always"
	c := newTestController(t, cfg, nil)

	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n"), 0644))
	mgr := workspace.NewManagerWithGit(t.TempDir(), func(dir string) git.Runner { return newFakeGit() })
	ws, err := mgr.Create(repo, "run-1", workspace.CreateOptions{Strategy: workspace.StrategyCopy})
	require.NoError(t, err)
	require.DirExists(t, ws.Path)

	boom := fmt.Errorf("planning blew up")
	err = c.failRun(&iterationOutcome{WinnerWs: ws}, boom)
	assert.Equal(t, boom, err)

	assert.Equal(t, "failed", c.store.GetString("stage"))
	assert.Equal(t, "stopped", c.store.GetString("run_status"))
	assert.True(t, c.store.GetBool("run_completed"))
	assert.NoDirExists(t, ws.Path)
}

func TestAnswerQuestionsReAsksAfterUserRound(t *testing.T) {
	cfg := controllerConfig(1, 1, 1)
	ask := &fakeAsker{responses: []*broker.Response{{Answers: []string{"sqlite"}}}}
	c := newTestController(t, cfg, ask)

	reviewer := &fakeReviewer{payloads: [][]byte{
		[]byte(`{"status":"NEEDS_USER_INPUT","questions":["Which storage engine?"]}`),
		[]byte(`{"status":"ANSWER","answer":"Use sqlite as the user said."}`),
	}}
	c.newReviewer = func(models.AgentSpec) ReviewerRunner { return reviewer }

	answers, err := c.answerQuestions(context.Background(), &models.Plan{Status: models.PlanOK}, []string{"what storage?"})
	require.NoError(t, err)
	assert.Contains(t, answers, "Use sqlite as the user said.")
	assert.Len(t, ask.requests, 1)
	assert.Len(t, reviewer.calls, 2)
}
