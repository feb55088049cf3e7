package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/orc/internal/agent"
	"github.com/ShayCichocki/orc/internal/git"
	"github.com/ShayCichocki/orc/internal/prompt"
	"github.com/ShayCichocki/orc/internal/state"
	"github.com/ShayCichocki/orc/pkg/models"
)

// conflictResolver is the executor-family client used to resolve merge
// conflicts. Nil means conflicts fail the merge outright.
type conflictResolver interface {
	Implement(ctx context.Context, call agent.ImplementCall) (*models.ExecutorOutput, error)
}

// MergeOptions carries the auto-merge knobs for one run.
type MergeOptions struct {
	// TargetBranch is the branch merged into, default main.
	TargetBranch string
	// Style must be merge_commit.
	Style string
	// DirtyPolicy is commit or abort for uncommitted target changes.
	DirtyPolicy string
	// DirtyCommitMessage is the template for the dirty-tree snapshot commit.
	DirtyCommitMessage string
	// CommitMessage is the merge commit message template.
	CommitMessage string
	// DeleteBranch removes the candidate branch after a successful merge.
	DeleteBranch bool
	// DeleteWorktree removes the candidate worktree after a successful merge.
	DeleteWorktree bool
	// Task and RunID fill the message templates.
	Task  string
	RunID string
}

// MergeResult reports a completed merge.
type MergeResult struct {
	// CommitSHA is the merge commit.
	CommitSHA string
	// ConflictFiles lists paths that conflicted, if any.
	ConflictFiles []string
	// ResolutionSummary is the resolver's account of conflicted merges.
	ResolutionSummary string
	// DirtyCommitSHA is the snapshot commit made under the commit policy.
	DirtyCommitSHA string
}

// MergeRequest identifies the candidate branch being merged.
type MergeRequest struct {
	// Branch is the candidate branch.
	Branch string
	// WorktreePath is the candidate's worktree, removed when
	// DeleteWorktree is set.
	WorktreePath string
	// Plan and Decision give the resolver its context.
	Plan     *models.Plan
	Decision *models.ReviewerDecision
	// Candidate is the winning candidate's rollup.
	Candidate *models.Candidate
}

// Merger merges an approved candidate branch into the target branch,
// delegating conflict resolution to an executor agent.
type Merger struct {
	git      git.Runner
	resolver conflictResolver
	store    *state.Store
	log      *DebugLogger
	opts     MergeOptions
}

// NewMerger creates a merger over the repository's git runner. resolver
// may be nil; conflicted merges then fail.
func NewMerger(g git.Runner, resolver conflictResolver, store *state.Store, log *DebugLogger, opts MergeOptions) *Merger {
	if opts.TargetBranch == "" {
		opts.TargetBranch = "main"
	}
	return &Merger{git: g, resolver: resolver, store: store, log: log, opts: opts}
}

// renderTemplate fills {task}, {run_id}, {branch}, and {target} placeholders.
func renderTemplate(tpl, task, runID, branch, target string) string {
	out := strings.ReplaceAll(tpl, "{task}", task)
	out = strings.ReplaceAll(out, "{run_id}", runID)
	out = strings.ReplaceAll(out, "{branch}", branch)
	return strings.ReplaceAll(out, "{target}", target)
}

// Merge runs the full merge pipeline. Failures are persisted under
// merge_status=failed with merge_error before returning.
func (m *Merger) Merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	res, err := m.merge(ctx, req)
	if err != nil {
		m.store.UpdateMany(map[string]any{
			"merge_status": "failed",
			"merge_error":  err.Error(),
		})
		m.store.AppendHistory(fmt.Sprintf("merge of %s failed: %v", req.Branch, err))
		return nil, err
	}
	updates := map[string]any{
		"merge_status":     "merged",
		"merge_commit_sha": res.CommitSHA,
	}
	if res.ResolutionSummary != "" {
		updates["merge_resolution_summary"] = res.ResolutionSummary
	}
	if res.DirtyCommitSHA != "" {
		updates["dirty_main_commit_sha"] = res.DirtyCommitSHA
	}
	m.store.UpdateMany(updates)
	m.store.AppendHistory(fmt.Sprintf("merged %s into %s at %s", req.Branch, m.opts.TargetBranch, res.CommitSHA))
	return res, nil
}

func (m *Merger) merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	if m.opts.Style != "merge_commit" {
		return nil, fmt.Errorf("merge style %q is not supported; only merge_commit", m.opts.Style)
	}
	exists, err := m.git.BranchExists(m.opts.TargetBranch)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("merge target branch %q does not exist", m.opts.TargetBranch)
	}

	m.store.UpdateMany(map[string]any{
		"merge_status": "running",
		"merge_error":  "",
	})

	result := &MergeResult{}

	// The current branch's uncommitted changes would block checkout.
	sha, err := m.settleDirtyTree()
	if err != nil {
		return nil, err
	}
	result.DirtyCommitSHA = sha

	if err := m.git.CheckoutBranch(m.opts.TargetBranch); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", m.opts.TargetBranch, err)
	}

	// The target branch itself may be dirty too.
	if sha == "" {
		sha, err = m.settleDirtyTree()
		if err != nil {
			return nil, err
		}
		result.DirtyCommitSHA = sha
	} else if dirty, derr := m.git.HasChanges(); derr == nil && dirty {
		if _, err := m.settleDirtyTree(); err != nil {
			return nil, err
		}
	}

	message := renderTemplate(m.opts.CommitMessage, m.opts.Task, m.opts.RunID, req.Branch, m.opts.TargetBranch)
	mergeOut, mergeErr := m.git.MergeNoFF(req.Branch, message)
	if mergeErr != nil {
		if err := m.resolveConflicts(ctx, req, message, mergeOut, result); err != nil {
			m.git.MergeAbort()
			return nil, err
		}
	}

	ancestor, err := m.git.IsAncestor(req.Branch, "HEAD")
	if err != nil {
		return nil, err
	}
	if !ancestor {
		return nil, fmt.Errorf("branch %s is not an ancestor of HEAD after merge", req.Branch)
	}
	result.CommitSHA, err = m.git.HeadSHA()
	if err != nil {
		return nil, err
	}

	if m.opts.DeleteWorktree && req.WorktreePath != "" {
		if err := m.git.WorktreeRemove(req.WorktreePath); err != nil {
			m.log.Log("worktree removal of %s failed: %v", req.WorktreePath, err)
		} else {
			m.git.WorktreePrune()
		}
	}
	if m.opts.DeleteBranch {
		if err := m.git.DeleteBranch(req.Branch); err != nil {
			m.log.Log("branch deletion of %s failed: %v", req.Branch, err)
		}
	}
	return result, nil
}

// settleDirtyTree applies the dirty-tree policy: commit snapshots the
// changes and returns the commit SHA, abort fails.
func (m *Merger) settleDirtyTree() (string, error) {
	dirty, err := m.git.HasChanges()
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}
	if m.opts.DirtyPolicy == "abort" {
		return "", fmt.Errorf("working tree has uncommitted changes and dirty_main_policy is abort")
	}
	message := renderTemplate(m.opts.DirtyCommitMessage, m.opts.Task, m.opts.RunID, "", m.opts.TargetBranch)
	if err := m.git.AddAll(); err != nil {
		return "", err
	}
	if err := m.git.Commit(message); err != nil {
		return "", fmt.Errorf("snapshot uncommitted changes: %w", err)
	}
	return m.git.HeadSHA()
}

// resolveConflicts hands a conflicted merge to the executor agent and
// verifies the tree afterwards.
func (m *Merger) resolveConflicts(ctx context.Context, req MergeRequest, message, mergeOut string, result *MergeResult) error {
	conflicted, err := m.git.ConflictedFiles()
	if err != nil {
		return err
	}
	result.ConflictFiles = conflicted
	m.store.Update("merge_conflict_files", conflicted)
	m.log.Log("merge of %s conflicted on %d files", req.Branch, len(conflicted))

	if m.resolver == nil {
		return fmt.Errorf("merge of %s conflicted and no executor client is available", req.Branch)
	}

	porcelain, _ := m.git.Status()
	in := prompt.MergeConflictInput{
		SourceBranch:    req.Branch,
		TargetBranch:    m.opts.TargetBranch,
		CommitMessage:   message,
		Plan:            req.Plan,
		StatusPorcelain: porcelain,
		MergeOutput:     mergeOut,
		ConflictFiles:   conflicted,
	}
	if req.Decision != nil {
		in.ReviewSummary = req.Decision.Summary
	}
	if req.Candidate != nil {
		in.CandidateDiff = req.Candidate.DiffPreview
	}

	repoRoot, err := m.git.TopLevel()
	if err != nil {
		return err
	}
	out, err := m.resolver.Implement(ctx, agent.ImplementCall{
		Phase:        "MERGE_CONFLICT",
		Prompt:       prompt.MergeConflict(in),
		Cwd:          repoRoot,
		AllowedTools: []string{"Read", "Edit", "Write", "Bash"},
	})
	if err != nil {
		return fmt.Errorf("conflict resolution: %w", err)
	}
	structured := out.StructuredOrLegacy()
	if structured.Status == models.ExecutorFailed {
		return fmt.Errorf("conflict resolver reported failure: %s", structured.Summary)
	}
	result.ResolutionSummary = structured.Summary

	remaining, err := m.git.ConflictedFiles()
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return fmt.Errorf("unmerged paths remain after resolution: %s", strings.Join(remaining, ", "))
	}
	if m.git.MergeInProgress() {
		if err := m.git.Commit(message); err != nil {
			return fmt.Errorf("complete merge commit: %w", err)
		}
	}
	return nil
}
