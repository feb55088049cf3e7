package prompt

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/orc/pkg/models"
)

// MergeConflictInput collects the context for a conflict-resolution prompt.
type MergeConflictInput struct {
	// SourceBranch is the candidate branch being merged.
	SourceBranch string
	// TargetBranch is the branch being merged into.
	TargetBranch string
	// CommitMessage is the merge commit message the executor must use.
	CommitMessage string
	// Plan is the winning candidate's plan, for intent context.
	Plan *models.Plan
	// ReviewSummary is the approving reviewer's summary.
	ReviewSummary string
	// CandidateDiff is the winning candidate's diff against its baseline.
	CandidateDiff string
	// StatusPorcelain is `git status --porcelain` at conflict time.
	StatusPorcelain string
	// MergeOutput is the merge command's combined output.
	MergeOutput string
	// ConflictFiles are the paths git reports as unmerged.
	ConflictFiles []string
}

// MergeConflict builds the prompt handed to an executor agent to resolve a
// conflicted merge in the repository working tree.
func MergeConflict(in MergeConflictInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A merge of branch %q into %q stopped with conflicts. Resolve them in the current repository working tree.\n\n", in.SourceBranch, in.TargetBranch)

	if in.Plan != nil && in.Plan.ExecutorPrompt != "" {
		fmt.Fprintf(&b, "The branch implements this plan (excerpt):\n%s\n\n", TruncateLines(in.Plan.ExecutorPrompt, 40))
	}
	if in.ReviewSummary != "" {
		fmt.Fprintf(&b, "Reviewer's assessment of the branch:\n%s\n\n", in.ReviewSummary)
	}
	if in.CandidateDiff != "" {
		fmt.Fprintf(&b, "The branch's changes (diff excerpt):\n%s\n\n", TruncateLines(in.CandidateDiff, 120))
	}
	if len(in.ConflictFiles) > 0 {
		fmt.Fprintf(&b, "Conflicted files:\n%s\n\n", strings.Join(in.ConflictFiles, "\n"))
	}
	if in.StatusPorcelain != "" {
		fmt.Fprintf(&b, "git status --porcelain:\n%s\n\n", in.StatusPorcelain)
	}
	if in.MergeOutput != "" {
		fmt.Fprintf(&b, "Merge output:\n%s\n\n", TruncateLines(in.MergeOutput, 40))
	}

	fmt.Fprintf(&b, `Instructions:
1. Resolve every conflict so the merged result keeps the branch's intended changes working on top of %q. Remove all conflict markers.
2. Stage the resolved files with git add.
3. Verify no unmerged paths remain: git diff --name-only --diff-filter=U must print nothing.
4. Commit the merge with exactly this message: %s
5. Do not push, do not create new branches, and do not modify unrelated files.

When finished, report status DONE with a summary of how each conflict was resolved, or FAILED if the conflicts cannot be resolved safely.`, in.TargetBranch, in.CommitMessage)
	return b.String()
}
