package workspace

import (
	"fmt"
	"regexp"

	"github.com/ShayCichocki/orc/pkg/models"
)

var branchUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
var dotRuns = regexp.MustCompile(`\.{2,}`)
var alnumOnly = regexp.MustCompile(`[^A-Za-z0-9]+`)

// sanitizeBranchComponent collapses anything outside [A-Za-z0-9._-] to "_"
// and breaks up ".." runs so names never look like path traversal.
func sanitizeBranchComponent(s string) string {
	out := branchUnsafe.ReplaceAllString(s, "_")
	out = dotRuns.ReplaceAllString(out, "_")
	if out == "" {
		return "x"
	}
	return out
}

// shortRunID strips a run id down to alphanumerics and truncates it for use
// in branch names.
func shortRunID(runID string, length int) string {
	if length <= 0 {
		length = 8
	}
	s := alnumOnly.ReplaceAllString(runID, "")
	if s == "" {
		s = "run"
	}
	if len(s) > length {
		s = s[:length]
	}
	return s
}

// RunBranchName builds the run-level branch name {prefix}/{short_run}.
func RunBranchName(prefix, runID string, nameLength int) string {
	return fmt.Sprintf("%s/%s", sanitizeBranchComponent(prefix), shortRunID(runID, nameLength))
}

// CandidateBranchName builds {prefix}/{short_run}-i{iter}-{short_cand}.
func CandidateBranchName(prefix, runID string, nameLength, iteration int, candidateID string, suffixLength int) string {
	return fmt.Sprintf("%s-i%d-%s",
		RunBranchName(prefix, runID, nameLength),
		iteration,
		models.CandidateSuffix(candidateID, suffixLength))
}
