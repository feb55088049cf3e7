package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orc/internal/broker"
)

var (
	respondRunID   string
	respondAnswers []string
	respondTask    string
	respondChoice  int
	respondNotes   string
)

var respondCmd = &cobra.Command{
	Use:   "respond <request-id>",
	Short: "Answer a pending broker request from another terminal",
	Long: `Write a response file for a pending request. The orchestrator picks
the answer up and resumes.

Examples:
  orc respond ab12cd34 --answer "use postgres" --answer "yes"
  orc respond ab12cd34 --choice 2 --notes "extend, the diff looks close"
  orc respond ab12cd34 --task "add rate limiting to the API"`,
	Args: cobra.ExactArgs(1),
	RunE: runRespond,
}

func init() {
	respondCmd.Flags().StringVar(&respondRunID, "run-id", "", "Run owning the request (default newest)")
	respondCmd.Flags().StringArrayVar(&respondAnswers, "answer", nil, "Answer to one question, repeatable in question order")
	respondCmd.Flags().StringVar(&respondTask, "task", "", "Task text for an initial_task request")
	respondCmd.Flags().IntVar(&respondChoice, "choice", 0, "1-based option number for an admin_decision request")
	respondCmd.Flags().StringVar(&respondNotes, "notes", "", "Free-form notes for the orchestrator")
}

func runRespond(cmd *cobra.Command, args []string) error {
	requestID := args[0]
	repoPath, cfg, err := statusRepo()
	if err != nil {
		return err
	}
	logsRoot := resolveLogsRoot(repoPath, cfg)

	runID := respondRunID
	if runID == "" {
		runID, err = newestRun(logsRoot)
		if err != nil {
			return err
		}
	}
	if runID == "" {
		return fmt.Errorf("no runs found under %s", logsRoot)
	}
	runDir := filepath.Join(logsRoot, runID)

	pending, err := broker.PendingRequests(runDir)
	if err != nil {
		return err
	}
	var req *broker.Request
	for _, p := range pending {
		if p.ID == requestID {
			req = p
			break
		}
	}
	if req == nil {
		return fmt.Errorf("run %s has no pending request %s", runID, requestID)
	}

	resp := &broker.Response{
		ID:      requestID,
		Answers: respondAnswers,
		Task:    respondTask,
		Choice:  respondChoice,
		Notes:   respondNotes,
	}
	if err := broker.Respond(runDir, req.Kind, resp); err != nil {
		return err
	}
	fmt.Printf("answered %s request %s\n", req.Kind, requestID)
	return nil
}
