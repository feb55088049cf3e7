package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orc/internal/broker"
	"github.com/ShayCichocki/orc/internal/config"
	"github.com/ShayCichocki/orc/internal/state"
)

var statusRunID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the latest run",
	Long: `Display the persisted state of a run: stage, iteration, candidates,
and any broker requests waiting for a human.

Without --run-id the most recently updated run is shown.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "Run to inspect (default newest)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	repoPath, cfg, err := statusRepo()
	if err != nil {
		return err
	}
	logsRoot := resolveLogsRoot(repoPath, cfg)

	runID := statusRunID
	if runID == "" {
		runID, err = newestRun(logsRoot)
		if err != nil {
			return err
		}
		if runID == "" {
			fmt.Println("No runs yet. Start one with 'orc <task>'.")
			return nil
		}
	}

	runDir := filepath.Join(logsRoot, runID)
	st, err := state.ReadStateFile(filepath.Join(runDir, "state.json"))
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("run %s has no state", runID)
	}

	bold := color.New(color.Bold)
	bold.Printf("Run %s\n", runID)
	printField(st, "run_status", "Status")
	printField(st, "stage", "Stage")
	printField(st, "status_message", "Message")
	printField(st, "task", "Task")
	if it, ok := st["iteration"].(float64); ok {
		fmt.Printf("  Iteration: %d\n", int(it))
	}
	if cands, ok := st["candidates"].(map[string]any); ok && len(cands) > 0 {
		fmt.Printf("  Candidates: %d\n", len(cands))
		ids := make([]string, 0, len(cands))
		for id := range cands {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			entry, _ := cands[id].(map[string]any)
			status, _ := entry["status"].(string)
			fmt.Printf("    %s: %s\n", id, status)
		}
	}

	pending, err := broker.PendingRequests(runDir)
	if err == nil && len(pending) > 0 {
		color.Yellow("  Waiting on %d request(s):", len(pending))
		for _, req := range pending {
			fmt.Printf("    [%s] %s %s\n", req.Kind, req.ID, req.Prompt)
		}
	}
	return nil
}

func statusRepo() (string, *config.Config, error) {
	repo := flagRepo
	if repo == "" {
		repo = "."
	}
	repoPath, err := filepath.Abs(repo)
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(repoPath, flagConfig)
	if err != nil {
		return "", nil, err
	}
	return repoPath, cfg, nil
}

func printField(st map[string]any, key, label string) {
	if v, _ := st[key].(string); v != "" {
		fmt.Printf("  %s: %s\n", label, v)
	}
}

// newestRun returns the run id with the most recently written state.json.
func newestRun(logsRoot string) (string, error) {
	entries, err := os.ReadDir(logsRoot)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var newest string
	var newestAt time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fi, err := os.Stat(filepath.Join(logsRoot, e.Name(), "state.json"))
		if err != nil {
			continue
		}
		if fi.ModTime().After(newestAt) {
			newestAt = fi.ModTime()
			newest = e.Name()
		}
	}
	return newest, nil
}
