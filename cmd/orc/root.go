package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	flagRepo        string
	flagConfig      string
	flagResumeRunID string
)

var rootCmd = &cobra.Command{
	Use:   "orc [task...]",
	Short: "Multi-agent coding orchestrator",
	Long: `Orc drives CLI coding agents against a repository: reviewers plan and
judge, executors implement, and the winning candidate is merged back.

The task is given as positional arguments. A single argument naming an
existing directory selects the repository instead; the task is then
collected interactively.

Examples:
  orc "add request tracing to the ingest service"
  orc --repo ./service "fix the flaky shutdown test"
  orc ./service              # pick the repo, enter the task when asked
  orc --resume-run-id 20260824-101500-ab12cd34`,
	Args: cobra.ArbitraryArgs,
	RunE: runRoot,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "", "Repository to operate on (default current directory)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a config file overriding in-repo discovery")
	rootCmd.Flags().StringVar(&flagResumeRunID, "resume-run-id", "", "Resume the given run instead of starting a new one")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRoot(cmd *cobra.Command, args []string) error {
	repo := flagRepo
	taskArgs := args
	// A lone directory argument names the repo, not the task.
	if repo == "" && len(args) == 1 {
		if fi, err := os.Stat(args[0]); err == nil && fi.IsDir() {
			repo = args[0]
			taskArgs = nil
		}
	}
	if repo == "" {
		repo = "."
	}
	repoPath, err := filepath.Abs(repo)
	if err != nil {
		return fmt.Errorf("resolve repo path: %w", err)
	}
	if fi, err := os.Stat(repoPath); err != nil || !fi.IsDir() {
		return fmt.Errorf("repo %s is not a directory", repoPath)
	}

	task := strings.TrimSpace(strings.Join(taskArgs, " "))
	if flagResumeRunID != "" && task != "" {
		return fmt.Errorf("--resume-run-id and a task are mutually exclusive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return orchestrate(ctx, repoPath, task)
}
