package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orc/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Write a starter config into a repository",
	Long: `Create .orc/config.yaml with the default settings so the knobs are
visible and editable. The command refuses to overwrite an existing
config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	repoPath, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}
	path, err := config.WriteDefault(repoPath)
	if err != nil {
		return err
	}
	color.Green("Wrote %s", path)
	fmt.Println("Edit the agents section to set up your reviewer and executor roster.")
	return nil
}
