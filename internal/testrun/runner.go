// Package testrun executes the configured or plan-supplied test commands in
// a candidate workspace and reports structured results.
package testrun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ShayCichocki/orc/internal/exec"
	"github.com/ShayCichocki/orc/pkg/models"
)

// maxOutputChars caps stdout/stderr captured into results.
const maxOutputChars = 8000

// Config carries the testing section of the run config.
type Config struct {
	// InstallCommand installs dependencies when InstallIfMissing triggers.
	InstallCommand []string `mapstructure:"install_command"`
	// UnitCommand is the fallback unit test invocation.
	UnitCommand []string `mapstructure:"unit_command"`
	// E2ECommand is the fallback end-to-end test invocation.
	E2ECommand []string `mapstructure:"e2e_command"`
	// InstallIfMissing runs InstallCommand when package.json exists but
	// node_modules does not.
	InstallIfMissing bool `mapstructure:"install_if_missing"`
	// TimeoutSec is the run-wide per-command timeout. Nil means none.
	TimeoutSec *float64 `mapstructure:"timeout_sec"`
}

// CommandResult is the outcome of one test command.
type CommandResult struct {
	Command    []string `json:"command"`
	ExitCode   int      `json:"exit_code"`
	DurationMS int64    `json:"duration_ms"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
}

// Results is the structured output fed into review prompts and state.
type Results struct {
	Cwd           string          `json:"cwd"`
	InstalledDeps *CommandResult  `json:"installed_deps"`
	Commands      []CommandEntry  `json:"commands"`
}

// CommandEntry pairs a command's identity with its result.
type CommandEntry struct {
	ID     string        `json:"id,omitempty"`
	Kind   string        `json:"kind,omitempty"`
	Label  string        `json:"label,omitempty"`
	Result CommandResult `json:"result"`
}

// Runner executes test commands through a CommandRunner.
type Runner struct {
	cmd exec.CommandRunner
}

// NewRunner creates a test runner.
func NewRunner(cmd exec.CommandRunner) *Runner {
	return &Runner{cmd: cmd}
}

func truncate(s string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	return s[:maxOutputChars] + "\n... [truncated] ..."
}

// runOne runs a single command with an optional timeout. A timeout
// synthesizes exit code 124 with a "Timed out" stderr line instead of
// surfacing an error.
func (r *Runner) runOne(ctx context.Context, cwd string, command []string, timeoutSec *float64) CommandResult {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeoutSec != nil {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(*timeoutSec*float64(time.Second)))
		defer cancel()
	}
	cap, err := r.cmd.RunCapture(runCtx, cwd, command[0], command[1:]...)
	res := CommandResult{
		Command:    command,
		ExitCode:   cap.ExitCode,
		DurationMS: cap.Duration.Milliseconds(),
		Stdout:     truncate(cap.Stdout),
		Stderr:     truncate(cap.Stderr),
	}
	if cap.TimedOut {
		res.ExitCode = 124
		label := "Timed out."
		if timeoutSec != nil {
			label = fmt.Sprintf("Timed out after %g seconds.", *timeoutSec)
		}
		if res.Stderr != "" {
			res.Stderr = label + "\n" + res.Stderr
		} else {
			res.Stderr = label
		}
		return res
	}
	if err != nil {
		// Spawn failure reads like a failing command.
		res.ExitCode = 127
		res.Stderr = truncate(err.Error())
	}
	return res
}

// Run executes the test suite in cwd. Plan-supplied commands are preferred;
// the configured unit/e2e fallbacks are used only when the plan carried no
// test_commands field (nil, as opposed to an explicit empty list).
func (r *Runner) Run(ctx context.Context, cwd string, cfg Config, planCommands []models.TestCommand) (*Results, error) {
	if cfg.TimeoutSec != nil && *cfg.TimeoutSec <= 0 {
		return nil, fmt.Errorf("testing.timeout_sec must be a positive number or null")
	}

	abs, err := filepath.Abs(cwd)
	if err != nil {
		abs = cwd
	}
	results := &Results{Cwd: abs}

	// Best-effort dependency install for Node projects.
	if cfg.InstallIfMissing && fileExists(filepath.Join(cwd, "package.json")) && !fileExists(filepath.Join(cwd, "node_modules")) {
		install := cfg.InstallCommand
		if len(install) == 0 {
			install = []string{"npm", "install"}
		}
		res := r.runOne(ctx, cwd, install, cfg.TimeoutSec)
		results.InstalledDeps = &res
		// If deps install fails, skip tests; they'd fail too.
		if res.ExitCode != 0 {
			return results, nil
		}
	}

	commands := planCommands
	if commands == nil {
		unit := cfg.UnitCommand
		if len(unit) == 0 {
			unit = []string{"npm", "test"}
		}
		e2e := cfg.E2ECommand
		if len(e2e) == 0 {
			e2e = []string{"npx", "playwright", "test"}
		}
		commands = []models.TestCommand{
			{ID: "unit", Kind: "unit", Command: unit},
			{ID: "e2e", Kind: "e2e", Command: e2e},
		}
	}

	for i, spec := range commands {
		if len(spec.Command) == 0 {
			continue
		}
		timeout := spec.TimeoutSec
		if timeout == nil {
			timeout = cfg.TimeoutSec
		} else if *timeout <= 0 {
			return nil, fmt.Errorf("test_commands[%d].timeout_sec must be a positive number or null", i)
		}
		res := r.runOne(ctx, cwd, spec.Command, timeout)
		results.Commands = append(results.Commands, CommandEntry{
			ID:     spec.ID,
			Kind:   spec.Kind,
			Label:  spec.Label,
			Result: res,
		})
	}
	return results, nil
}

// Summarize rolls results up into one line for prompts and state.
func Summarize(res *Results) string {
	if res == nil || len(res.Commands) == 0 {
		return "no tests run"
	}
	passed, failed := 0, 0
	for _, c := range res.Commands {
		if c.Result.ExitCode == 0 {
			passed++
		} else {
			failed++
		}
	}
	return fmt.Sprintf("%d passed, %d failed of %d test commands", passed, failed, len(res.Commands))
}

// ToMap renders results as the generic JSON shape stored in run state.
func (res *Results) ToMap() map[string]any {
	if res == nil {
		return nil
	}
	out := map[string]any{
		"cwd":      res.Cwd,
		"commands": []any{},
	}
	if res.InstalledDeps != nil {
		out["installed_deps"] = commandResultMap(*res.InstalledDeps)
	} else {
		out["installed_deps"] = nil
	}
	var cmds []any
	for _, c := range res.Commands {
		cmds = append(cmds, map[string]any{
			"id":     c.ID,
			"kind":   c.Kind,
			"label":  c.Label,
			"result": commandResultMap(c.Result),
		})
	}
	if cmds != nil {
		out["commands"] = cmds
	}
	return out
}

func commandResultMap(r CommandResult) map[string]any {
	cmd := make([]any, len(r.Command))
	for i, c := range r.Command {
		cmd[i] = c
	}
	return map[string]any{
		"command":     cmd,
		"exit_code":   r.ExitCode,
		"duration_ms": r.DurationMS,
		"stdout":      r.Stdout,
		"stderr":      r.Stderr,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
