package exec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command and returns combined stdout/stderr output.
func (r *ExecRunner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	return cmd.CombinedOutput()
}

// RunCapture executes a command capturing stdout and stderr separately.
func (r *ExecRunner) RunCapture(ctx context.Context, workDir string, name string, args ...string) (Capture, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	cap := Capture{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		cap.ExitCode = 0
		return cap, nil
	}

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cap.TimedOut = true
		cap.ExitCode = -1
		return cap, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cap.ExitCode = exitErr.ExitCode()
		return cap, nil
	}

	// Spawn failure: command missing, permission denied, etc.
	cap.ExitCode = -1
	return cap, err
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)
