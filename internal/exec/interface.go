// Package exec provides an interface for command execution.
package exec

import (
	"context"
	"time"
)

// Capture holds the full result of one captured command invocation.
type Capture struct {
	// ExitCode is the process exit code. -1 if the process never ran.
	ExitCode int
	// Stdout and Stderr are captured separately.
	Stdout string
	Stderr string
	// Duration is the wall-clock run time.
	Duration time.Duration
	// TimedOut is true if the context deadline killed the process.
	TimedOut bool
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// RunCapture executes a command capturing stdout and stderr separately,
	// along with the exit code and duration. A non-zero exit is reported in
	// the Capture, not as an error; err is reserved for spawn failures.
	RunCapture(ctx context.Context, workDir string, name string, args ...string) (Capture, error)
}
