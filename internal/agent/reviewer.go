package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ReviewerConfig holds the family-A CLI defaults, overridable per agent.
type ReviewerConfig struct {
	// Command is the CLI argv prefix, default ["codex"].
	Command []string `mapstructure:"command"`
	Model   string   `mapstructure:"model"`
	// Sandbox is the default sandbox policy (read-only for reviewers).
	Sandbox         string `mapstructure:"sandbox"`
	ReasoningEffort string `mapstructure:"reasoning_effort"`
	Verbosity       string `mapstructure:"verbosity"`
}

// ReviewerClient drives a family-A CLI: one-shot invocations that receive
// the schema via --output-schema and write their final JSON message to a
// temp file named by --output-last-message. Policy knobs go through
// -c key=value overrides, never positional flags.
type ReviewerClient struct {
	cfg ReviewerConfig
	log *FramedLog
}

// NewReviewerClient creates a reviewer-family client logging to log.
func NewReviewerClient(cfg ReviewerConfig, log *FramedLog) *ReviewerClient {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"codex"}
	}
	if cfg.Sandbox == "" {
		cfg.Sandbox = "read-only"
	}
	return &ReviewerClient{cfg: cfg, log: log}
}

// StructuredCall describes one family-A invocation.
type StructuredCall struct {
	// Phase labels the framed log segment (PLAN, REVIEW, ...).
	Phase string
	// Prompt is the full prompt text.
	Prompt string
	// SchemaName selects the output schema handed to the CLI.
	SchemaName string
	// Cwd is the directory the agent operates in.
	Cwd string
	// Model overrides the configured model when non-empty.
	Model string
	// Sandbox overrides the configured sandbox when non-empty.
	Sandbox string
	// ReasoningEffort and Verbosity override the configured knobs.
	ReasoningEffort string
	Verbosity       string
}

// RunStructured spawns the CLI and returns the raw bytes of its final JSON
// message. Non-zero exit, spawn failure, or a missing output file all
// return an error; retry policy belongs to the caller.
func (c *ReviewerClient) RunStructured(ctx context.Context, call StructuredCall) ([]byte, error) {
	schemaJSON, err := SchemaJSON(call.SchemaName)
	if err != nil {
		return nil, err
	}
	tmpDir, err := os.MkdirTemp("", "orc-reviewer-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	schemaPath := filepath.Join(tmpDir, call.SchemaName+".schema.json")
	if err := os.WriteFile(schemaPath, []byte(schemaJSON), 0644); err != nil {
		return nil, fmt.Errorf("write schema file: %w", err)
	}
	outPath := filepath.Join(tmpDir, "last_message.json")

	model := call.Model
	if model == "" {
		model = c.cfg.Model
	}
	sandbox := call.Sandbox
	if sandbox == "" {
		sandbox = c.cfg.Sandbox
	}
	effort := call.ReasoningEffort
	if effort == "" {
		effort = c.cfg.ReasoningEffort
	}
	verbosity := call.Verbosity
	if verbosity == "" {
		verbosity = c.cfg.Verbosity
	}

	cwd, err := filepath.Abs(call.Cwd)
	if err != nil {
		return nil, fmt.Errorf("resolve cwd: %w", err)
	}

	args := append([]string{}, c.cfg.Command[1:]...)
	args = append(args,
		"exec",
		"--color", "never",
		"--skip-git-repo-check",
		"--sandbox", sandbox,
		"--cd", cwd,
		"--output-schema", schemaPath,
		"-c", "approval_policy=never",
	)
	if model != "" {
		args = append(args, "--model", model)
	}
	if effort != "" {
		args = append(args, "-c", "model_reasoning_effort="+effort)
	}
	if verbosity != "" {
		args = append(args, "-c", "model_verbosity="+verbosity)
	}
	args = append(args, "--output-last-message", outPath, call.Prompt)

	seg, err := c.log.Segment("reviewer_family", strings.ToUpper(call.Phase))
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command[0], args...)
	cmd.Dir = cwd
	if w := seg.Writer(); w != nil {
		cmd.Stdout = w
		cmd.Stderr = w
	}
	if err := cmd.Run(); err != nil {
		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			seg.Linef("=== reviewer_family spawn error: %v ===", err)
		}
		seg.Exit(code)
		return nil, fmt.Errorf("reviewer CLI %s failed: %w", call.Phase, err)
	}
	seg.Exit(0)

	raw, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("reviewer CLI %s produced no output message: %w", call.Phase, err)
	}
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, fmt.Errorf("reviewer CLI %s produced an empty output message", call.Phase)
	}
	if err := ValidatePayload(call.SchemaName, raw); err != nil {
		return nil, err
	}
	return raw, nil
}
