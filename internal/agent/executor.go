package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/orc/pkg/models"
)

// maxStreamLineSize bounds one NDJSON line; agent events can carry large
// tool outputs.
const maxStreamLineSize = 10 * 1024 * 1024

// ExecutorConfig holds the family-B CLI defaults, overridable per agent.
type ExecutorConfig struct {
	// Command is the CLI argv prefix, default ["claude"].
	Command      []string `mapstructure:"command"`
	Model        string   `mapstructure:"model"`
	AllowedTools []string `mapstructure:"allowed_tools"`
	MaxTurns     int      `mapstructure:"max_turns"`
	// HeartbeatSec is the stream-silence interval before a heartbeat line
	// is written to the log. Zero disables heartbeats.
	HeartbeatSec int `mapstructure:"heartbeat_sec"`
}

// ExecutorClient drives a family-B CLI in stream-json mode: the client
// tails the NDJSON event stream, mirrors every line into the framed log,
// and returns the final result event's envelope.
type ExecutorClient struct {
	cfg ExecutorConfig
	log *FramedLog
}

// NewExecutorClient creates an executor-family client logging to log.
func NewExecutorClient(cfg ExecutorConfig, log *FramedLog) *ExecutorClient {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"claude"}
	}
	return &ExecutorClient{cfg: cfg, log: log}
}

// ImplementCall describes one family-B invocation.
type ImplementCall struct {
	// Phase labels the framed log segment (IMPLEMENT, MERGE_CONFLICT, ...).
	Phase string
	// Prompt is the full prompt text.
	Prompt string
	// Cwd is the workspace the executor operates in.
	Cwd string
	// SessionID resumes a prior conversation when non-empty.
	SessionID string
	// JSONSchema constrains the structured output when non-empty.
	JSONSchema string
	// AppendSystemPrompt is appended to the CLI's default system prompt.
	AppendSystemPrompt string
	// Model overrides the configured model when non-empty.
	Model string
	// AllowedTools overrides the configured toolset when non-nil.
	AllowedTools []string
	// MaxTurns overrides the configured cap when positive.
	MaxTurns int
}

// resultEvent is the terminal stream-json event.
type resultEvent struct {
	Type       string          `json:"type"`
	Result     string          `json:"result"`
	SessionID  string          `json:"session_id"`
	Structured json.RawMessage `json:"structured_output"`
	IsError    bool            `json:"is_error"`
}

// Implement spawns the executor CLI and blocks until it exits, returning
// the result envelope. Failures return a nil output and an error; the
// iteration controller decides what that means for the candidate.
func (c *ExecutorClient) Implement(ctx context.Context, call ImplementCall) (*models.ExecutorOutput, error) {
	model := call.Model
	if model == "" {
		model = c.cfg.Model
	}
	tools := call.AllowedTools
	if tools == nil {
		tools = c.cfg.AllowedTools
	}
	maxTurns := call.MaxTurns
	if maxTurns <= 0 {
		maxTurns = c.cfg.MaxTurns
	}

	args := append([]string{}, c.cfg.Command[1:]...)
	args = append(args, "-p", call.Prompt, "--output-format", "stream-json", "--verbose")
	if model != "" {
		args = append(args, "--model", model)
	}
	if len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}
	if call.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", call.AppendSystemPrompt)
	}
	if call.JSONSchema != "" {
		args = append(args, "--json-schema", call.JSONSchema)
	}
	if call.SessionID != "" {
		args = append(args, "--resume", call.SessionID)
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}

	seg, err := c.log.Segment("executor_family", strings.ToUpper(call.Phase))
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command[0], args...)
	if call.Cwd != "" {
		cmd.Dir = call.Cwd
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		seg.Exit(-1)
		return nil, fmt.Errorf("executor stdout pipe: %w", err)
	}
	if w := seg.Writer(); w != nil {
		cmd.Stderr = w
	}
	if err := cmd.Start(); err != nil {
		seg.Linef("=== executor_family spawn error: %v ===", err)
		seg.Exit(-1)
		return nil, fmt.Errorf("spawn executor CLI: %w", err)
	}

	var activityMu sync.Mutex
	lastActivity := time.Now()
	touch := func() {
		activityMu.Lock()
		lastActivity = time.Now()
		activityMu.Unlock()
	}
	heartbeatDone := make(chan struct{})
	if c.cfg.HeartbeatSec > 0 {
		interval := time.Duration(c.cfg.HeartbeatSec) * time.Second
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-heartbeatDone:
					return
				case <-ticker.C:
					activityMu.Lock()
					idle := time.Since(lastActivity)
					activityMu.Unlock()
					if idle >= interval {
						seg.Linef("[heartbeat] no stream activity for %ds", int(idle.Seconds()))
					}
				}
			}
		}()
	}

	final, scanErr := scanResultStream(stdout, seg, touch)
	close(heartbeatDone)

	waitErr := cmd.Wait()
	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	seg.Exit(exitCode)

	if scanErr != nil {
		return nil, fmt.Errorf("read executor stream: %w", scanErr)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("executor CLI %s failed (exit %d): %w", call.Phase, exitCode, waitErr)
	}
	if final == nil {
		return nil, fmt.Errorf("executor CLI %s emitted no result event", call.Phase)
	}
	return buildOutput(final), nil
}

// scanResultStream tails the NDJSON stream, mirroring every line into the
// log segment and keeping the last result event.
func scanResultStream(r io.Reader, seg *LogSegment, touch func()) (*resultEvent, error) {
	var final *resultEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		touch()
		seg.Line(line)
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var ev resultEvent
		if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
			continue
		}
		if ev.Type == "result" {
			final = &ev
		}
	}
	return final, scanner.Err()
}

// buildOutput converts a result event into the executor envelope,
// validating any structured payload against the executor schema.
func buildOutput(final *resultEvent) *models.ExecutorOutput {
	out := &models.ExecutorOutput{
		Result:    final.Result,
		SessionID: final.SessionID,
	}
	if len(final.Structured) > 0 && string(final.Structured) != "null" {
		if err := ValidatePayload(SchemaExecutorResult, final.Structured); err == nil {
			var structured models.ExecutorStructured
			if err := json.Unmarshal(final.Structured, &structured); err == nil {
				out.Structured = &structured
			}
		}
	}
	return out
}
