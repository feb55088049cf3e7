package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orc/pkg/models"
)

func TestValidatePayload(t *testing.T) {
	t.Run("valid plan", func(t *testing.T) {
		raw := []byte(`{"status":"OK","claude_prompt":"do it","tasks":[{"title":"x"}]}`)
		require.NoError(t, ValidatePayload(SchemaPlan, raw))
	})

	t.Run("bad status enum", func(t *testing.T) {
		raw := []byte(`{"status":"SHRUG"}`)
		require.Error(t, ValidatePayload(SchemaPlan, raw))
	})

	t.Run("valid decision", func(t *testing.T) {
		raw := []byte(`{"status":"REJECTED","winner_candidate_id":"c1","summary":"s","feedback":"f","next_prompt":"more"}`)
		require.NoError(t, ValidatePayload(SchemaReviewerDecision, raw))
	})

	t.Run("decision null next_prompt", func(t *testing.T) {
		raw := []byte(`{"status":"APPROVED","winner_candidate_id":"c1","summary":"s","feedback":"f","next_prompt":null}`)
		require.NoError(t, ValidatePayload(SchemaReviewerDecision, raw))
	})

	t.Run("executor legacy status accepted", func(t *testing.T) {
		raw := []byte(`{"status":"NEEDS_CODEX","questions":["q"]}`)
		require.NoError(t, ValidatePayload(SchemaExecutorResult, raw))
	})

	t.Run("not json", func(t *testing.T) {
		require.Error(t, ValidatePayload(SchemaPlan, []byte("nope")))
	})

	t.Run("unknown schema", func(t *testing.T) {
		require.Error(t, ValidatePayload("mystery", []byte("{}")))
	})
}

func TestFramedLogSegments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reviewer_family.log")
	log := NewFramedLog(path)

	seg, err := log.Segment("reviewer_family", "PLAN")
	require.NoError(t, err)
	seg.Line("thinking about the task")
	seg.Exit(0)

	seg, err = log.Segment("reviewer_family", "REVIEW")
	require.NoError(t, err)
	seg.Exit(2)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	assert.Regexp(t, `=== \d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z reviewer_family PLAN ===`, text)
	assert.Contains(t, text, "thinking about the task")
	assert.Contains(t, text, "=== reviewer_family exit 0 ===")
	assert.Contains(t, text, "reviewer_family REVIEW ===")
	assert.Contains(t, text, "=== reviewer_family exit 2 ===")
}

func TestFramedLogNoopWithEmptyPath(t *testing.T) {
	log := NewFramedLog("")
	seg, err := log.Segment("executor_family", "IMPLEMENT")
	require.NoError(t, err)
	seg.Line("ignored")
	seg.Exit(0)
}

func TestScanResultStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor_family.log")
	log := NewFramedLog(path)
	seg, err := log.Segment("executor_family", "IMPLEMENT")
	require.NoError(t, err)

	stream := strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}`,
		`not json at all`,
		`{"type":"result","result":"did the thing","session_id":"sess-1","structured_output":{"status":"DONE","summary":"done"}}`,
	}, "\n")

	final, scanErr := scanResultStream(strings.NewReader(stream), seg, func() {})
	seg.Exit(0)
	require.NoError(t, scanErr)
	require.NotNil(t, final)

	out := buildOutput(final)
	assert.Equal(t, "did the thing", out.Result)
	assert.Equal(t, "sess-1", out.SessionID)
	require.NotNil(t, out.Structured)
	assert.Equal(t, models.ExecutorDone, out.Structured.Status)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"result"`)
	assert.Contains(t, string(raw), "not json at all")
}

func TestBuildOutputDropsInvalidStructured(t *testing.T) {
	ev := &resultEvent{
		Type:       "result",
		Result:     "raw text",
		Structured: []byte(`{"status":"SHRUG"}`),
	}
	out := buildOutput(ev)
	assert.Nil(t, out.Structured)
	// Legacy fallback synthesizes DONE from the raw result.
	s := out.StructuredOrLegacy()
	assert.Equal(t, models.ExecutorDone, s.Status)
	assert.Equal(t, "raw text", s.Summary)
}
