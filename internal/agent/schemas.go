package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names passed to agents and used to validate their payloads.
const (
	SchemaPlan             = "plan"
	SchemaReviewerDecision = "reviewer_decision"
	SchemaReviewerAnswer   = "reviewer_answer"
	SchemaExecutorResult   = "executor_result"
)

// PlanSchemaJSON constrains PLAN and REFINE_PLAN outputs.
const PlanSchemaJSON = `{
  "type": "object",
  "properties": {
    "status": {"type": "string", "enum": ["OK", "NEEDS_USER_INPUT"]},
    "claude_prompt": {"type": "string"},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "title": {"type": "string"},
          "description": {"type": "string"}
        },
        "required": ["title"]
      }
    },
    "test_commands": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "kind": {"type": "string"},
          "label": {"type": "string"},
          "command": {"type": "array", "items": {"type": "string"}},
          "timeout_sec": {"type": ["number", "null"]}
        },
        "required": ["command"]
      }
    },
    "notes": {"type": "string"},
    "questions": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["status"]
}`

// ReviewerDecisionSchemaJSON constrains REVIEW_CANDIDATES and HANDOFF outputs.
const ReviewerDecisionSchemaJSON = `{
  "type": "object",
  "properties": {
    "status": {"type": "string", "enum": ["APPROVED", "REJECTED", "NEEDS_USER_INPUT"]},
    "winner_candidate_id": {"type": "string"},
    "summary": {"type": "string"},
    "feedback": {"type": "string"},
    "next_prompt": {"type": ["string", "null"]},
    "questions": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["status"]
}`

// ReviewerAnswerSchemaJSON constrains ANSWER_EXECUTOR outputs.
const ReviewerAnswerSchemaJSON = `{
  "type": "object",
  "properties": {
    "status": {"type": "string", "enum": ["ANSWER", "NEEDS_USER_INPUT"]},
    "answer": {"type": "string"},
    "questions": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["status"]
}`

// ExecutorResultSchemaJSON constrains the executor's structured_output.
const ExecutorResultSchemaJSON = `{
  "type": "object",
  "properties": {
    "status": {"type": "string", "enum": ["DONE", "NEEDS_REVIEWER", "NEEDS_CODEX", "FAILED"]},
    "summary": {"type": "string"},
    "questions": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["status"]
}`

var schemaSources = map[string]string{
	SchemaPlan:             PlanSchemaJSON,
	SchemaReviewerDecision: ReviewerDecisionSchemaJSON,
	SchemaReviewerAnswer:   ReviewerAnswerSchemaJSON,
	SchemaExecutorResult:   ExecutorResultSchemaJSON,
}

var compiled = func() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(schemaSources))
	for name, src := range schemaSources {
		sch, err := jsonschema.CompileString(name+".json", src)
		if err != nil {
			panic(fmt.Sprintf("compile %s schema: %v", name, err))
		}
		out[name] = sch
	}
	return out
}()

// SchemaJSON returns the raw schema text for a schema name.
func SchemaJSON(name string) (string, error) {
	src, ok := schemaSources[name]
	if !ok {
		return "", fmt.Errorf("unknown schema %q", name)
	}
	return src, nil
}

// ValidatePayload checks a raw JSON payload against a named schema.
func ValidatePayload(name string, raw []byte) error {
	sch, ok := compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode %s payload: %w", name, err)
	}
	if err := sch.Validate(doc); err != nil {
		msg := err.Error()
		if i := strings.IndexByte(msg, '\n'); i > 0 {
			msg = msg[:i]
		}
		return fmt.Errorf("%s payload rejected by schema: %s", name, msg)
	}
	return nil
}
