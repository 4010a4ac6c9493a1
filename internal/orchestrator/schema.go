package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// responseSchema is the structured-output contract sent to the narrative
// model and enforced on what comes back. speech_text, inner_thoughts, and
// continue_conversation are mandatory; everything else is optional.
const responseSchema = `{
	"type": "object",
	"properties": {
		"speech_text": {
			"type": "string",
			"description": "What the agent says aloud"
		},
		"continue_conversation": {
			"type": "boolean",
			"description": "Whether the microphone should stay open for a reply"
		},
		"inner_thoughts": {
			"type": "string",
			"description": "Private narration, never spoken"
		},
		"current_mood": {"type": "string"},
		"pressing_questions": {"type": "string"},
		"goal_progress": {"type": "string"},
		"tool_intents": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"tool_name": {"type": "string"},
					"intent": {"type": "string"},
					"parameters": {"type": "object"}
				},
				"required": ["tool_name", "intent"]
			}
		},
		"search_memories": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"query": {"type": "string"}
				},
				"required": ["query"]
			}
		},
		"direct_tool_calls": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"tool_name": {"type": "string"},
					"parameters": {"type": "object"}
				},
				"required": ["tool_name"]
			}
		}
	},
	"required": ["speech_text", "continue_conversation", "inner_thoughts"]
}`

// amendSchema is the contract for the best-effort amendment pass, which
// only needs to restate the speech.
const amendSchema = `{
	"type": "object",
	"properties": {
		"speech_text": {"type": "string"}
	},
	"required": ["speech_text"]
}`

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// parseStructuredResponse validates the raw model payload against the
// compiled contract and decodes it into typed fields.
func (o *Orchestrator) parseStructuredResponse(payload map[string]any) (*StructuredResponse, error) {
	if payload == nil {
		return nil, &InvalidResponseFormatError{Reason: "empty payload"}
	}
	if err := o.schema.Validate(map[string]any(payload)); err != nil {
		return nil, &InvalidResponseFormatError{Reason: "schema violation", Err: err}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &InvalidResponseFormatError{Reason: "payload not serializable", Err: err}
	}
	var sr StructuredResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, &InvalidResponseFormatError{Reason: "payload does not decode", Err: err}
	}
	return &sr, nil
}
