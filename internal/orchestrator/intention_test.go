package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/llm"
)

func promptOf(user string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "You are Buddy."},
		{Role: "user", Content: user},
	}
}

func TestRequestIntentionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		messages []llm.Message
		userMsg  string
		model    string
	}{
		{"empty prompt", nil, "hi", "test-model"},
		{"empty user message", promptOf("hi"), "  ", "test-model"},
		{"empty model", promptOf("hi"), "hi", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.requestIntention(ctx, tt.messages, tt.userMsg, tt.model)
			var vErr *ValidationError
			if !asErr(err, &vErr) {
				t.Errorf("got %v, want ValidationError", err)
			}
		})
	}
	if h.model.calls != 0 {
		t.Errorf("model invoked %d times during validation failures", h.model.calls)
	}
}

func TestRequestIntentionWrapsTransportError(t *testing.T) {
	h := newHarness(t)
	h.model.errs = []error{fmt.Errorf("connection refused")}

	_, err := h.orch.requestIntention(context.Background(), promptOf("hi"), "hi", "test-model")
	var llmErr *LlmCallError
	if !asErr(err, &llmErr) {
		t.Fatalf("got %v, want LlmCallError", err)
	}
	if llmErr.Model != "test-model" {
		t.Errorf("model = %q", llmErr.Model)
	}
	if h.model.calls != 1 {
		t.Errorf("model calls = %d, want 1 (no retry at this layer)", h.model.calls)
	}
}

func TestRequestIntentionRejectsNonconformingPayload(t *testing.T) {
	h := newHarness(t)

	bad := []map[string]any{
		nil,
		{"speech_text": "hi"},
		{"speech_text": "hi", "continue_conversation": "yes", "inner_thoughts": "x"},
		{"speech_text": 42, "continue_conversation": true, "inner_thoughts": "x"},
		{"speech_text": "hi", "continue_conversation": true, "inner_thoughts": "x",
			"tool_intents": []any{map[string]any{"intent": "no tool name"}}},
	}
	for i, payload := range bad {
		h.model.payloads = []map[string]any{payload}
		h.model.calls = 0

		_, err := h.orch.requestIntention(context.Background(), promptOf("hi"), "hi", "test-model")
		var fmtErr *InvalidResponseFormatError
		if !asErr(err, &fmtErr) {
			t.Errorf("payload %d: got %v, want InvalidResponseFormatError", i, err)
		}
	}
}

func TestRequestIntentionParsesFullPayload(t *testing.T) {
	h := newHarness(t)
	h.model.payloads = []map[string]any{{
		"speech_text":           "The battery is at 87 percent.",
		"continue_conversation": true,
		"inner_thoughts":        "they seem worried about power",
		"current_mood":          "reassuring",
		"tool_intents": []any{
			map[string]any{"tool_name": "call_service", "intent": "dim the outer shell"},
		},
		"search_memories": []any{
			map[string]any{"query": "battery anxiety"},
		},
		"direct_tool_calls": []any{
			map[string]any{"tool_name": "get_state",
				"parameters": map[string]any{"entity_id": "sensor.battery_level"}},
		},
	}}

	sr, err := h.orch.requestIntention(context.Background(), promptOf("battery?"), "battery?", "test-model")
	if err != nil {
		t.Fatalf("request intention: %v", err)
	}

	if sr.SpeechText != "The battery is at 87 percent." {
		t.Errorf("speech = %q", sr.SpeechText)
	}
	if !sr.ContinueConversation {
		t.Error("continue_conversation lost")
	}
	if sr.CurrentMood != "reassuring" {
		t.Errorf("mood = %q", sr.CurrentMood)
	}
	if len(sr.ToolIntents) != 1 || sr.ToolIntents[0].Intent != "dim the outer shell" {
		t.Errorf("tool intents = %+v", sr.ToolIntents)
	}
	if len(sr.MemoryQueries) != 1 || sr.MemoryQueries[0].Query != "battery anxiety" {
		t.Errorf("memory queries = %+v", sr.MemoryQueries)
	}
	if len(sr.DirectCalls) != 1 || sr.DirectCalls[0].Tool != "get_state" {
		t.Errorf("direct calls = %+v", sr.DirectCalls)
	}
	if sr.DirectCalls[0].Parameters["entity_id"] != "sensor.battery_level" {
		t.Errorf("direct call parameters = %v", sr.DirectCalls[0].Parameters)
	}
}
