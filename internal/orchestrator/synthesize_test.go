package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestSynthesizeBlankSpeechFallsBack(t *testing.T) {
	h := newHarness(t)

	for _, speech := range []string{"", "   "} {
		ai := h.orch.synthesizeResponse(context.Background(),
			&StructuredResponse{SpeechText: speech},
			&DispatchResult{}, promptOf("hi"), "test-model")

		if ai.SpeechText == "" {
			t.Error("speech must never be empty")
		}
		if ai.SpeechText != FallbackUtterance {
			t.Errorf("speech = %q, want fallback", ai.SpeechText)
		}
		if !ai.Success {
			t.Error("fallback is still a successful response")
		}
	}
}

func TestSynthesizeCarriesNarrativeFields(t *testing.T) {
	h := newHarness(t)

	sr := &StructuredResponse{
		SpeechText:           "All good here.",
		ContinueConversation: true,
		InnerThoughts:        "calm night",
		CurrentMood:          "content",
	}
	ai := h.orch.synthesizeResponse(context.Background(), sr, &DispatchResult{}, promptOf("hi"), "test-model")

	if ai.ID == "" {
		t.Error("expected a fresh response id")
	}
	if ai.SpeechText != "All good here." || ai.Text != "All good here." {
		t.Errorf("speech = %q, text = %q", ai.SpeechText, ai.Text)
	}
	if !ai.ContinueConversation || ai.InnerThoughts != "calm night" || ai.CurrentMood != "content" {
		t.Errorf("narrative fields lost: %+v", ai)
	}
	if h.model.calls != 0 {
		t.Errorf("no amendment expected without query facts, got %d calls", h.model.calls)
	}
}

func TestSynthesizeAmendsSpeechWithQueryFact(t *testing.T) {
	h := newHarness(t)
	h.model.payloads = []map[string]any{
		{"speech_text": "Checking... the battery is at 87 percent, plenty left."},
	}

	dr := &DispatchResult{
		SyncResults: map[string]any{"get_state": map[string]any{"state": "87"}},
		QueryFacts:  []QueryFact{{Tool: "get_state", Key: "get_state", Result: map[string]any{"state": "87"}}},
	}
	ai := h.orch.synthesizeResponse(context.Background(),
		&StructuredResponse{SpeechText: "Let me check the battery."},
		dr, promptOf("battery?"), "test-model")

	if h.model.calls != 1 {
		t.Fatalf("amendment calls = %d, want exactly 1", h.model.calls)
	}
	if !strings.Contains(ai.SpeechText, "87 percent") {
		t.Errorf("speech = %q, want amended text", ai.SpeechText)
	}
	// The amendment prompt carries the fact.
	last := h.model.lastMsgs[len(h.model.lastMsgs)-1]
	if last.Role != "system" || !strings.Contains(last.Content, "get_state") {
		t.Errorf("amendment message = %+v", last)
	}
}

func TestSynthesizeAmendmentFailureKeepsOriginal(t *testing.T) {
	h := newHarness(t)
	h.model.errs = []error{fmt.Errorf("model flaked")}

	dr := &DispatchResult{
		QueryFacts: []QueryFact{{Tool: "get_state", Result: map[string]any{"state": "87"}}},
	}
	ai := h.orch.synthesizeResponse(context.Background(),
		&StructuredResponse{SpeechText: "Let me check the battery."},
		dr, promptOf("battery?"), "test-model")

	if ai.SpeechText != "Let me check the battery." {
		t.Errorf("speech = %q, want original preserved", ai.SpeechText)
	}
	if !ai.Success {
		t.Error("amendment failure must not fail the turn")
	}
}

func TestSynthesizeAmendmentBlankResultKeepsOriginal(t *testing.T) {
	h := newHarness(t)
	h.model.payloads = []map[string]any{{"speech_text": "  "}}

	dr := &DispatchResult{
		QueryFacts: []QueryFact{{Tool: "get_state", Result: map[string]any{"state": "87"}}},
	}
	ai := h.orch.synthesizeResponse(context.Background(),
		&StructuredResponse{SpeechText: "Original words."},
		dr, promptOf("hi"), "test-model")

	if ai.SpeechText != "Original words." {
		t.Errorf("speech = %q", ai.SpeechText)
	}
}
