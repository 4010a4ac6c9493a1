package orchestrator

import (
	"encoding/json"
	"fmt"
	"testing"
)

func finalizeFixture(t *testing.T, h *testHarness) *resolvedSession {
	t.Helper()
	rs, err := h.orch.resolveSession("voice_abc", map[string]any{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return rs
}

func TestFinalizePendingWorkOverridesStop(t *testing.T) {
	h := newHarness(t)
	rs := finalizeFixture(t, h)

	sr := &StructuredResponse{SpeechText: "Starting that now.", ContinueConversation: false}
	dr := &DispatchResult{
		SyncResults:      map[string]any{},
		DelegatedIntents: []ToolIntent{{Tool: "call_service", Intent: "rainbow fade"}},
	}
	ai := &AIResponse{ID: "r1", SpeechText: "Starting that now.", Success: true}

	hass, err := h.orch.finalizeTurn(rs, "do a fade", "test-model", sr, dr, ai)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if !hass.ContinueConversation || hass.EndConversation {
		t.Error("outstanding delegated intent must keep the conversation open")
	}
	if len(h.store.ended) != 0 {
		t.Errorf("conversation ended despite pending work: %v", h.store.ended)
	}
}

func TestFinalizeEndsOnStopWithNothingPending(t *testing.T) {
	h := newHarness(t)
	rs := finalizeFixture(t, h)

	sr := &StructuredResponse{SpeechText: "Goodnight.", ContinueConversation: false}
	dr := &DispatchResult{SyncResults: map[string]any{}}
	ai := &AIResponse{ID: "r1", SpeechText: "Goodnight.", Success: true}

	hass, err := h.orch.finalizeTurn(rs, "goodnight", "test-model", sr, dr, ai)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if hass.ContinueConversation || !hass.EndConversation {
		t.Errorf("response = %+v, want conversation ended", hass)
	}
	if len(h.store.ended) != 1 || h.store.ended[0] != rs.Conversation.ID {
		t.Errorf("ended = %v", h.store.ended)
	}
}

func TestFinalizeSuccessEntities(t *testing.T) {
	h := newHarness(t)
	rs := finalizeFixture(t, h)

	sr := &StructuredResponse{SpeechText: "Done.", ContinueConversation: true}
	dr := &DispatchResult{
		SyncResults: map[string]any{
			"get_state":    map[string]any{"state": "on"},
			"call_service": map[string]any{"success": false, "error": "boom"},
		},
		DelegatedIntents: []ToolIntent{{Tool: "fetch_webpage", Intent: "check the weather"}},
	}
	ai := &AIResponse{ID: "r1", SpeechText: "Done.", Success: true}

	hass, err := h.orch.finalizeTurn(rs, "do things", "test-model", sr, dr, ai)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if len(hass.SuccessEntities) != 3 {
		t.Fatalf("entities = %+v, want 3", hass.SuccessEntities)
	}
	byID := make(map[string]string)
	for _, e := range hass.SuccessEntities {
		byID[e.EntityID] = e.State
	}
	if byID["get_state"] != "success" {
		t.Errorf("get_state state = %q", byID["get_state"])
	}
	if byID["call_service"] != "error" {
		t.Errorf("call_service state = %q", byID["call_service"])
	}
	if byID["fetch_webpage"] != "pending" {
		t.Errorf("delegated intent state = %q, want pending", byID["fetch_webpage"])
	}
}

func TestFinalizeMetadataExplicitNulls(t *testing.T) {
	h := newHarness(t)
	rs := finalizeFixture(t, h)

	// Minimal model output: every optional narrative field absent.
	sr := &StructuredResponse{SpeechText: "Hi.", InnerThoughts: "quiet"}
	dr := &DispatchResult{SyncResults: map[string]any{}}
	ai := &AIResponse{ID: "r1", SpeechText: "Hi.", Success: true}

	if _, err := h.orch.finalizeTurn(rs, "hi", "test-model", sr, dr, ai); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	var meta map[string]json.RawMessage
	if err := json.Unmarshal(h.store.turns[0].Metadata, &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}

	// Absent fields must be present as explicit nulls, not missing keys.
	for _, key := range []string{"current_mood", "pressing_questions", "goal_progress"} {
		raw, ok := meta[key]
		if !ok {
			t.Errorf("metadata key %q missing entirely", key)
			continue
		}
		if string(raw) != "null" {
			t.Errorf("metadata[%q] = %s, want null", key, raw)
		}
	}
	if string(meta["inner_thoughts"]) != `"quiet"` {
		t.Errorf("inner_thoughts = %s", meta["inner_thoughts"])
	}
	if string(meta["model"]) != `"test-model"` {
		t.Errorf("model = %s", meta["model"])
	}
}

func TestFinalizePersistFailureIsFinalizationError(t *testing.T) {
	h := newHarness(t)
	rs := finalizeFixture(t, h)
	h.store.turnErr = fmt.Errorf("disk full")

	sr := &StructuredResponse{SpeechText: "Hi."}
	dr := &DispatchResult{SyncResults: map[string]any{}}
	ai := &AIResponse{ID: "r1", SpeechText: "Hi.", Success: true}

	_, err := h.orch.finalizeTurn(rs, "hi", "test-model", sr, dr, ai)
	var finErr *FinalizationError
	if !asErr(err, &finErr) {
		t.Fatalf("got %v, want FinalizationError", err)
	}
}

func TestFinalizeEndingInactiveConversationIsNoOp(t *testing.T) {
	h := newHarness(t)
	rs := finalizeFixture(t, h)

	// Conversation already ended out of band.
	h.store.EndConversation(rs.Conversation.ID)
	endedBefore := len(h.store.ended)

	sr := &StructuredResponse{SpeechText: "Bye."}
	dr := &DispatchResult{SyncResults: map[string]any{}}
	ai := &AIResponse{ID: "r1", SpeechText: "Bye.", Success: true}

	if _, err := h.orch.finalizeTurn(rs, "bye", "test-model", sr, dr, ai); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(h.store.ended) != endedBefore {
		t.Errorf("end called again on inactive conversation")
	}
}
