package orchestrator

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/store"
)

func pendingAt(produced time.Time, intent string) store.PendingResult {
	return store.PendingResult{
		ID:         "pr-1",
		ToolName:   "call_service",
		Intent:     intent,
		Result:     map[string]any{"success": true},
		ProducedAt: produced,
		ExpiresAt:  produced.Add(store.PendingTTL),
	}
}

func TestAssemblePromptInjectsFreshPendingResult(t *testing.T) {
	h := newHarness(t)
	rs, err := h.orch.resolveSession("voice_abc", map[string]any{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Produced 4 minutes ago: inside the relevance window.
	h.store.pending[rs.Conversation.ID] = []store.PendingResult{
		pendingAt(time.Now().Add(-4*time.Minute), "flash the lights"),
	}

	messages, err := h.orch.assemblePrompt(rs, "did it work?")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	var injected int
	for _, m := range messages {
		if m.Role == "system" && strings.Contains(m.Content, "flash the lights") {
			injected++
		}
	}
	if injected != 1 {
		t.Errorf("injected %d pending-result messages, want 1", injected)
	}
	// The user's message stays last.
	if last := messages[len(messages)-1]; last.Role != "user" || last.Content != "did it work?" {
		t.Errorf("last message = %+v", last)
	}
	// Visited entry is marked consumed.
	if !h.store.pending[rs.Conversation.ID][0].Consumed {
		t.Error("pending result not marked consumed")
	}
}

func TestAssemblePromptDropsExpiredPendingResult(t *testing.T) {
	h := newHarness(t)
	rs, err := h.orch.resolveSession("voice_abc", map[string]any{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Produced 6 minutes ago: expired, silently dropped.
	h.store.pending[rs.Conversation.ID] = []store.PendingResult{
		pendingAt(time.Now().Add(-6*time.Minute), "flash the lights"),
	}

	messages, err := h.orch.assemblePrompt(rs, "did it work?")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	for _, m := range messages {
		if strings.Contains(m.Content, "flash the lights") {
			t.Errorf("expired result leaked into prompt: %q", m.Content)
		}
	}
	// Expired entries are still consumed, exactly once.
	if !h.store.pending[rs.Conversation.ID][0].Consumed {
		t.Error("expired pending result not marked consumed")
	}

	if _, err := h.orch.assemblePrompt(rs, "still there?"); err != nil {
		t.Fatalf("assemble again: %v", err)
	}
	if h.store.consumeCalls != 2 {
		t.Errorf("consume calls = %d, want 2", h.store.consumeCalls)
	}
}

func TestAssemblePromptWrapsBuildFailure(t *testing.T) {
	h := newHarness(t)
	rs, err := h.orch.resolveSession("voice_abc", map[string]any{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.builder.err = fmt.Errorf("template exploded")

	_, err = h.orch.assemblePrompt(rs, "hello")
	var pbErr *PromptBuildError
	if !asErr(err, &pbErr) {
		t.Fatalf("got %v, want PromptBuildError", err)
	}
	// The underlying consume must not have happened after a build failure.
	if h.store.consumeCalls != 0 {
		t.Errorf("consume calls = %d, want 0", h.store.consumeCalls)
	}
}
