package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/tools"
)

func TestDispatchEmptyResponseIsValid(t *testing.T) {
	h := newHarness(t)

	dr := h.orch.dispatchActions(context.Background(), &StructuredResponse{})
	if len(dr.SyncResults) != 0 {
		t.Errorf("sync results = %v", dr.SyncResults)
	}
	if len(dr.DelegatedIntents) != 0 {
		t.Errorf("delegated = %v", dr.DelegatedIntents)
	}
	if len(h.tools.executed) != 0 {
		t.Errorf("tools executed: %v", h.tools.executed)
	}
}

func TestDispatchIsolatesDirectCallFailures(t *testing.T) {
	h := newHarness(t)
	h.tools.results = map[string]any{
		"get_state":     map[string]any{"state": "on"},
		"list_entities": map[string]any{"entities": []any{}},
	}
	h.tools.failures = map[string]error{
		"call_service": fmt.Errorf("ha is down"),
	}

	sr := &StructuredResponse{DirectCalls: []ToolCall{
		{Tool: "get_state"},
		{Tool: "call_service"},
		{Tool: "list_entities"},
	}}

	dr := h.orch.dispatchActions(context.Background(), sr)

	if len(dr.SyncResults) != 3 {
		t.Fatalf("got %d results, want all 3 keys present", len(dr.SyncResults))
	}
	failed, ok := dr.SyncResults["call_service"].(map[string]any)
	if !ok || failed["success"] != false {
		t.Errorf("call_service result = %v, want recorded failure", dr.SyncResults["call_service"])
	}
	if failed["error"] != "ha is down" {
		t.Errorf("error message = %v", failed["error"])
	}
	if got := dr.SyncResults["get_state"].(map[string]any)["state"]; got != "on" {
		t.Errorf("get_state result = %v", got)
	}
	if len(h.tools.executed) != 3 {
		t.Errorf("executed %v, want all three attempted", h.tools.executed)
	}
}

func TestDispatchMemoryQueriesGetNumberedKeys(t *testing.T) {
	h := newHarness(t)
	h.tools.results = map[string]any{
		"memory_search": map[string]any{"matches": []any{}},
	}

	sr := &StructuredResponse{MemoryQueries: []MemoryQuery{
		{Query: "favorite color"},
		{Query: "camp location"},
	}}

	dr := h.orch.dispatchActions(context.Background(), sr)

	for _, key := range []string{"memory_search_1", "memory_search_2"} {
		if _, ok := dr.SyncResults[key]; !ok {
			t.Errorf("missing result key %q, have %v", key, dr.SyncResults)
		}
	}
}

func TestDispatchDelegatesIntentsVerbatim(t *testing.T) {
	h := newHarness(t)

	intents := []ToolIntent{
		{Tool: "call_service", Intent: "start a slow rainbow fade", Parameters: map[string]any{"speed": "slow"}},
	}
	dr := h.orch.dispatchActions(context.Background(), &StructuredResponse{ToolIntents: intents})

	if len(dr.DelegatedIntents) != 1 {
		t.Fatalf("delegated = %+v", dr.DelegatedIntents)
	}
	if dr.DelegatedIntents[0].Intent != "start a slow rainbow fade" {
		t.Errorf("intent = %q", dr.DelegatedIntents[0].Intent)
	}
	if dr.DelegatedIntents[0].Parameters["speed"] != "slow" {
		t.Errorf("parameters = %v", dr.DelegatedIntents[0].Parameters)
	}
	// Delegated intents are never executed inline.
	if len(h.tools.executed) != 0 {
		t.Errorf("tools executed: %v", h.tools.executed)
	}
}

func TestDispatchCollectsQueryFacts(t *testing.T) {
	h := newHarness(t)
	h.tools.results = map[string]any{
		"get_state":    map[string]any{"state": "87"},
		"call_service": map[string]any{"success": true},
	}
	h.tools.classes = map[string]tools.Intent{
		"get_state":    tools.IntentQuery,
		"call_service": tools.IntentAction,
	}

	sr := &StructuredResponse{DirectCalls: []ToolCall{
		{Tool: "get_state"},
		{Tool: "call_service"},
	}}
	dr := h.orch.dispatchActions(context.Background(), sr)

	if len(dr.QueryFacts) != 1 {
		t.Fatalf("query facts = %+v, want just the query tool", dr.QueryFacts)
	}
	if dr.QueryFacts[0].Tool != "get_state" {
		t.Errorf("fact tool = %q", dr.QueryFacts[0].Tool)
	}
}
