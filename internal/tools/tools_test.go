package tools

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/fetch"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/homeassistant"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/store"
)

type fakeHA struct {
	states      []homeassistant.State
	calledWith  map[string]any
	calledSvc   string
	callErr     error
	getStateErr error
}

func (f *fakeHA) GetState(ctx context.Context, entityID string) (*homeassistant.State, error) {
	if f.getStateErr != nil {
		return nil, f.getStateErr
	}
	for i := range f.states {
		if f.states[i].EntityID == entityID {
			return &f.states[i], nil
		}
	}
	return nil, fmt.Errorf("entity %s not found", entityID)
}

func (f *fakeHA) GetStates(ctx context.Context) ([]homeassistant.State, error) {
	return f.states, nil
}

func (f *fakeHA) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	f.calledSvc = domain + "." + service
	f.calledWith = data
	return f.callErr
}

type fakeMemory struct {
	turns []*store.Turn
}

func (f *fakeMemory) SearchTurns(query string, limit int) ([]*store.Turn, error) {
	return f.turns, nil
}

type fakeFetcher struct {
	page *fetch.Page
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, maxChars int) (*fetch.Page, error) {
	return f.page, f.err
}

func testStates() []homeassistant.State {
	return []homeassistant.State{
		{EntityID: "light.cube_inner", State: "on", Attributes: map[string]any{"friendly_name": "Inner Light"}},
		{EntityID: "light.cube_outer", State: "off", Attributes: map[string]any{"friendly_name": "Outer Light"}},
		{EntityID: "sensor.battery_level", State: "87", Attributes: map[string]any{"unit_of_measurement": "%"}},
	}
}

func TestClassifyIntent(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	tests := []struct {
		tool string
		want Intent
	}{
		{"get_state", IntentQuery},
		{"list_entities", IntentQuery},
		{"memory_search", IntentQuery},
		{"fetch_webpage", IntentQuery},
		{"call_service", IntentAction},
		{"no_such_tool", IntentAction},
	}
	for _, tt := range tests {
		if got := r.ClassifyIntent(tt.tool); got != tt.want {
			t.Errorf("ClassifyIntent(%q) = %q, want %q", tt.tool, got, tt.want)
		}
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	if _, err := r.Execute(context.Background(), "teleport", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestGetState(t *testing.T) {
	r := NewRegistry(&fakeHA{states: testStates()}, nil, nil)

	out, err := r.Execute(context.Background(), "get_state",
		map[string]any{"entity_id": "sensor.battery_level"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	result := out.(map[string]any)
	if result["state"] != "87" {
		t.Errorf("state = %v", result["state"])
	}
	if result["unit"] != "%" {
		t.Errorf("unit = %v", result["unit"])
	}

	if _, err := r.Execute(context.Background(), "get_state", map[string]any{}); err == nil {
		t.Error("expected error for missing entity_id")
	}
}

func TestListEntitiesFiltersAndLimits(t *testing.T) {
	r := NewRegistry(&fakeHA{states: testStates()}, nil, nil)

	out, err := r.Execute(context.Background(), "list_entities",
		map[string]any{"domain": "light"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	entities := out.(map[string]any)["entities"].([]map[string]any)
	if len(entities) != 2 {
		t.Fatalf("got %d entities, want 2", len(entities))
	}

	out, err = r.Execute(context.Background(), "list_entities",
		map[string]any{"domain": "light", "limit": float64(1)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	entities = out.(map[string]any)["entities"].([]map[string]any)
	if len(entities) != 1 {
		t.Errorf("got %d entities with limit 1", len(entities))
	}
}

func TestCallServiceMergesEntityID(t *testing.T) {
	ha := &fakeHA{}
	r := NewRegistry(ha, nil, nil)

	out, err := r.Execute(context.Background(), "call_service", map[string]any{
		"domain":    "light",
		"service":   "turn_on",
		"entity_id": "light.cube_inner",
		"data":      map[string]any{"brightness": float64(255)},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ha.calledSvc != "light.turn_on" {
		t.Errorf("called %q", ha.calledSvc)
	}
	if ha.calledWith["entity_id"] != "light.cube_inner" {
		t.Errorf("entity_id not merged into service data: %v", ha.calledWith)
	}
	if ha.calledWith["brightness"] != float64(255) {
		t.Errorf("service data lost: %v", ha.calledWith)
	}
	if out.(map[string]any)["success"] != true {
		t.Errorf("result = %v", out)
	}

	if _, err := r.Execute(context.Background(), "call_service",
		map[string]any{"domain": "light"}); err == nil {
		t.Error("expected error for missing service and entity_id")
	}
}

func TestCallServiceFailure(t *testing.T) {
	ha := &fakeHA{callErr: fmt.Errorf("service light.flash not found")}
	r := NewRegistry(ha, nil, nil)

	_, err := r.Execute(context.Background(), "call_service", map[string]any{
		"domain": "light", "service": "flash", "entity_id": "light.cube_inner",
	})
	if err == nil {
		t.Error("expected service call error to propagate")
	}
}

func TestMemorySearch(t *testing.T) {
	mem := &fakeMemory{turns: []*store.Turn{
		{UserMessage: "my name is Dana", AIResponse: "Nice to meet you, Dana!", CreatedAt: time.Now()},
	}}
	r := NewRegistry(nil, mem, nil)

	out, err := r.Execute(context.Background(), "memory_search",
		map[string]any{"query": "name"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	matches := out.(map[string]any)["matches"].([]map[string]any)
	if len(matches) != 1 {
		t.Fatalf("got %d matches", len(matches))
	}
	if matches[0]["user_said"] != "my name is Dana" {
		t.Errorf("match = %v", matches[0])
	}

	if _, err := r.Execute(context.Background(), "memory_search",
		map[string]any{"query": "  "}); err == nil {
		t.Error("expected error for blank query")
	}
}

func TestFetchWebpage(t *testing.T) {
	f := &fakeFetcher{page: &fetch.Page{URL: "https://example.com", Title: "Example", Text: "hello"}}
	r := NewRegistry(nil, nil, f)

	out, err := r.Execute(context.Background(), "fetch_webpage",
		map[string]any{"url": "example.com"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	result := out.(map[string]any)
	if result["title"] != "Example" || result["text"] != "hello" {
		t.Errorf("result = %v", result)
	}
}

func TestUnconfiguredDependencies(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	for _, tc := range []struct {
		tool string
		args map[string]any
	}{
		{"get_state", map[string]any{"entity_id": "light.cube_inner"}},
		{"call_service", map[string]any{"domain": "light", "service": "turn_on", "entity_id": "light.cube_inner"}},
		{"memory_search", map[string]any{"query": "hi"}},
		{"fetch_webpage", map[string]any{"url": "example.com"}},
	} {
		if _, err := r.Execute(context.Background(), tc.tool, tc.args); err == nil {
			t.Errorf("%s: expected error without backing dependency", tc.tool)
		}
	}
}

func TestDescribeListsEveryTool(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	defs := r.Describe()
	names := r.Names()
	if len(defs) != len(names) {
		t.Fatalf("Describe returned %d defs for %d tools", len(defs), len(names))
	}

	for i, def := range defs {
		if def["name"] != names[i] {
			t.Errorf("defs[%d] name = %v, want %s", i, def["name"], names[i])
		}
		if def["description"] == "" {
			t.Errorf("%s: empty description", names[i])
		}
		intent, _ := def["intent"].(string)
		if intent != string(IntentQuery) && intent != string(IntentAction) {
			t.Errorf("%s: intent = %q", names[i], intent)
		}
		if def["parameters"] == nil {
			t.Errorf("%s: missing parameters", names[i])
		}
	}
}
