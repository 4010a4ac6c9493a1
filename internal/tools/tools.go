// Package tools defines the tools the model can invoke during a turn,
// either synchronously (direct calls, memory queries) or asynchronously
// (delegated intents executed by the worker).
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/fetch"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/homeassistant"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/store"
)

// Intent classifies what a tool does with the world. Query tools produce
// facts worth restating in speech; action tools change device state.
type Intent string

const (
	IntentQuery  Intent = "query"
	IntentAction Intent = "action"
)

// Tool is one callable capability.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Intent      Intent
	Handler     func(ctx context.Context, args map[string]any) (any, error)
}

// HomeAssistant is the subset of the Home Assistant client the built-in
// tools need.
type HomeAssistant interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	GetStates(ctx context.Context) ([]homeassistant.State, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// MemorySource searches past turns for the memory_search tool.
type MemorySource interface {
	SearchTurns(query string, limit int) ([]*store.Turn, error)
}

// PageFetcher downloads a web page as readable text.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, maxChars int) (*fetch.Page, error)
}

// Registry holds the available tools.
type Registry struct {
	tools   map[string]*Tool
	ha      HomeAssistant
	memory  MemorySource
	fetcher PageFetcher
}

// NewRegistry creates a registry with the built-in tools. Any dependency
// may be nil; the corresponding tools then fail at call time with a clear
// error instead of at startup.
func NewRegistry(ha HomeAssistant, memory MemorySource, fetcher PageFetcher) *Registry {
	r := &Registry{
		tools:   make(map[string]*Tool),
		ha:      ha,
		memory:  memory,
		fetcher: fetcher,
	}
	r.registerBuiltins()
	return r
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the tool definitions in the shape the prompt and
// schema embed.
func (r *Registry) Describe() []map[string]any {
	var defs []map[string]any
	for _, name := range r.Names() {
		t := r.tools[name]
		defs = append(defs, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"intent":      string(t.Intent),
			"parameters":  t.Parameters,
		})
	}
	return defs
}

// Execute runs a tool by name. Unknown tools and handler failures are
// returned as errors; recording them per-tool is the caller's concern.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	t := r.tools[name]
	if t == nil {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return t.Handler(ctx, args)
}

// ClassifyIntent reports a tool's intent class. Unknown tools classify as
// actions so their results are never restated as facts.
func (r *Registry) ClassifyIntent(name string) Intent {
	if t := r.tools[name]; t != nil {
		return t.Intent
	}
	return IntentAction
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "get_state",
		Description: "Get the current state of a Home Assistant entity. Use this to check lights, sensors, doors, temperatures.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The entity ID (e.g., light.cube_inner, sensor.battery_level)",
				},
			},
			"required": []string{"entity_id"},
		},
		Intent:  IntentQuery,
		Handler: r.handleGetState,
	})

	r.Register(&Tool{
		Name:        "list_entities",
		Description: "List entities in a domain (e.g., all lights). Use this to discover what exists before controlling it.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "The domain to list (e.g., light, switch, sensor)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum entities to return (default 20)",
				},
			},
			"required": []string{"domain"},
		},
		Intent:  IntentQuery,
		Handler: r.handleListEntities,
	})

	r.Register(&Tool{
		Name:        "call_service",
		Description: "Call a Home Assistant service to control a device: lights, sound, motors.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "The service domain (e.g., light, media_player)",
				},
				"service": map[string]any{
					"type":        "string",
					"description": "The service to call (e.g., turn_on, turn_off)",
				},
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The target entity ID",
				},
				"data": map[string]any{
					"type":        "object",
					"description": "Additional service data (e.g., brightness, rgb_color)",
				},
			},
			"required": []string{"domain", "service", "entity_id"},
		},
		Intent:  IntentAction,
		Handler: r.handleCallService,
	})

	r.Register(&Tool{
		Name:        "fetch_webpage",
		Description: "Fetch a web page and return its readable text. Use for weather, event schedules, or anything on the public web.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The page URL",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Truncate extracted text to this many characters",
				},
			},
			"required": []string{"url"},
		},
		Intent:  IntentQuery,
		Handler: r.handleFetchWebpage,
	})

	r.Register(&Tool{
		Name:        "memory_search",
		Description: "Search past conversation turns for something said before.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Text to look for in past turns",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum matches to return (default 5)",
				},
			},
			"required": []string{"query"},
		},
		Intent:  IntentQuery,
		Handler: r.handleMemorySearch,
	})
}

func (r *Registry) handleGetState(ctx context.Context, args map[string]any) (any, error) {
	if r.ha == nil {
		return nil, fmt.Errorf("home assistant not configured")
	}
	entityID, _ := args["entity_id"].(string)
	if entityID == "" {
		return nil, fmt.Errorf("entity_id is required")
	}

	state, err := r.ha.GetState(ctx, entityID)
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"entity_id": state.EntityID,
		"state":     state.State,
	}
	if name := state.FriendlyName(); name != "" {
		result["friendly_name"] = name
	}
	if unit, ok := state.Attributes["unit_of_measurement"].(string); ok {
		result["unit"] = unit
	}
	return result, nil
}

func (r *Registry) handleListEntities(ctx context.Context, args map[string]any) (any, error) {
	if r.ha == nil {
		return nil, fmt.Errorf("home assistant not configured")
	}
	domain, _ := args["domain"].(string)
	if domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	limit := 20
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	states, err := r.ha.GetStates(ctx)
	if err != nil {
		return nil, err
	}

	var entities []map[string]any
	for _, s := range states {
		if s.Domain() != domain {
			continue
		}
		entities = append(entities, map[string]any{
			"entity_id":     s.EntityID,
			"state":         s.State,
			"friendly_name": s.FriendlyName(),
		})
		if len(entities) >= limit {
			break
		}
	}
	return map[string]any{"domain": domain, "entities": entities}, nil
}

func (r *Registry) handleCallService(ctx context.Context, args map[string]any) (any, error) {
	if r.ha == nil {
		return nil, fmt.Errorf("home assistant not configured")
	}
	domain, _ := args["domain"].(string)
	service, _ := args["service"].(string)
	entityID, _ := args["entity_id"].(string)
	if domain == "" || service == "" || entityID == "" {
		return nil, fmt.Errorf("domain, service, and entity_id are required")
	}

	data, _ := args["data"].(map[string]any)
	if data == nil {
		data = make(map[string]any)
	}
	data["entity_id"] = entityID

	if err := r.ha.CallService(ctx, domain, service, data); err != nil {
		return nil, err
	}
	return map[string]any{
		"success":   true,
		"service":   domain + "." + service,
		"entity_id": entityID,
	}, nil
}

func (r *Registry) handleFetchWebpage(ctx context.Context, args map[string]any) (any, error) {
	if r.fetcher == nil {
		return nil, fmt.Errorf("web fetching not configured")
	}
	url, _ := args["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	maxChars := 0
	if v, ok := args["max_chars"].(float64); ok {
		maxChars = int(v)
	}

	page, err := r.fetcher.Fetch(ctx, url, maxChars)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"url":       page.URL,
		"title":     page.Title,
		"text":      page.Text,
		"truncated": page.Truncated,
	}, nil
}

func (r *Registry) handleMemorySearch(ctx context.Context, args map[string]any) (any, error) {
	if r.memory == nil {
		return nil, fmt.Errorf("memory search not configured")
	}
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit := 5
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	turns, err := r.memory.SearchTurns(query, limit)
	if err != nil {
		return nil, err
	}

	matches := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		matches = append(matches, map[string]any{
			"when":      t.CreatedAt.Format("2006-01-02 15:04"),
			"user_said": t.UserMessage,
			"cube_said": t.AIResponse,
		})
	}
	return map[string]any{"query": query, "matches": matches}, nil
}
