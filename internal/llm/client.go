package llm

import (
	"context"
	"encoding/json"
)

// Client is the interface the orchestrator uses to talk to the
// narrative model. Implementations raise plain errors on transport or
// provider failure; classification into the turn error taxonomy happens
// at the orchestrator boundary.
type Client interface {
	// Invoke sends a chat completion request with the given JSON schema
	// as a hard output contract and returns the decoded object.
	Invoke(ctx context.Context, model string, messages []Message, schema json.RawMessage) (*Result, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
