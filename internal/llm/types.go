// Package llm provides the narrative model client.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the narrative model.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Usage carries provider-neutral token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the outcome of one structured invocation: the decoded JSON
// payload plus call metadata.
type Result struct {
	Payload   map[string]any
	Model     string
	Usage     Usage
	CreatedAt time.Time
}
