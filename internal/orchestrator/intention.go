package orchestrator

import (
	"context"
	"strings"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/llm"
)

// requestIntention invokes the narrative model under the structured-output
// contract and returns its validated response. The call is not retried
// here; the model client owns any retry policy.
func (o *Orchestrator) requestIntention(ctx context.Context, messages []llm.Message, userMessage, model string) (*StructuredResponse, error) {
	if len(messages) == 0 {
		return nil, &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if strings.TrimSpace(userMessage) == "" {
		return nil, &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if strings.TrimSpace(model) == "" {
		return nil, &ValidationError{Field: "model", Reason: "must not be empty"}
	}

	result, err := o.model.Invoke(ctx, model, messages, o.schemaRaw)
	if err != nil {
		return nil, &LlmCallError{Model: model, Err: err}
	}

	sr, err := o.parseStructuredResponse(result.Payload)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("model intention",
		"model", model,
		"direct_calls", len(sr.DirectCalls),
		"memory_queries", len(sr.MemoryQueries),
		"tool_intents", len(sr.ToolIntents),
		"continue", sr.ContinueConversation)
	return sr, nil
}
