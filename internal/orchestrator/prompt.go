package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/llm"
)

// assemblePrompt builds the message list for the turn and injects any
// still-fresh results from earlier async work. Every unconsumed pending
// result is consumed here, injected or not, so each is surfaced to the
// model at most once.
func (o *Orchestrator) assemblePrompt(rs *resolvedSession, userMessage string) ([]llm.Message, error) {
	messages, err := o.builder.Build(rs.Conversation, rs.Persona, userMessage)
	if err != nil {
		return nil, &PromptBuildError{Err: err}
	}

	pending, err := o.store.ConsumePending(rs.Conversation.ID)
	if err != nil {
		return nil, &PromptBuildError{Err: fmt.Errorf("consume pending results: %w", err)}
	}
	if len(pending) == 0 {
		return messages, nil
	}

	now := o.now()
	var injected []llm.Message
	for _, pr := range pending {
		if !pr.Fresh(now) {
			o.logger.Debug("dropping expired pending result",
				"tool", pr.ToolName, "produced_at", pr.ProducedAt)
			continue
		}

		resultJSON, err := json.Marshal(pr.Result)
		if err != nil {
			resultJSON = []byte(fmt.Sprintf("%v", pr.Result))
		}
		injected = append(injected, llm.Message{
			Role: "system",
			Content: fmt.Sprintf(
				"A background task you started earlier has finished.\nRequest: %s\nTool: %s\nResult: %s\nMention this naturally if it is still relevant.",
				pr.Intent, pr.ToolName, resultJSON),
		})
	}
	if len(injected) == 0 {
		return messages, nil
	}

	// Injected results go just before the user's new message so the model
	// reads them as the latest context.
	out := make([]llm.Message, 0, len(messages)+len(injected))
	if n := len(messages); n > 0 {
		out = append(out, messages[:n-1]...)
		out = append(out, injected...)
		out = append(out, messages[n-1])
	} else {
		out = append(out, injected...)
	}
	return out, nil
}
