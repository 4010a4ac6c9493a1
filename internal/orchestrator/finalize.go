package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/store"
)

// finalizeTurn persists the completed turn, settles conversation
// continuation, and shapes the protocol response. Any failure here
// surfaces as a single FinalizationError; tool side effects are not
// rolled back.
func (o *Orchestrator) finalizeTurn(rs *resolvedSession, userMessage, model string, sr *StructuredResponse, dr *DispatchResult, ai *AIResponse) (*HassResponse, error) {
	// Pending async work overrides an explicit stop: the conversation
	// stays open so the result has somewhere to land.
	keepActive := sr.ContinueConversation || len(dr.DelegatedIntents) > 0

	metaJSON, err := json.Marshal(turnMetadata{
		Model:             model,
		InnerThoughts:     optional(sr.InnerThoughts),
		CurrentMood:       optional(sr.CurrentMood),
		PressingQuestions: optional(sr.PressingQuestions),
		GoalProgress:      optional(sr.GoalProgress),
		DelegatedIntents:  dr.DelegatedIntents,
	})
	if err != nil {
		return nil, &FinalizationError{Err: fmt.Errorf("marshal turn metadata: %w", err)}
	}

	turn := &store.Turn{
		ConversationID: rs.Conversation.ID,
		UserMessage:    userMessage,
		AIResponse:     ai.SpeechText,
		ToolResults:    dr.SyncResults,
		Metadata:       metaJSON,
	}
	if err := o.store.CreateTurn(turn); err != nil {
		return nil, &FinalizationError{Err: fmt.Errorf("persist turn: %w", err)}
	}

	if !keepActive && rs.Conversation.Active() {
		if err := o.store.EndConversation(rs.Conversation.ID); err != nil {
			return nil, &FinalizationError{Err: fmt.Errorf("end conversation: %w", err)}
		}
	}

	return &HassResponse{
		SpeechText:           ai.SpeechText,
		ContinueConversation: keepActive,
		EndConversation:      !keepActive,
		SuccessEntities:      successEntities(dr),
		Targets:              []string{},
		ConversationID:       rs.Conversation.ID,
	}, nil
}

// successEntities reports one entry per synchronous tool outcome plus a
// pending entry per delegated intent, so the caller can tell completed
// effects from in-flight ones.
func successEntities(dr *DispatchResult) []SuccessEntity {
	entities := make([]SuccessEntity, 0, len(dr.SyncResults)+len(dr.DelegatedIntents))

	keys := make([]string, 0, len(dr.SyncResults))
	for k := range dr.SyncResults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		state := "success"
		if m, ok := dr.SyncResults[k].(map[string]any); ok {
			if success, ok := m["success"].(bool); ok && !success {
				state = "error"
			}
		}
		entities = append(entities, SuccessEntity{EntityID: k, State: state})
	}

	for _, intent := range dr.DelegatedIntents {
		entities = append(entities, SuccessEntity{EntityID: intent.Tool, State: "pending"})
	}
	return entities
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
