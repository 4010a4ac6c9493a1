package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/llm"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/persona"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/store"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/tools"
)

// TurnRequest is one inbound user utterance plus its session context.
type TurnRequest struct {
	SessionID string
	Message   string
	Context   map[string]any
}

// TurnResult is everything a front end needs after a completed turn.
type TurnResult struct {
	Response       *HassResponse
	AIResponse     *AIResponse
	SessionID      string
	ConversationID string
}

// ToolCall is a pre-resolved tool invocation the model asked to run
// inline this turn.
type ToolCall struct {
	Tool       string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolIntent is a natural-language request for a tool, resolved and
// executed asynchronously by the worker.
type ToolIntent struct {
	Tool       string         `json:"tool_name"`
	Intent     string         `json:"intent"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// MemoryQuery asks for a synchronous search over past turns.
type MemoryQuery struct {
	Query string `json:"query"`
}

// RequestKind tags the execution class of one action request.
type RequestKind int

const (
	KindDirect RequestKind = iota
	KindDelegated
	KindMemoryQuery
)

// ActionRequest is the tagged union of everything the model can ask the
// dispatcher to do. Exactly one pointer is set, selected by Kind.
type ActionRequest struct {
	Kind   RequestKind
	Direct *ToolCall
	Intent *ToolIntent
	Query  *MemoryQuery
}

// StructuredResponse is the validated shape of the narrative model's
// output for one turn.
type StructuredResponse struct {
	SpeechText           string        `json:"speech_text"`
	ContinueConversation bool          `json:"continue_conversation"`
	InnerThoughts        string        `json:"inner_thoughts"`
	CurrentMood          string        `json:"current_mood,omitempty"`
	PressingQuestions    string        `json:"pressing_questions,omitempty"`
	GoalProgress         string        `json:"goal_progress,omitempty"`
	ToolIntents          []ToolIntent  `json:"tool_intents,omitempty"`
	MemoryQueries        []MemoryQuery `json:"search_memories,omitempty"`
	DirectCalls          []ToolCall    `json:"direct_tool_calls,omitempty"`
}

// QueryFact is one synchronous query-tool result, kept aside for the
// amendment pass.
type QueryFact struct {
	Tool   string
	Key    string
	Result any
}

// DispatchResult is the outcome of the action dispatch stage.
type DispatchResult struct {
	SyncResults      map[string]any
	DelegatedIntents []ToolIntent
	QueryFacts       []QueryFact
}

// AIResponse is the finalized spoken response for one turn.
type AIResponse struct {
	ID                   string `json:"id"`
	Text                 string `json:"text"`
	SpeechText           string `json:"speech_text"`
	ContinueConversation bool   `json:"continue_conversation"`
	InnerThoughts        string `json:"inner_thoughts,omitempty"`
	CurrentMood          string `json:"current_mood,omitempty"`
	Success              bool   `json:"success"`
}

// SuccessEntity reports one affected resource to the voice front end.
// Delegated intents appear with state "pending".
type SuccessEntity struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

// HassResponse is the protocol payload returned to the Home Assistant
// conversation component.
type HassResponse struct {
	SpeechText           string          `json:"speech_text"`
	ContinueConversation bool            `json:"continue_conversation"`
	EndConversation      bool            `json:"end_conversation"`
	SuccessEntities      []SuccessEntity `json:"success_entities"`
	Targets              []string        `json:"targets"`
	ConversationID       string          `json:"conversation_id"`
}

// turnMetadata is the narrative side channel persisted with each turn.
// Pointer fields serialize as explicit nulls when the model omitted them.
type turnMetadata struct {
	Model             string       `json:"model"`
	InnerThoughts     *string      `json:"inner_thoughts"`
	CurrentMood       *string      `json:"current_mood"`
	PressingQuestions *string      `json:"pressing_questions"`
	GoalProgress      *string      `json:"goal_progress"`
	DelegatedIntents  []ToolIntent `json:"delegated_intents"`
}

// resolvedSession is the session resolver's output for one turn.
type resolvedSession struct {
	Conversation *store.Conversation
	Persona      *persona.Persona
	SessionID    string
}

// ConversationStore is the persistence surface the pipeline depends on.
type ConversationStore interface {
	ActiveConversation(sessionID string) (*store.Conversation, error)
	CreateConversation(sessionID, personaID string) (*store.Conversation, error)
	EndConversation(id string) error
	LastActivity(conversationID string) (time.Time, error)
	CreateTurn(t *store.Turn) error
	ConsumePending(conversationID string) ([]store.PendingResult, error)
}

// PersonaSource resolves which persona speaks.
type PersonaSource interface {
	Current() *persona.Persona
	Get(id string) *persona.Persona
}

// PromptBuilder assembles the base message list for a turn.
type PromptBuilder interface {
	Build(conv *store.Conversation, p *persona.Persona, userMessage string) ([]llm.Message, error)
}

// ModelClient invokes the narrative model with a structured-output schema.
type ModelClient interface {
	Invoke(ctx context.Context, model string, messages []llm.Message, schema json.RawMessage) (*llm.Result, error)
}

// ToolExecutor runs tools and classifies their intent.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
	ClassifyIntent(name string) tools.Intent
}

// IntentDispatcher hands delegated intents to the async worker. It must
// not block the turn.
type IntentDispatcher interface {
	Dispatch(conversationID string, intents []ToolIntent)
}
