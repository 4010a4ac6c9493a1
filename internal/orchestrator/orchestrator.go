// Package orchestrator runs the per-turn pipeline: resolve the session,
// assemble the prompt, ask the narrative model what to say and do, execute
// the synchronous half of its requests, synthesize speech, and finalize
// the turn. Delegated intents are handed to the async worker; their
// results come back through the conversation's pending results on a later
// turn.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Orchestrator coordinates the six pipeline stages for every turn.
type Orchestrator struct {
	store    ConversationStore
	personas PersonaSource
	builder  PromptBuilder
	model    ModelClient
	tools    ToolExecutor
	async    IntentDispatcher

	defaultModel string
	amendModel   string
	logger       *slog.Logger
	now          func() time.Time

	schema    *jsonschema.Schema
	schemaRaw json.RawMessage
	amendRaw  json.RawMessage

	// sessionLocks serializes turns per inbound session id so concurrent
	// requests cannot race on the same conversation's pending results.
	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// New creates an orchestrator. async may be nil when no worker is running;
// delegated intents are then dropped with a warning.
func New(store ConversationStore, personas PersonaSource, builder PromptBuilder, model ModelClient, tools ToolExecutor, async IntentDispatcher, defaultModel string, logger *slog.Logger) (*Orchestrator, error) {
	schema, err := compileSchema("conversation_response.json", responseSchema)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		store:        store,
		personas:     personas,
		builder:      builder,
		model:        model,
		tools:        tools,
		async:        async,
		defaultModel: defaultModel,
		logger:       logger,
		now:          time.Now,
		schema:       schema,
		schemaRaw:    json.RawMessage(responseSchema),
		amendRaw:     json.RawMessage(amendSchema),
		sessionLocks: make(map[string]*sync.Mutex),
	}, nil
}

// SetAmendModel selects a separate (typically cheaper) model for the
// speech amendment pass. Empty keeps the default model.
func (o *Orchestrator) SetAmendModel(model string) {
	o.amendModel = model
}

// RunTurn executes one full pipeline pass for an inbound utterance.
// Turns for the same session id run one at a time.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	lock := o.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	start := o.now()

	rs, err := o.resolveSession(req.SessionID, req.Context)
	if err != nil {
		return nil, err
	}

	messages, err := o.assemblePrompt(rs, req.Message)
	if err != nil {
		return nil, err
	}

	model := o.defaultModel
	sr, err := o.requestIntention(ctx, messages, req.Message, model)
	if err != nil {
		return nil, err
	}

	dr := o.dispatchActions(ctx, sr)
	ai := o.synthesizeResponse(ctx, sr, dr, messages, model)

	hass, err := o.finalizeTurn(rs, req.Message, model, sr, dr, ai)
	if err != nil {
		return nil, err
	}

	// Async work is enqueued only after the turn is durably recorded.
	if len(dr.DelegatedIntents) > 0 {
		if o.async != nil {
			o.async.Dispatch(rs.Conversation.ID, dr.DelegatedIntents)
		} else {
			o.logger.Warn("no async dispatcher, dropping delegated intents",
				"count", len(dr.DelegatedIntents))
		}
	}

	o.logger.Info("turn complete",
		"session_id", rs.SessionID,
		"conversation_id", rs.Conversation.ID,
		"sync_tools", len(dr.SyncResults),
		"delegated", len(dr.DelegatedIntents),
		"continue", hass.ContinueConversation,
		"duration", o.now().Sub(start))

	return &TurnResult{
		Response:       hass,
		AIResponse:     ai,
		SessionID:      rs.SessionID,
		ConversationID: rs.Conversation.ID,
	}, nil
}

// sessionLock returns the mutex for an inbound session id, creating it on
// first use. Locks are keyed by the original id, not the stale-derived
// one, so a rewrite and a concurrent retry still serialize.
func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.sessionLocks[sessionID] = lock
	}
	return lock
}
