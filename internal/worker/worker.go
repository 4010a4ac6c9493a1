// Package worker executes delegated tool intents asynchronously. The
// orchestrator enqueues intents after a turn finalizes and never waits;
// each outcome lands in the conversation's pending results, where the
// next turn's prompt can pick it up.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/orchestrator"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/store"
)

// DefaultQueueSize bounds the job queue when configuration gives none.
const DefaultQueueSize = 64

// DefaultIntentTimeout bounds one intent's execution.
const DefaultIntentTimeout = 30 * time.Second

// PendingStore parks intent outcomes on a conversation.
type PendingStore interface {
	AppendPendingResult(conversationID, toolName, intent string, result any) (*store.PendingResult, error)
}

// ToolExecutor runs the concrete tool behind an intent.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
}

// ResultNotifier announces a completed intent out of band, e.g. over
// MQTT. May be nil.
type ResultNotifier interface {
	PublishResult(conversationID, toolName string, success bool)
}

type job struct {
	conversationID string
	intent         orchestrator.ToolIntent
}

// Executor consumes the delegated-intent queue.
type Executor struct {
	jobs    chan job
	store   PendingStore
	tools   ToolExecutor
	notify  ResultNotifier
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor creates a worker with a bounded queue. queueSize and
// timeout fall back to defaults when non-positive.
func NewExecutor(pending PendingStore, tools ToolExecutor, notify ResultNotifier, queueSize int, timeout time.Duration, logger *slog.Logger) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultIntentTimeout
	}
	return &Executor{
		jobs:    make(chan job, queueSize),
		store:   pending,
		tools:   tools,
		notify:  notify,
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch enqueues delegated intents without blocking. When the queue is
// full the intent is dropped and logged; the model simply never hears
// back, same as an expired pending result.
func (e *Executor) Dispatch(conversationID string, intents []orchestrator.ToolIntent) {
	for _, intent := range intents {
		select {
		case e.jobs <- job{conversationID: conversationID, intent: intent}:
		default:
			e.logger.Warn("intent queue full, dropping",
				"conversation_id", conversationID,
				"tool", intent.Tool,
				"intent", intent.Intent)
		}
	}
}

// Run consumes jobs until ctx is canceled.
func (e *Executor) Run(ctx context.Context) {
	e.logger.Info("intent worker started",
		"queue_size", cap(e.jobs), "intent_timeout", e.timeout)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("intent worker stopping")
			return
		case j := <-e.jobs:
			e.execute(ctx, j)
		}
	}
}

// execute runs one intent under its timeout and records the outcome
// exactly once, success or failure.
func (e *Executor) execute(ctx context.Context, j job) {
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	result, err := e.tools.Execute(execCtx, j.intent.Tool, j.intent.Parameters)

	var outcome any
	success := err == nil
	if err != nil {
		e.logger.Warn("delegated intent failed",
			"conversation_id", j.conversationID,
			"tool", j.intent.Tool,
			"error", err)
		outcome = map[string]any{"success": false, "error": err.Error()}
	} else {
		outcome = result
	}

	if _, err := e.store.AppendPendingResult(j.conversationID, j.intent.Tool, j.intent.Intent, outcome); err != nil {
		e.logger.Error("failed to park intent result",
			"conversation_id", j.conversationID,
			"tool", j.intent.Tool,
			"error", err)
		return
	}

	e.logger.Debug("delegated intent complete",
		"conversation_id", j.conversationID,
		"tool", j.intent.Tool,
		"success", success,
		"duration", time.Since(start))

	if e.notify != nil {
		e.notify.PublishResult(j.conversationID, j.intent.Tool, success)
	}
}
