package orchestrator

import (
	"context"
	"fmt"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/tools"
)

// actionRequests flattens the model's three request lists into the tagged
// union the dispatcher iterates.
func actionRequests(sr *StructuredResponse) []ActionRequest {
	var reqs []ActionRequest
	for i := range sr.DirectCalls {
		reqs = append(reqs, ActionRequest{Kind: KindDirect, Direct: &sr.DirectCalls[i]})
	}
	for i := range sr.MemoryQueries {
		reqs = append(reqs, ActionRequest{Kind: KindMemoryQuery, Query: &sr.MemoryQueries[i]})
	}
	for i := range sr.ToolIntents {
		reqs = append(reqs, ActionRequest{Kind: KindDelegated, Intent: &sr.ToolIntents[i]})
	}
	return reqs
}

// dispatchActions executes the model's synchronous requests and collects
// its delegated intents. Each sync request is isolated: a failing tool is
// recorded under its key as {success: false, error: ...} and never aborts
// the others. An empty structured response is a valid no-op.
func (o *Orchestrator) dispatchActions(ctx context.Context, sr *StructuredResponse) *DispatchResult {
	dr := &DispatchResult{SyncResults: make(map[string]any)}

	queryN := 0
	for _, req := range actionRequests(sr) {
		switch req.Kind {
		case KindDirect:
			o.runSync(ctx, dr, req.Direct.Tool, req.Direct.Tool, req.Direct.Parameters)

		case KindMemoryQuery:
			queryN++
			key := fmt.Sprintf("memory_search_%d", queryN)
			o.runSync(ctx, dr, key, "memory_search", map[string]any{"query": req.Query.Query})

		case KindDelegated:
			dr.DelegatedIntents = append(dr.DelegatedIntents, *req.Intent)

		default:
			o.logger.Warn("unknown action request kind", "kind", int(req.Kind))
		}
	}
	return dr
}

// runSync executes one synchronous tool call, recording the outcome under
// key and remembering query-tool facts for the amendment pass.
func (o *Orchestrator) runSync(ctx context.Context, dr *DispatchResult, key, tool string, args map[string]any) {
	result, err := o.tools.Execute(ctx, tool, args)
	if err != nil {
		o.logger.Warn("sync tool failed", "tool", tool, "error", err)
		dr.SyncResults[key] = map[string]any{
			"success": false,
			"error":   err.Error(),
		}
		return
	}

	dr.SyncResults[key] = result
	if o.tools.ClassifyIntent(tool) == tools.IntentQuery {
		dr.QueryFacts = append(dr.QueryFacts, QueryFact{Tool: tool, Key: key, Result: result})
	}
}
