package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// StateCache maintains an in-memory snapshot of entity states, primed
// from a full REST state dump and kept current by state_changed events
// from the WebSocket. The prompt builder reads it to give the narrative
// model ambient awareness of the house without spending a tool call.
type StateCache struct {
	mu      sync.RWMutex
	states  map[string]State
	domains map[string]bool // nil means watch everything
	logger  *slog.Logger
}

// NewStateCache creates a state cache watching the given entity domains.
// An empty domain list watches all entities.
func NewStateCache(watchDomains []string, logger *slog.Logger) *StateCache {
	if logger == nil {
		logger = slog.Default()
	}
	var domains map[string]bool
	if len(watchDomains) > 0 {
		domains = make(map[string]bool, len(watchDomains))
		for _, d := range watchDomains {
			domains[d] = true
		}
	}
	return &StateCache{
		states:  make(map[string]State),
		domains: domains,
		logger:  logger,
	}
}

// Prime loads the full current state from the REST client.
func (sc *StateCache) Prime(ctx context.Context, client *Client) error {
	states, err := client.GetStates(ctx)
	if err != nil {
		return fmt.Errorf("prime state cache: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, s := range states {
		if sc.watches(s.Domain()) {
			sc.states[s.EntityID] = s
		}
	}
	sc.logger.Info("state cache primed", "entities", len(sc.states))
	return nil
}

// Run consumes events from the channel until the context is cancelled
// or the channel is closed. It blocks the calling goroutine.
func (sc *StateCache) Run(ctx context.Context, events <-chan Event) {
	sc.logger.Info("state cache watcher started")
	defer sc.logger.Info("state cache watcher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			sc.handleEvent(ev)
		}
	}
}

func (sc *StateCache) handleEvent(ev Event) {
	if ev.Type != "state_changed" {
		return
	}

	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		sc.logger.Debug("failed to unmarshal state_changed data", "error", err)
		return
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	// NewState is nil when an entity is removed.
	if data.NewState == nil {
		delete(sc.states, data.EntityID)
		return
	}
	if sc.watches(data.NewState.Domain()) {
		sc.states[data.EntityID] = *data.NewState
	}
}

// watches must be called with at least a read lock held or before
// concurrent use; the domains map is never mutated after construction.
func (sc *StateCache) watches(domain string) bool {
	if sc.domains == nil {
		return true
	}
	return sc.domains[domain]
}

// Len returns the number of cached entities.
func (sc *StateCache) Len() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return len(sc.states)
}

// Snapshot formats cached entity states as a prompt-ready block, sorted
// by entity ID for deterministic output. At most limit entries are
// included (0 means no limit).
func (sc *StateCache) Snapshot(limit int) string {
	sc.mu.RLock()
	ids := make([]string, 0, len(sc.states))
	for id := range sc.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	count := 0
	for _, id := range ids {
		if limit > 0 && count >= limit {
			break
		}
		s := sc.states[id]
		fmt.Fprintf(&sb, "- %s (%s): %s\n", s.FriendlyName(), id, s.State)
		count++
	}
	sc.mu.RUnlock()

	if count == 0 {
		return ""
	}
	return "# House State\n\n" + sb.String()
}
