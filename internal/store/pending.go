package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PendingTTL is how long an async tool result stays relevant. The deadline
// is stamped when the result is written, not recomputed on read.
const PendingTTL = 5 * time.Minute

// pendingEnvelopeVersion identifies the serialized envelope layout so a
// future migration can detect old blobs.
const pendingEnvelopeVersion = 1

// PendingResult is the outcome of one delegated tool intent, parked on the
// conversation until the next turn picks it up. Consumed results are kept
// for inspection but never delivered again.
type PendingResult struct {
	ID         string    `json:"id"`
	ToolName   string    `json:"tool_name"`
	Intent     string    `json:"intent"`
	Result     any       `json:"result"`
	ProducedAt time.Time `json:"produced_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Consumed   bool      `json:"consumed"`
}

// Fresh reports whether the result is still within its delivery window.
func (p *PendingResult) Fresh(now time.Time) bool {
	return now.Before(p.ExpiresAt)
}

// pendingEnvelope is the versioned container serialized into the
// conversation metadata blob.
type pendingEnvelope struct {
	Version int             `json:"version"`
	Results []PendingResult `json:"results"`
}

// AppendPendingResult parks an async tool outcome on the conversation.
// ID, ProducedAt, and ExpiresAt are assigned here so every stored result
// carries an explicit deadline.
func (s *Store) AppendPendingResult(conversationID, toolName, intent string, result any) (*PendingResult, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate pending result id: %w", err)
	}

	now := time.Now().UTC()
	pr := PendingResult{
		ID:         id.String(),
		ToolName:   toolName,
		Intent:     intent,
		Result:     result,
		ProducedAt: now,
		ExpiresAt:  now.Add(PendingTTL),
	}

	err = s.updatePending(conversationID, func(env *pendingEnvelope) {
		env.Results = append(env.Results, pr)
	})
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// ConsumePending returns every unconsumed pending result on the
// conversation and marks them consumed in the same transaction, so each
// result is delivered at most once even under concurrent turns.
func (s *Store) ConsumePending(conversationID string) ([]PendingResult, error) {
	var consumed []PendingResult
	err := s.updatePending(conversationID, func(env *pendingEnvelope) {
		for i := range env.Results {
			if env.Results[i].Consumed {
				continue
			}
			consumed = append(consumed, env.Results[i])
			env.Results[i].Consumed = true
		}
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

// PendingCount returns the number of unconsumed pending results on the
// conversation without consuming them.
func (s *Store) PendingCount(conversationID string) (int, error) {
	env, err := s.readPending(s.db, conversationID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range env.Results {
		if !r.Consumed {
			n++
		}
	}
	return n, nil
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *Store) readPending(q querier, conversationID string) (*pendingEnvelope, error) {
	var metaJSON string
	err := q.QueryRow(`
		SELECT metadata FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&metaJSON)
	if err != nil {
		return nil, fmt.Errorf("read conversation metadata: %w", err)
	}

	var meta map[string]json.RawMessage
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal conversation metadata: %w", err)
	}

	env := &pendingEnvelope{Version: pendingEnvelopeVersion}
	if raw, ok := meta["pending_results"]; ok {
		if err := json.Unmarshal(raw, env); err != nil {
			return nil, fmt.Errorf("unmarshal pending results: %w", err)
		}
	}
	return env, nil
}

// updatePending applies fn to the conversation's pending envelope inside a
// transaction. The read-modify-write must not interleave with another
// writer on the same conversation.
func (s *Store) updatePending(conversationID string, fn func(*pendingEnvelope)) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin pending update: %w", err)
	}
	defer tx.Rollback()

	var metaJSON string
	err = tx.QueryRow(`
		SELECT metadata FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&metaJSON)
	if err != nil {
		return fmt.Errorf("read conversation metadata: %w", err)
	}

	var meta map[string]json.RawMessage
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return fmt.Errorf("unmarshal conversation metadata: %w", err)
	}
	if meta == nil {
		meta = make(map[string]json.RawMessage)
	}

	env := pendingEnvelope{Version: pendingEnvelopeVersion}
	if raw, ok := meta["pending_results"]; ok {
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("unmarshal pending results: %w", err)
		}
	}

	fn(&env)
	env.Version = pendingEnvelopeVersion

	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal pending results: %w", err)
	}
	meta["pending_results"] = envJSON

	updated, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal conversation metadata: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE conversations SET metadata = ? WHERE id = ?`,
		string(updated), conversationID,
	)
	if err != nil {
		return fmt.Errorf("write conversation metadata: %w", err)
	}
	return tx.Commit()
}
