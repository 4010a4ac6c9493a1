// Package store persists conversations, turns, and pending tool results
// in SQLite. A conversation groups the turns of one voice session; at most
// one conversation per session id may be active at a time, enforced by a
// partial unique index.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Conversation is one session-scoped exchange. EndedAt is nil while the
// conversation is active.
type Conversation struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	PersonaID string     `json:"persona_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the conversation has not been ended.
func (c *Conversation) Active() bool {
	return c.EndedAt == nil
}

// Turn is a single user message and the agent's reply, with the tool
// results produced while handling it and the narrative metadata the model
// emitted alongside its speech.
type Turn struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	UserMessage    string          `json:"user_message"`
	AIResponse     string          `json:"ai_response"`
	ToolResults    map[string]any  `json:"tool_results,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store wraps the SQLite database holding all conversation state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at dbPath and runs
// migrations. WAL mode keeps the reader side (API history endpoints)
// from blocking turn writes.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a store on an existing database connection, running
// migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversation store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection so sibling stores can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			persona_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at   TEXT,
			metadata   TEXT NOT NULL DEFAULT '{}'
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_session
			ON conversations(session_id) WHERE ended_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_conversations_started
			ON conversations(started_at DESC);

		CREATE TABLE IF NOT EXISTS turns (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_message    TEXT NOT NULL,
			ai_response     TEXT NOT NULL,
			tool_results    TEXT,
			metadata        TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_conversation
			ON turns(conversation_id, created_at ASC);
	`)
	return err
}

// CreateConversation starts a new active conversation for the session.
// The active-session unique index rejects a second concurrent conversation
// for the same session id.
func (s *Store) CreateConversation(sessionID, personaID string) (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate conversation id: %w", err)
	}

	conv := &Conversation{
		ID:        id.String(),
		SessionID: sessionID,
		PersonaID: personaID,
		StartedAt: time.Now().UTC(),
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, session_id, persona_id, started_at, metadata)
		VALUES (?, ?, ?, ?, '{}')`,
		conv.ID, conv.SessionID, conv.PersonaID,
		conv.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// ActiveConversation returns the active conversation for a session id, or
// nil when the session has none.
func (s *Store) ActiveConversation(sessionID string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, persona_id, started_at, ended_at
		FROM conversations
		WHERE session_id = ? AND ended_at IS NULL`,
		sessionID,
	)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return conv, err
}

// GetConversation retrieves a conversation by id, or nil when not found.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, persona_id, started_at, ended_at
		FROM conversations WHERE id = ?`,
		id,
	)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return conv, err
}

// ListConversations returns conversations newest-first. A limit of 0
// returns everything.
func (s *Store) ListConversations(limit int) ([]*Conversation, error) {
	query := `
		SELECT id, session_id, persona_id, started_at, ended_at
		FROM conversations ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// EndConversation marks a conversation as ended. Ending an already ended
// conversation is a no-op.
func (s *Store) EndConversation(id string) error {
	_, err := s.db.Exec(`
		UPDATE conversations SET ended_at = ?
		WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("end conversation %s: %w", id, err)
	}
	return nil
}

// LastActivity returns the time of the conversation's most recent turn, or
// its start time when no turns exist yet. Staleness decisions key off this.
func (s *Store) LastActivity(conversationID string) (time.Time, error) {
	var latest sql.NullString
	err := s.db.QueryRow(`
		SELECT MAX(created_at) FROM turns WHERE conversation_id = ?`,
		conversationID,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest turn time: %w", err)
	}
	if latest.Valid && latest.String != "" {
		return parseTime(latest.String)
	}

	var started string
	err = s.db.QueryRow(`
		SELECT started_at FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&started)
	if err != nil {
		return time.Time{}, fmt.Errorf("conversation start time: %w", err)
	}
	return parseTime(started)
}

// ActiveConversationCount returns how many conversations are currently open.
func (s *Store) ActiveConversationCount() (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM conversations WHERE ended_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active conversations: %w", err)
	}
	return n, nil
}

// LastTurnTime returns the creation time of the most recent turn across all
// conversations, or the zero time when no turns exist.
func (s *Store) LastTurnTime() (time.Time, error) {
	var latest sql.NullString
	err := s.db.QueryRow(`SELECT MAX(created_at) FROM turns`).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("last turn time: %w", err)
	}
	if !latest.Valid || latest.String == "" {
		return time.Time{}, nil
	}
	return parseTime(latest.String)
}

// CreateTurn persists a completed turn. ID and CreatedAt are assigned here.
func (s *Store) CreateTurn(t *Turn) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate turn id: %w", err)
	}
	t.ID = id.String()
	t.CreatedAt = time.Now().UTC()

	var resultsJSON []byte
	if t.ToolResults != nil {
		resultsJSON, err = json.Marshal(t.ToolResults)
		if err != nil {
			return fmt.Errorf("marshal tool results: %w", err)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO turns (id, conversation_id, user_message, ai_response,
			tool_results, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ConversationID, t.UserMessage, t.AIResponse,
		nullableText(resultsJSON), nullableText(t.Metadata),
		t.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("create turn: %w", err)
	}
	return nil
}

// RecentTurns returns the most recent turns of a conversation in
// chronological order, ready for prompt history.
func (s *Store) RecentTurns(conversationID string, limit int) ([]*Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, user_message, ai_response,
			tool_results, metadata, created_at
		FROM (
			SELECT * FROM turns
			WHERE conversation_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTurns(rows)
}

// Turns returns every turn of a conversation in chronological order.
func (s *Store) Turns(conversationID string) ([]*Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, user_message, ai_response,
			tool_results, metadata, created_at
		FROM turns WHERE conversation_id = ?
		ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTurns(rows)
}

// SearchTurns finds past turns whose user message or reply contains the
// query text, newest-first. Backs the memory_search tool.
func (s *Store) SearchTurns(query string, limit int) ([]*Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT id, conversation_id, user_message, ai_response,
			tool_results, metadata, created_at
		FROM turns
		WHERE user_message LIKE ? OR ai_response LIKE ?
		ORDER BY created_at DESC LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTurns(rows)
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*Conversation, error) {
	var conv Conversation
	var started string
	var ended sql.NullString

	err := s.Scan(&conv.ID, &conv.SessionID, &conv.PersonaID, &started, &ended)
	if err != nil {
		return nil, err
	}

	conv.StartedAt, err = parseTime(started)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		t, err := parseTime(ended.String)
		if err != nil {
			return nil, err
		}
		conv.EndedAt = &t
	}
	return &conv, nil
}

func scanTurns(rows *sql.Rows) ([]*Turn, error) {
	var turns []*Turn
	for rows.Next() {
		var t Turn
		var resultsJSON, metaJSON sql.NullString
		var created string

		err := rows.Scan(&t.ID, &t.ConversationID, &t.UserMessage,
			&t.AIResponse, &resultsJSON, &metaJSON, &created)
		if err != nil {
			return nil, err
		}

		t.CreatedAt, err = parseTime(created)
		if err != nil {
			return nil, err
		}
		if resultsJSON.Valid && resultsJSON.String != "" {
			if err := json.Unmarshal([]byte(resultsJSON.String), &t.ToolResults); err != nil {
				return nil, fmt.Errorf("unmarshal tool results for turn %s: %w", t.ID, err)
			}
		}
		if metaJSON.Valid && metaJSON.String != "" {
			t.Metadata = json.RawMessage(metaJSON.String)
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
