package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/persona"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/store"
)

// stalenessWindow bounds both session freshness and pending-result
// relevance. Exactly at the boundary counts as stale.
const stalenessWindow = 5 * time.Minute

// SessionState names where a session sits in its lifecycle.
type SessionState int

const (
	// SessionFresh: no active conversation exists for the session id.
	SessionFresh SessionState = iota
	// SessionActive: an active conversation exists and spoke recently.
	SessionActive
	// SessionRetired: an active conversation exists but idled past the
	// staleness window; it must be ended and replaced.
	SessionRetired
)

func (s SessionState) String() string {
	switch s {
	case SessionFresh:
		return "fresh"
	case SessionActive:
		return "active"
	case SessionRetired:
		return "retired"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// sessionStateOf classifies a session given its active conversation (nil
// when none) and that conversation's last activity time.
func sessionStateOf(conv *store.Conversation, lastActivity, now time.Time) SessionState {
	if conv == nil {
		return SessionFresh
	}
	if now.Sub(lastActivity) < stalenessWindow {
		return SessionActive
	}
	return SessionRetired
}

// resolveSession maps an inbound session id to the conversation this turn
// belongs to, retiring a stale one if needed. The caller must use the
// returned session id for the rest of the turn.
func (o *Orchestrator) resolveSession(sessionID string, turnCtx map[string]any) (*resolvedSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if turnCtx == nil {
		return nil, &ValidationError{Field: "context", Reason: "must not be nil"}
	}

	conv, err := o.store.ActiveConversation(sessionID)
	if err != nil {
		return nil, fmt.Errorf("look up active conversation: %w", err)
	}

	var lastActivity time.Time
	if conv != nil {
		lastActivity, err = o.store.LastActivity(conv.ID)
		if err != nil {
			return nil, fmt.Errorf("conversation last activity: %w", err)
		}
	}

	switch state := sessionStateOf(conv, lastActivity, o.now()); state {
	case SessionActive:
		p := o.personaFor(conv)
		if p == nil {
			return nil, ErrNoPersona
		}
		return &resolvedSession{Conversation: conv, Persona: p, SessionID: sessionID}, nil

	case SessionRetired:
		if err := o.store.EndConversation(conv.ID); err != nil {
			return nil, fmt.Errorf("retire stale conversation: %w", err)
		}
		derived := sessionID + "_stale_" + staleToken()
		o.logger.Info("session went stale",
			"session_id", sessionID,
			"derived_session_id", derived,
			"idle", o.now().Sub(lastActivity))
		return o.startConversation(derived)

	case SessionFresh:
		return o.startConversation(sessionID)

	default:
		return nil, fmt.Errorf("unhandled session state %v", state)
	}
}

func (o *Orchestrator) startConversation(sessionID string) (*resolvedSession, error) {
	p := o.personas.Current()
	if p == nil {
		return nil, ErrNoPersona
	}

	conv, err := o.store.CreateConversation(sessionID, p.ID)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &resolvedSession{Conversation: conv, Persona: p, SessionID: sessionID}, nil
}

// personaFor resolves a continuing conversation's persona, falling back
// to the current selection when the recorded persona no longer exists.
func (o *Orchestrator) personaFor(conv *store.Conversation) *persona.Persona {
	if p := o.personas.Get(conv.PersonaID); p != nil {
		return p
	}
	return o.personas.Current()
}

// staleToken returns the short random suffix appended to a retired
// session id.
func staleToken() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}
