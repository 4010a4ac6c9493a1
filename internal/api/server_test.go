package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/orchestrator"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/store"
)

type fakeRunner struct {
	result  *orchestrator.TurnResult
	err     error
	lastReq orchestrator.TurnRequest
}

func (f *fakeRunner) RunTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error) {
	f.lastReq = req
	return f.result, f.err
}

type fakeHistory struct {
	convs []*store.Conversation
	turns []*store.Turn
}

func (f *fakeHistory) ListConversations(limit int) ([]*store.Conversation, error) {
	return f.convs, nil
}

func (f *fakeHistory) GetConversation(id string) (*store.Conversation, error) {
	for _, c := range f.convs {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeHistory) Turns(conversationID string) ([]*store.Turn, error) {
	return f.turns, nil
}

func testServer(runner *fakeRunner, history *fakeHistory) *Server {
	if history == nil {
		history = &fakeHistory{}
	}
	return NewServer("", 0, runner, history,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func postConversation(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversation", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleConversation(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rec.Body.String())
	}
	return rec, env
}

func TestConversationSuccessEnvelope(t *testing.T) {
	runner := &fakeRunner{result: &orchestrator.TurnResult{
		Response: &orchestrator.HassResponse{
			SpeechText:           "Hello from the cube!",
			ContinueConversation: true,
			SuccessEntities: []orchestrator.SuccessEntity{
				{EntityID: "get_state", State: "success"},
			},
			Targets:        []string{},
			ConversationID: "conv-1",
		},
	}}
	s := testServer(runner, nil)

	rec, env := postConversation(t, s,
		`{"message": "hi cube", "context": {"session_id": "voice_abc", "device_id": "kitchen"}}`)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !env.Success {
		t.Error("expected success envelope")
	}
	if env.Data.ResponseType != "normal" {
		t.Errorf("response_type = %q", env.Data.ResponseType)
	}
	if env.Data.SpeechText != "Hello from the cube!" {
		t.Errorf("speech = %q", env.Data.SpeechText)
	}
	if !env.Data.ContinueConversation || env.Data.EndConversation {
		t.Errorf("continuation flags = %+v", env.Data)
	}
	if env.Data.ConversationID != "conv-1" {
		t.Errorf("conversation_id = %q", env.Data.ConversationID)
	}

	// The turn request carries the full context through.
	if runner.lastReq.SessionID != "voice_abc" {
		t.Errorf("session id = %q", runner.lastReq.SessionID)
	}
	if runner.lastReq.Context["device_id"] != "kitchen" {
		t.Errorf("context = %v", runner.lastReq.Context)
	}
}

func TestConversationPipelineFailure(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("model exploded: secret internal detail")}
	s := testServer(runner, nil)

	rec, env := postConversation(t, s,
		`{"message": "hi", "context": {"session_id": "voice_abc"}}`)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, pipeline failures still answer the voice request", rec.Code)
	}
	if env.Success {
		t.Error("expected failure envelope")
	}
	if env.Data.ResponseType != "error" {
		t.Errorf("response_type = %q", env.Data.ResponseType)
	}
	if env.Data.SpeechText == "" {
		t.Error("failure must still produce speech")
	}
	if strings.Contains(env.Data.SpeechText, "secret internal detail") {
		t.Error("internal failure detail leaked into speech")
	}
}

func TestConversationValidationFailureIs400(t *testing.T) {
	runner := &fakeRunner{err: &orchestrator.ValidationError{Field: "session_id", Reason: "must not be empty"}}
	s := testServer(runner, nil)

	rec, env := postConversation(t, s, `{"message": "hi", "context": {}}`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if env.Success {
		t.Error("expected failure envelope")
	}
}

func TestConversationBadJSON(t *testing.T) {
	s := testServer(&fakeRunner{}, nil)

	rec, env := postConversation(t, s, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	if env.Success {
		t.Error("expected failure envelope")
	}
}

func TestConversationGet(t *testing.T) {
	history := &fakeHistory{
		convs: []*store.Conversation{{ID: "conv-1", SessionID: "voice_abc", PersonaID: "buddy"}},
		turns: []*store.Turn{{ID: "t1", ConversationID: "conv-1", UserMessage: "hi", AIResponse: "hey"}},
	}
	s := testServer(&fakeRunner{}, history)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/conv-1", nil)
	req.SetPathValue("id", "conv-1")
	rec := httptest.NewRecorder()
	s.handleConversationGet(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Conversation *store.Conversation `json:"conversation"`
		Turns        []*store.Turn       `json:"turns"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Conversation.ID != "conv-1" || len(body.Turns) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestConversationGetNotFound(t *testing.T) {
	s := testServer(&fakeRunner{}, &fakeHistory{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/nope", nil)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	s.handleConversationGet(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := testServer(&fakeRunner{}, nil)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
