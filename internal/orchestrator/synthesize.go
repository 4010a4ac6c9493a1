package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/llm"
)

// FallbackUtterance is what the user hears when the pipeline has nothing
// sayable. Persona-neutral on purpose; internal failure detail never
// reaches speech.
const FallbackUtterance = "Hmm, I lost my train of thought there. Could you say that again?"

// synthesizeResponse merges the model's narrative with synchronous tool
// results. Query facts trigger exactly one amendment call asking the
// model to restate its speech with the fact folded in; amendment failure
// falls back silently to the original speech.
func (o *Orchestrator) synthesizeResponse(ctx context.Context, sr *StructuredResponse, dr *DispatchResult, messages []llm.Message, model string) *AIResponse {
	speech := strings.TrimSpace(sr.SpeechText)
	if speech == "" {
		speech = FallbackUtterance
	}

	if len(dr.QueryFacts) > 0 {
		if amended := o.amendSpeech(ctx, messages, speech, dr.QueryFacts, model); amended != "" {
			speech = amended
		}
	}

	return &AIResponse{
		ID:                   newResponseID(),
		Text:                 speech,
		SpeechText:           speech,
		ContinueConversation: sr.ContinueConversation,
		InnerThoughts:        sr.InnerThoughts,
		CurrentMood:          sr.CurrentMood,
		Success:              true,
	}
}

// amendSpeech performs the single best-effort amendment call. Returns ""
// on any failure so the caller keeps the original speech.
func (o *Orchestrator) amendSpeech(ctx context.Context, messages []llm.Message, speech string, facts []QueryFact, model string) string {
	var sb strings.Builder
	sb.WriteString("You just looked these facts up:\n")
	for _, f := range facts {
		factJSON, err := json.Marshal(f.Result)
		if err != nil {
			factJSON = []byte(fmt.Sprintf("%v", f.Result))
		}
		fmt.Fprintf(&sb, "- %s: %s\n", f.Tool, factJSON)
	}
	fmt.Fprintf(&sb,
		"Restate the following reply so it naturally includes what you found, keeping the same voice and length:\n%s",
		speech)

	amendMessages := append(append([]llm.Message{}, messages...),
		llm.Message{Role: "system", Content: sb.String()})

	if o.amendModel != "" {
		model = o.amendModel
	}
	result, err := o.model.Invoke(ctx, model, amendMessages, o.amendRaw)
	if err != nil {
		o.logger.Warn("speech amendment failed, keeping original", "error", err)
		return ""
	}
	amended, _ := result.Payload["speech_text"].(string)
	return strings.TrimSpace(amended)
}

func newResponseID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
