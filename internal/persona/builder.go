package persona

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/buildinfo"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/llm"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/store"
)

// defaultHistoryLimit bounds how many past turns are replayed into the
// prompt each turn.
const defaultHistoryLimit = 10

// HistorySource supplies recent turns for prompt history.
type HistorySource interface {
	RecentTurns(conversationID string, limit int) ([]*store.Turn, error)
}

// HouseState supplies a formatted snapshot of current entity states.
type HouseState interface {
	Snapshot(limit int) string
}

// ToolSource lists the callable tools the system prompt advertises. The
// model can only name tools it has been shown.
type ToolSource interface {
	Describe() []map[string]any
}

// Builder assembles the ordered message list for one turn: system prompt
// (persona text, current conditions, house state), recent history, then
// the user message.
type Builder struct {
	history      HistorySource
	house        HouseState
	tools        ToolSource
	timezone     string
	historyLimit int
}

// NewBuilder creates a prompt builder. house may be nil when no state
// cache is running; tools may be nil only in tests.
func NewBuilder(history HistorySource, house HouseState, tools ToolSource, timezone string) *Builder {
	return &Builder{
		history:      history,
		house:        house,
		tools:        tools,
		timezone:     timezone,
		historyLimit: defaultHistoryLimit,
	}
}

// Build produces the message list for the turn.
func (b *Builder) Build(conv *store.Conversation, p *Persona, userMessage string) ([]llm.Message, error) {
	if p == nil {
		return nil, fmt.Errorf("no persona for conversation %s", conv.ID)
	}

	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(p.SystemPrompt))
	sys.WriteString("\n\n")
	sys.WriteString(b.conditionsBlock())

	if b.house != nil {
		if snapshot := b.house.Snapshot(0); snapshot != "" {
			sys.WriteString("\n\n")
			sys.WriteString(snapshot)
		}
	}

	if b.tools != nil {
		if block := toolsBlock(b.tools.Describe()); block != "" {
			sys.WriteString("\n\n")
			sys.WriteString(block)
		}
	}

	messages := []llm.Message{
		{Role: "system", Content: sys.String()},
	}

	turns, err := b.history.RecentTurns(conv.ID, b.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load turn history: %w", err)
	}
	for _, t := range turns {
		messages = append(messages,
			llm.Message{Role: "user", Content: t.UserMessage},
			llm.Message{Role: "assistant", Content: t.AIResponse},
		)
	}

	messages = append(messages, llm.Message{Role: "user", Content: userMessage})
	return messages, nil
}

// conditionsBlock renders the "Current Conditions" section. The time line
// matters most: a voice assistant that doesn't know it's 3am makes bad
// decisions about noise and lighting.
func (b *Builder) conditionsBlock() string {
	loc := time.Now().Location()
	if b.timezone != "" {
		if parsed, err := time.LoadLocation(b.timezone); err == nil {
			loc = parsed
		}
	}
	now := time.Now().In(loc)
	zone, _ := now.Zone()

	var sb strings.Builder
	sb.WriteString("# Current Conditions\n\n")
	sb.WriteString("**Time:** ")
	sb.WriteString(now.Format("Monday, January 2, 2006 at 15:04 "))
	sb.WriteString(zone)
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("**GlitchCube:** %s (uptime %s)", buildinfo.Version, formatUptime(buildinfo.Uptime())))
	return sb.String()
}

// toolsBlock renders the available-tools section of the system prompt.
// Tool names here are the vocabulary for direct_tool_calls and
// tool_intents; unlisted names fail dispatch as unknown tools.
func toolsBlock(defs []map[string]any) string {
	if len(defs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("# Available Tools\n\n")
	sb.WriteString("Call tools by their exact name. Use direct_tool_calls for results\n")
	sb.WriteString("you need this turn, tool_intents for actions that can run in the\n")
	sb.WriteString("background and report back on a later turn.\n")

	for _, def := range defs {
		name, _ := def["name"].(string)
		description, _ := def["description"].(string)
		intent, _ := def["intent"].(string)

		sb.WriteString(fmt.Sprintf("\n## %s (%s)\n%s\n", name, intent, description))
		if params, err := json.Marshal(def["parameters"]); err == nil && string(params) != "null" {
			sb.WriteString("Parameters: ")
			sb.Write(params)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatUptime(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		days := int(d.Hours()) / 24
		hours := int(d.Hours()) % 24
		return fmt.Sprintf("%dd %dh", days, hours)
	case d >= time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}
