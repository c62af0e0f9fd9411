// Package llm talks to chat completion providers. Both providers expose
// a one-shot Chat call and an incremental Stream of deltas; the
// Accumulator folds deltas back into a complete assistant message.
package llm

import (
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the prompt sent to a provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool results only
}

// ToolCall is a closed tool invocation requested by the model.
type ToolCall struct {
	// ID is provider-assigned and echoed back on the tool result.
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified result of one completion round.
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int
}

// ToolCallDelta is a fragment of a tool call. Fragments sharing an
// Index belong to the same call; ID and Name arrive on the first
// fragment and Arguments is a slice of the JSON argument text.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is one increment of a streamed completion.
type Delta struct {
	Content   string
	ToolCalls []ToolCallDelta

	// Set on the trailing delta when the provider reports them.
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
	Done         bool
}
