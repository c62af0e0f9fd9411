package llm

import (
	"encoding/json"
	"sort"
	"strings"
)

// Accumulator folds streamed deltas into one assistant message.
// Content concatenates in arrival order. Tool-call fragments merge by
// index: the first fragment carrying an ID or name sets it, argument
// text concatenates. The zero value is ready to use.
type Accumulator struct {
	content strings.Builder
	calls   map[int]*partialCall

	model        string
	stopReason   string
	inputTokens  int
	outputTokens int
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// Add merges d and returns the text that may be shown to the user as a
// token. Text riding on a delta that also carries tool-call fragments
// is kept in the message but not returned.
func (a *Accumulator) Add(d Delta) string {
	a.content.WriteString(d.Content)

	for _, tc := range d.ToolCalls {
		if a.calls == nil {
			a.calls = make(map[int]*partialCall)
		}
		pc, ok := a.calls[tc.Index]
		if !ok {
			pc = &partialCall{}
			a.calls[tc.Index] = pc
		}
		if pc.id == "" && tc.ID != "" {
			pc.id = tc.ID
		}
		if pc.name == "" && tc.Name != "" {
			pc.name = tc.Name
		}
		pc.args.WriteString(tc.Arguments)
	}

	if d.Model != "" {
		a.model = d.Model
	}
	if d.StopReason != "" {
		a.stopReason = d.StopReason
	}
	if d.InputTokens > 0 {
		a.inputTokens = d.InputTokens
	}
	if d.OutputTokens > 0 {
		a.outputTokens = d.OutputTokens
	}

	if len(d.ToolCalls) > 0 {
		return ""
	}
	return d.Content
}

// Content returns the text accumulated so far.
func (a *Accumulator) Content() string {
	return a.content.String()
}

// Message closes every open tool call and returns the assembled
// assistant message. Calls are ordered by index. Argument text that is
// not a JSON object is preserved under the "_raw" key so the tool
// layer can report it.
func (a *Accumulator) Message() Message {
	msg := Message{
		Role:    RoleAssistant,
		Content: a.content.String(),
	}

	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		pc := a.calls[i]
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: parseArguments(pc.args.String()),
		})
	}
	return msg
}

// Response wraps Message with the stream metadata.
func (a *Accumulator) Response() *ChatResponse {
	return &ChatResponse{
		Model:        a.model,
		Message:      a.Message(),
		StopReason:   a.stopReason,
		InputTokens:  a.inputTokens,
		OutputTokens: a.outputTokens,
	}
}

func parseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
