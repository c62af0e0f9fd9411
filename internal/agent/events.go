package agent

// Event kinds delivered to an EventSink, in the order a run produces
// them: conversation_id first, then tokens and tool pairs, with error
// replacing the rest on failure.
const (
	EventConversationID = "conversation_id"
	EventToken          = "token"
	EventToolStart      = "tool_start"
	EventToolEnd        = "tool_end"
	EventError          = "error"
)

// Event is one item of a run's live output. Kind selects which of the
// other fields are set; the JSON form is the SSE data payload.
type Event struct {
	Kind           string         `json:"-"`
	ConversationID string         `json:"id,omitempty"`
	Text           string         `json:"text,omitempty"`
	Tool           string         `json:"name,omitempty"`
	Args           map[string]any `json:"args,omitempty"`
	Output         string         `json:"output,omitempty"`
	Error          string         `json:"message,omitempty"`
}

// EventSink receives run events synchronously. A nil sink means the
// caller wants only the final Response.
type EventSink func(Event)

func (s EventSink) emit(e Event) {
	if s != nil {
		s(e)
	}
}
