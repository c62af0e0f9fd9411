// Package agent runs the bounded completion/tool loop that turns one
// user message into an answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tickler/internal/conversation"
	"github.com/nugget/tickler/internal/events"
	"github.com/nugget/tickler/internal/llm"
	"github.com/nugget/tickler/internal/prompts"
	"github.com/nugget/tickler/internal/tools"
)

// DefaultMaxIterations caps completion rounds per inbound message.
const DefaultMaxIterations = 5

// ErrConversationNotFound is returned when the requested conversation
// does not exist or belongs to another user.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationStore is the slice of the conversation store the loop uses.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, userID, phone string) (*conversation.Conversation, error)
	FindByID(ctx context.Context, id string) (*conversation.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]conversation.Message, error)
	AppendMessage(ctx context.Context, conversationID, role, content string) (*conversation.Message, error)
}

// Request is one inbound user message.
type Request struct {
	UserID string
	// ConversationID selects an existing conversation. Empty means the
	// user's conversation for PhoneNumber, or a new one.
	ConversationID string
	PhoneNumber    string
	Message        string
}

// Response is the outcome of a run.
type Response struct {
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	Iterations     int      `json:"iterations"`
	ToolsUsed      []string `json:"tools_used,omitempty"`
	// Exhausted is set when the round budget ran out while the model
	// was still calling tools. Content is then the fixed fallback reply.
	Exhausted bool `json:"exhausted,omitempty"`
}

// Config holds the loop's tunables.
type Config struct {
	Model         string
	MaxIterations int
	Location      *time.Location
}

// Loop is the agent execution loop. One Loop serves any number of
// concurrent runs.
type Loop struct {
	logger        *slog.Logger
	llm           llm.Client
	conversations ConversationStore
	tools         *tools.Registry
	bus           *events.Bus
	model         string
	maxIterations int
	loc           *time.Location
	now           func() time.Time
}

// NewLoop creates a loop. bus may be nil.
func NewLoop(logger *slog.Logger, client llm.Client, convs ConversationStore, reg *tools.Registry, bus *events.Bus, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Loop{
		logger:        logger.With("component", "agent"),
		llm:           client,
		conversations: convs,
		tools:         reg,
		bus:           bus,
		model:         cfg.Model,
		maxIterations: cfg.MaxIterations,
		loc:           cfg.Location,
		now:           time.Now,
	}
}

// generateRequestID returns a short id correlating the log lines and
// bus events of one run.
func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Run processes one user message. With a non-nil sink each round is
// streamed and events are delivered as they happen; with a nil sink the
// rounds use single-shot completions and only the Response is produced.
// Completion and persistence errors abort the run; tool failures never do.
func (l *Loop) Run(ctx context.Context, req *Request, sink EventSink) (*Response, error) {
	start := l.now()
	requestID := generateRequestID()
	log := l.logger.With("request_id", requestID, "user_id", req.UserID)

	var (
		resp   = &Response{}
		runErr error
	)
	defer func() {
		data := map[string]any{
			"request_id":      requestID,
			"conversation_id": resp.ConversationID,
			"rounds":          resp.Iterations,
			"tools":           resp.ToolsUsed,
			"exhausted":       resp.Exhausted,
			"elapsed_ms":      l.now().Sub(start).Milliseconds(),
		}
		if runErr != nil {
			data["error"] = runErr.Error()
		}
		l.bus.Emit(events.SourceAgent, events.KindRequestComplete, data)
	}()

	fail := func(err error) (*Response, error) {
		runErr = err
		log.Error("agent run failed", "conversation_id", resp.ConversationID, "error", err)
		sink.emit(Event{Kind: EventError, Error: err.Error()})
		return nil, err
	}

	if strings.TrimSpace(req.Message) == "" {
		return fail(errors.New("message is empty"))
	}

	conv, err := l.resolveConversation(ctx, req)
	if err != nil {
		return fail(err)
	}
	resp.ConversationID = conv.ID
	log = log.With("conversation_id", conv.ID)
	sink.emit(Event{Kind: EventConversationID, ConversationID: conv.ID})

	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id":      requestID,
		"conversation_id": conv.ID,
		"user_id":         req.UserID,
		"streaming":       sink != nil,
	})

	history, err := l.conversations.Messages(ctx, conv.ID)
	if err != nil {
		return fail(fmt.Errorf("load history: %w", err))
	}
	if _, err := l.conversations.AppendMessage(ctx, conv.ID, conversation.RoleUser, req.Message); err != nil {
		return fail(fmt.Errorf("append user message: %w", err))
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: prompts.SystemPrompt(l.now(), l.loc),
	})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Message})

	phone := req.PhoneNumber
	if phone == "" {
		phone = conv.PhoneNumber
	}
	scope := tools.Scope{UserID: req.UserID, ConversationID: conv.ID, PhoneNumber: phone}
	defs := l.tools.Definitions()

	log.Info("agent run started", "history", len(history), "streaming", sink != nil)

	var final string
	done := false
	for round := range l.maxIterations {
		resp.Iterations = round + 1
		l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"request_id": requestID,
			"round":      round + 1,
			"model":      l.model,
		})

		out, err := l.complete(ctx, messages, defs, sink)
		if err != nil {
			return fail(fmt.Errorf("completion round %d: %w", round+1, err))
		}
		log.Debug("completion round finished",
			"round", round+1,
			"tool_calls", len(out.Message.ToolCalls),
			"input_tokens", out.InputTokens,
			"output_tokens", out.OutputTokens,
		)

		if len(out.Message.ToolCalls) == 0 {
			final = out.Message.Content
			done = true
			break
		}

		// Text produced alongside tool calls is dropped; the model
		// answers again once it has the results.
		calls := out.Message.ToolCalls
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", round+1, i)
			}
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, ToolCalls: calls})

		for _, tc := range calls {
			output := l.dispatch(ctx, log, requestID, scope, tc, sink)
			resp.ToolsUsed = append(resp.ToolsUsed, tc.Name)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: tc.ID,
			})
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
	}

	if !done {
		resp.Exhausted = true
		resp.Content = prompts.ExhaustedReply
		log.Warn("round budget exhausted with tool calls pending", "rounds", resp.Iterations)
		sink.emit(Event{Kind: EventToken, Text: resp.Content})
		return resp, nil
	}

	resp.Content = final
	if strings.TrimSpace(final) != "" {
		if _, err := l.conversations.AppendMessage(ctx, conv.ID, conversation.RoleAssistant, final); err != nil {
			return fail(fmt.Errorf("append assistant message: %w", err))
		}
	}

	log.Info("agent run completed",
		"rounds", resp.Iterations,
		"tools", len(resp.ToolsUsed),
		"elapsed", l.now().Sub(start).Round(time.Millisecond),
	)
	return resp, nil
}

// resolveConversation finds the conversation a request targets. An
// explicit id owned by someone else is indistinguishable from a missing
// one.
func (l *Loop) resolveConversation(ctx context.Context, req *Request) (*conversation.Conversation, error) {
	if req.ConversationID == "" {
		conv, err := l.conversations.GetOrCreate(ctx, req.UserID, req.PhoneNumber)
		if err != nil {
			return nil, fmt.Errorf("get or create conversation: %w", err)
		}
		return conv, nil
	}

	conv, err := l.conversations.FindByID(ctx, req.ConversationID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	if conv.UserID != req.UserID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// complete runs one round, streaming when there is a sink to stream to.
func (l *Loop) complete(ctx context.Context, messages []llm.Message, defs []map[string]any, sink EventSink) (*llm.ChatResponse, error) {
	if sink == nil {
		return l.llm.Chat(ctx, l.model, messages, defs)
	}
	stream, err := l.llm.Stream(ctx, l.model, messages, defs)
	if err != nil {
		return nil, err
	}
	return llm.Collect(stream, func(tok string) {
		sink.emit(Event{Kind: EventToken, Text: tok})
	})
}

func (l *Loop) dispatch(ctx context.Context, log *slog.Logger, requestID string, scope tools.Scope, tc llm.ToolCall, sink EventSink) string {
	sink.emit(Event{Kind: EventToolStart, Tool: tc.Name, Args: tc.Arguments})
	l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"request_id": requestID,
		"tool":       tc.Name,
	})

	started := time.Now()
	output := l.tools.Execute(ctx, scope, tc.Name, tc.Arguments)
	elapsed := time.Since(started)
	ok := succeeded(output)

	log.Debug("tool executed", "tool", tc.Name, "ok", ok, "elapsed", elapsed.Round(time.Millisecond))
	log.Log(ctx, llm.LevelTrace, "tool output", "tool", tc.Name, "output", output)

	l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"request_id":  requestID,
		"tool":        tc.Name,
		"ok":          ok,
		"duration_ms": elapsed.Milliseconds(),
	})
	sink.emit(Event{Kind: EventToolEnd, Tool: tc.Name, Output: output})
	return output
}

func succeeded(output string) bool {
	var r struct {
		Success bool `json:"success"`
	}
	return json.Unmarshal([]byte(output), &r) == nil && r.Success
}
