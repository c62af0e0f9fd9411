package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var (
	_ Client = (*AnthropicClient)(nil)
	_ Client = (*OpenAIClient)(nil)
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are a reminder assistant."},
		{Role: RoleUser, Content: "Hello!"},
		{Role: RoleAssistant, Content: "Hi there!"},
		{Role: RoleUser, Content: "Remind me tomorrow."},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are a reminder assistant." {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system), got %d", len(result))
	}
	if result[0].Role != RoleUser {
		t.Errorf("expected first message to be user, got %s", result[0].Role)
	}
}

func TestConvertToAnthropic_ToolResultsShareTurn(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "What's pending?"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "toolu_1", Name: "list_reminders", Arguments: map[string]any{}},
			{ID: "toolu_2", Name: "list_reminders"},
		}},
		{Role: RoleTool, Content: `{"success":true}`, ToolCallID: "toolu_1"},
		{Role: RoleTool, Content: `{"success":true}`, ToolCallID: "toolu_2"},
	}

	result, _ := convertToAnthropic(messages)
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	blocks, ok := result[1].Content.([]anthropicContent)
	if !ok || len(blocks) != 2 || blocks[0].Type != "tool_use" {
		t.Fatalf("assistant content = %#v", result[1].Content)
	}
	if blocks[1].Input == nil {
		t.Error("nil arguments should serialize as an empty object")
	}

	results, ok := result[2].Content.([]anthropicContent)
	if !ok || len(results) != 2 {
		t.Fatalf("tool results = %#v", result[2].Content)
	}
	if results[1].ToolUseID != "toolu_2" {
		t.Errorf("second tool_use_id = %q", results[1].ToolUseID)
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":        "create_reminder",
			"description": "Create a reminder",
			"parameters":  map[string]any{"type": "object"},
		},
	}, {"type": "bogus"}}

	got := convertToolsToAnthropic(tools)
	if len(got) != 1 || got[0].Name != "create_reminder" || got[0].Description != "Create a reminder" {
		t.Errorf("convertToolsToAnthropic() = %+v", got)
	}
	if convertToolsToAnthropic(nil) != nil {
		t.Error("expected nil for no tools")
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Model: "claude-test",
		Content: []anthropicContent{
			{Type: "text", Text: "Let me check."},
			{Type: "tool_use", ID: "toolu_9", Name: "list_reminders", Input: map[string]any{"status": "pending"}},
		},
		StopReason: "tool_use",
		Usage:      anthropicUsage{InputTokens: 10, OutputTokens: 4},
	}

	got := convertFromAnthropic(resp)
	if got.Message.Content != "Let me check." {
		t.Errorf("content = %q", got.Message.Content)
	}
	if len(got.Message.ToolCalls) != 1 || got.Message.ToolCalls[0].Arguments["status"] != "pending" {
		t.Errorf("tool calls = %+v", got.Message.ToolCalls)
	}
	if got.StopReason != "tool_use" || got.InputTokens != 10 {
		t.Errorf("metadata = %+v", got)
	}
}

func anthropicSSE(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(e), &head)
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", head.Type, e)
	}
	return b.String()
}

func TestAnthropicClient_Stream(t *testing.T) {
	body := anthropicSSE(
		`{"type":"message_start","message":{"model":"claude-test","usage":{"input_tokens":7}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"On it"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"ping"}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"create_reminder"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"title\":\"Call"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":" mom\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":21}}`,
		`{"type":"message_stop"}`,
	)

	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			t.Errorf("request decode err=%v stream=%v", err, req.Stream)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body)
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, "sk-test", 256, nil)
	stream, err := c.Stream(t.Context(), "claude-test", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	var tokens []string
	resp, err := Collect(stream, func(tok string) { tokens = append(tokens, tok) })
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	if gotPath != "/v1/messages" || gotKey != "sk-test" {
		t.Errorf("path=%q key=%q", gotPath, gotKey)
	}
	if strings.Join(tokens, "") != "On it" {
		t.Errorf("tokens = %v", tokens)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "create_reminder" || tc.Arguments["title"] != "Call mom" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.Model != "claude-test" || resp.StopReason != "tool_use" || resp.OutputTokens != 21 {
		t.Errorf("metadata = %+v", resp)
	}
}

func TestAnthropicClient_StreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, anthropicSSE(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, "k", 0, nil)
	stream, err := c.Stream(t.Context(), "m", nil, nil)
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	if _, err := Collect(stream, nil); err == nil || !strings.Contains(err.Error(), "busy") {
		t.Errorf("Collect() error = %v, want overloaded", err)
	}
}

func TestAnthropicClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, "k", 0, nil)
	_, err := c.Chat(t.Context(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Chat() error = %v, want StatusError 401", err)
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.System != "sys" || req.MaxTokens != 1024 {
			t.Errorf("request system=%q max_tokens=%d", req.System, req.MaxTokens)
		}
		io.WriteString(w, `{"role":"assistant","model":"m","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn"}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, "k", 0, nil)
	resp, err := c.Chat(t.Context(), "m", []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}
