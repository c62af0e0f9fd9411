package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIClient_Stream(t *testing.T) {
	chunks := []string{
		`{"model":"gpt-test","choices":[{"delta":{"role":"assistant","content":"Sure"}}]}`,
		`{"choices":[{"delta":{"content":", one sec"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"update_reminder","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"reminder_id\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"r1\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":30,"completion_tokens":9}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var req openAIRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil {
			t.Errorf("stream flags = %v %+v", req.Stream, req.StreamOptions)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			io.WriteString(w, "data: "+c+"\n\n")
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/v1", "sk-test", 0, nil)
	stream, err := c.Stream(t.Context(), "gpt-test", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	var tokens strings.Builder
	resp, err := Collect(stream, func(tok string) { tokens.WriteString(tok) })
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	if tokens.String() != "Sure, one sec" {
		t.Errorf("tokens = %q", tokens.String())
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "update_reminder" || tc.Arguments["reminder_id"] != "r1" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.StopReason != "tool_calls" || resp.InputTokens != 30 || resp.OutputTokens != 9 {
		t.Errorf("metadata = %+v", resp)
	}
}

func TestOpenAIClient_StreamSkipsUndecodableChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Call \"}}]}\n\n")
		io.WriteString(w, "data: {not json\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"mom\"},\"finish_reason\":\"stop\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := NewOpenAIClient(srv.URL, "", 0, logger)
	stream, err := c.Stream(t.Context(), "m", nil, nil)
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	resp, err := Collect(stream, nil)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if resp.Message.Content != "Call mom" || resp.StopReason != "stop" {
		t.Errorf("Collect() = %+v", resp)
	}
	if !strings.Contains(logs.String(), "skipping undecodable stream chunk") {
		t.Errorf("debug log missing skipped chunk:\n%s", logs.String())
	}
	if !strings.Contains(logs.String(), "{not json") {
		t.Errorf("debug log missing chunk payload:\n%s", logs.String())
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		json.NewDecoder(r.Body).Decode(&raw)
		msgs := raw["messages"].([]any)
		last := msgs[len(msgs)-1].(map[string]any)
		if last["role"] != "tool" || last["tool_call_id"] != "call_1" {
			t.Errorf("last message = %v", last)
		}
		prev := msgs[len(msgs)-2].(map[string]any)
		calls := prev["tool_calls"].([]any)
		fn := calls[0].(map[string]any)["function"].(map[string]any)
		if fn["arguments"] != `{"status":"pending"}` {
			t.Errorf("arguments = %v", fn["arguments"])
		}

		io.WriteString(w, `{"model":"gpt-test","choices":[{"message":{"role":"assistant","content":"You have none."},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", 0, nil)
	resp, err := c.Chat(t.Context(), "gpt-test", []Message{
		{Role: RoleUser, Content: "list"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "list_reminders", Arguments: map[string]any{"status": "pending"}}}},
		{Role: RoleTool, Content: "[]", ToolCallID: "call_1"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Message.Content != "You have none." || resp.StopReason != "stop" {
		t.Errorf("Chat() = %+v", resp)
	}
}

func TestOpenAIClient_StreamCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(t.Context())
	c := NewOpenAIClient(srv.URL, "", 0, nil)
	stream, err := c.Stream(ctx, "m", nil, nil)
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	defer stream.Close()

	if d, err := stream.Recv(); err != nil || d.Content != "a" {
		t.Fatalf("first Recv() = %+v, %v", d, err)
	}
	cancel()
	if _, err := stream.Recv(); err == nil {
		t.Error("Recv() after cancel should fail")
	}
}
