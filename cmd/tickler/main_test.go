package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// writeConfig writes a minimal config pointing at llmURL and returns
// its path.
func writeConfig(t *testing.T, llmURL string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
data_dir: %s
log_level: warn
timezone: UTC
llm:
  provider: openai
  base_url: %s
  model: test-model
notify:
  channel: log
users:
  - id: alice
    name: Alice
    phone: "+1 (512) 555-0100"
  - id: bob
    phone: "+15125550111"
`, filepath.Join(dir, "data"), llmURL)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeCompletions answers every chat completion with answer.
func fakeCompletions(t *testing.T, answer string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model != "test-model" || req.Stream {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model": req.Model,
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": answer},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Tickler ") {
		t.Errorf("output = %q, want Tickler banner", out.String())
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("output missing go_version: %q", out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	for _, k := range []string{"version", "git_commit", "go_version", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("missing key %q", k)
		}
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(t.Context(), &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: tickler") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x", "version"}, "unknown flag"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/tickler.yaml", "tick"}, "/nonexistent/tickler.yaml"},
		{"ask without message", []string{"ask"}, "usage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(t.Context(), &out, &out, tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  provider: mystery\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"-config", path, "tick"})
	if err == nil || !strings.Contains(err.Error(), "llm.provider") {
		t.Fatalf("err = %v, want llm.provider complaint", err)
	}
}

func TestRun_Ask(t *testing.T) {
	srv, calls := fakeCompletions(t, "Okay, I'll remind you at 5pm.")
	cfgPath := writeConfig(t, srv.URL)

	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"-config", cfgPath, "ask", "remind", "me", "at", "5pm"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "Okay, I'll remind you at 5pm." {
		t.Errorf("output = %q", got)
	}
	if calls.Load() != 1 {
		t.Errorf("completion calls = %d, want 1", calls.Load())
	}
}

func TestRun_AskJSONForNamedUser(t *testing.T) {
	srv, _ := fakeCompletions(t, "Hi Bob.")
	cfgPath := writeConfig(t, srv.URL)

	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"-config", cfgPath, "-o", "json", "ask", "-user", "bob", "hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var resp struct {
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if resp.Content != "Hi Bob." || resp.ConversationID == "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRun_AskUnknownUser(t *testing.T) {
	srv, calls := fakeCompletions(t, "unused")
	cfgPath := writeConfig(t, srv.URL)

	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"-config", cfgPath, "ask", "-user", "mallory", "hello"})
	if err == nil || !strings.Contains(err.Error(), "mallory") {
		t.Fatalf("err = %v, want unknown user", err)
	}
	if calls.Load() != 0 {
		t.Errorf("completion calls = %d, want 0", calls.Load())
	}
}

func TestRun_TickEmpty(t *testing.T) {
	srv, _ := fakeCompletions(t, "unused")
	cfgPath := writeConfig(t, srv.URL)

	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"-config", cfgPath, "-o", "json", "tick"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Logs share stdout; the result is the trailing JSON object.
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var res struct {
		Due  int `json:"due"`
		Sent int `json:"sent"`
	}
	start := len(lines) - 1
	for start > 0 && !strings.HasPrefix(lines[start], "{") {
		start--
	}
	if err := json.Unmarshal([]byte(strings.Join(lines[start:], "\n")), &res); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if res.Due != 0 || res.Sent != 0 {
		t.Errorf("result = %+v, want nothing due", res)
	}
}
