// Package tools defines the capabilities the model may call. Tools are
// stateless: every call receives the Scope of the user, conversation
// and phone it runs for, and every outcome, failures included, is
// returned as a JSON result the model can read.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
)

// Scope identifies who a tool call acts for. It is built per request
// by the agent loop and never stored on a tool.
type Scope struct {
	UserID         string
	ConversationID string
	PhoneNumber    string
}

// Handler executes one tool call.
type Handler func(ctx context.Context, scope Scope, args map[string]any) Result

// Tool is a named capability with a JSON schema for its arguments.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds the available tools.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the OpenAI-style function schemas of every tool,
// sorted by name so prompts are stable across calls.
func (r *Registry) Definitions() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool and returns its JSON result. It never fails:
// unknown tools, malformed arguments and handler panics all come back
// as failure results.
func (r *Registry) Execute(ctx context.Context, scope Scope, name string, args map[string]any) (out string) {
	tool := r.tools[name]
	if tool == nil {
		return Failure(CodeUnknownTool, fmt.Sprintf("unknown tool %q (available: %v)", name, r.Names())).JSON()
	}
	if raw, ok := args["_raw"].(string); ok && len(args) == 1 {
		return Failure(CodeInvalidArguments, fmt.Sprintf("arguments are not a JSON object: %s", raw)).JSON()
	}
	if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			out = Failure(CodeInternal, fmt.Sprintf("tool %s failed unexpectedly", name)).JSON()
		}
	}()

	res := tool.Handler(ctx, scope, args)
	if !res.Success {
		r.logger.Debug("tool returned failure",
			"tool", name,
			"conversation_id", scope.ConversationID,
			"code", res.Code,
			"error", res.Error,
		)
	}
	return res.JSON()
}

// Result is the payload handed back to the model.
type Result struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Success builds a successful result.
func Success(message string, data any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// JSON renders the result. Marshal failures degrade to a fixed
// failure payload.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"code":%q,"error":"result could not be encoded"}`, CodeInternal)
	}
	return string(b)
}
