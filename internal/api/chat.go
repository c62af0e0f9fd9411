package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/tickler/internal/agent"
	"github.com/nugget/tickler/internal/conversation"
)

// streamWriteWindow is how far the write deadline is pushed after each
// streamed event, so long tool loops outlive the server WriteTimeout.
const streamWriteWindow = 120 * time.Second

// ChatRequest is the body of POST /v1/chat. Stream defaults to true.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Stream         *bool  `json:"stream,omitempty"`
}

func (r ChatRequest) streaming() bool {
	return r.Stream == nil || *r.Stream
}

// handleChat runs one agent turn for the caller.
// POST /v1/chat {"message": "remind me to call mom at 3pm"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ConversationID != "" && !s.ownsConversation(w, r, user.ID, req.ConversationID) {
		return
	}

	agentReq := &agent.Request{
		UserID:         user.ID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
	}

	if req.streaming() {
		s.streamChat(w, r, agentReq)
		return
	}

	resp, err := s.runner.Run(r.Context(), agentReq, nil)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrConversationNotFound):
			s.errorResponse(w, http.StatusNotFound, "conversation not found")
		case r.Context().Err() != nil:
			s.logger.Debug("chat abandoned by client", "user_id", user.ID)
		default:
			s.logger.Error("agent run failed", "user_id", user.ID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "agent error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// ownsConversation checks that id exists and belongs to userID,
// writing a 404 otherwise.
func (s *Server) ownsConversation(w http.ResponseWriter, r *http.Request, userID, id string) bool {
	conv, err := s.conversations.FindByID(r.Context(), id)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
	case err != nil:
		s.logger.Error("conversation lookup failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "conversation lookup failed")
		return false
	case conv.UserID == userID:
		return true
	}
	s.errorResponse(w, http.StatusNotFound, "conversation not found")
	return false
}

// streamChat runs the turn with an event sink writing server-sent
// events. Each event is framed as "event: <kind>" plus a JSON data
// line; the stream always ends with "data: [DONE]".
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, agentReq *agent.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	sink := func(ev agent.Event) {
		if err := writeSSE(w, ev); err != nil {
			s.logger.Debug("failed to write SSE event", "kind", ev.Kind, "error", err)
			return
		}
		flusher.Flush()
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteWindow)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	if _, err := s.runner.Run(r.Context(), agentReq, sink); err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Debug("streamed chat cancelled by client", "user_id", agentReq.UserID)
			return
		}
		s.logger.Warn("streamed chat ended with error", "user_id", agentReq.UserID, "error", err)
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, ev agent.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
