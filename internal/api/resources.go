package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nugget/tickler/internal/conversation"
	"github.com/nugget/tickler/internal/reminder"
	"github.com/nugget/tickler/internal/users"
)

// CreateConversationRequest is the optional body of POST /v1/conversations.
type CreateConversationRequest struct {
	Title       string `json:"title,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len([]rune(req.Title)) > conversation.MaxTitleLength {
		s.errorResponse(w, http.StatusBadRequest, "title is too long")
		return
	}

	conv, err := s.conversations.Create(r.Context(), user.ID, users.NormalizePhone(req.PhoneNumber), req.Title)
	if err != nil {
		s.logger.Error("create conversation failed", "user_id", user.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "create conversation failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	convs, err := s.conversations.ListByUser(r.Context(), user.ID, parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("list conversations failed", "user_id", user.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list conversations failed")
		return
	}
	if convs == nil {
		convs = []*conversation.Conversation{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

// ConversationDetail is a conversation with its messages and the
// reminders created in it.
type ConversationDetail struct {
	*conversation.Conversation
	Reminders []reminder.Reminder `json:"reminders"`
}

// handleConversationGet returns one conversation with its messages and
// reminders. Other users' conversations are reported as missing.
func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	conv, err := s.conversations.FindByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, conversation.ErrNotFound) || (err == nil && conv.UserID != user.ID) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("get conversation failed", "conversation_id", r.PathValue("id"), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get conversation failed")
		return
	}

	rems, err := s.reminders.ListByConversation(r.Context(), conv.ID)
	if err != nil {
		s.logger.Error("list conversation reminders failed", "conversation_id", conv.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get conversation failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ConversationDetail{Conversation: conv, Reminders: displayReminders(rems)}, s.logger)
}

// handleReminderList lists the caller's reminders.
// GET /v1/reminders?status=pending
func (s *Server) handleReminderList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	status, err := reminder.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := s.reminders.ListByUser(r.Context(), user.ID, status)
	if err != nil {
		s.logger.Error("list reminders failed", "user_id", user.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list reminders failed")
		return
	}

	out := displayReminders(list)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"reminders": out,
		"count":     len(out),
	}, s.logger)
}

// displayReminders copies list with the interim delivery status hidden.
// The result is never nil.
func displayReminders(list []*reminder.Reminder) []reminder.Reminder {
	out := make([]reminder.Reminder, 0, len(list))
	for _, rem := range list {
		view := *rem
		view.Status = rem.DisplayStatus()
		out = append(out, view)
	}
	return out
}
