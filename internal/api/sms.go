package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/tickler/internal/agent"
	"github.com/nugget/tickler/internal/events"
	"github.com/nugget/tickler/internal/prompts"
)

// emptyTwiML acknowledges a webhook without an inline reply; answers go
// out through the notifier.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// smsReplyTimeout bounds the reply send once the run has finished.
const smsReplyTimeout = 30 * time.Second

// handleSMSInbound accepts a Twilio-style webhook (form fields From and
// Body), runs the text through the agent in the sender's phone
// conversation and texts the answer back.
func (s *Server) handleSMSInbound(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid form body")
		return
	}
	from := r.PostForm.Get("From")
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	if from == "" {
		s.errorResponse(w, http.StatusBadRequest, "From is required")
		return
	}

	user, ok := s.directory.ByPhone(from)
	if !ok {
		s.logger.Warn("sms from unknown sender dropped", "sender", from)
		s.errorResponse(w, http.StatusForbidden, "unknown sender")
		return
	}

	s.bus.Emit(events.SourceSMS, events.KindMessageReceived, map[string]any{
		"sender":      from,
		"user_id":     user.ID,
		"message_len": len(body),
	})

	if body == "" {
		writeTwiML(w)
		return
	}

	resp, err := s.runner.Run(r.Context(), &agent.Request{
		UserID:      user.ID,
		PhoneNumber: user.Phone,
		Message:     body,
	}, nil)

	reply := prompts.ErrorReply
	if err != nil {
		s.logger.Error("sms agent run failed", "user_id", user.ID, "error", err)
	} else {
		reply = resp.Content
	}

	if reply != "" {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), smsReplyTimeout)
		defer cancel()
		if err := s.notifier.Send(ctx, user.Phone, reply); err != nil {
			s.logger.Error("sms reply send failed", "user_id", user.ID, "error", err)
		}
	}

	writeTwiML(w)
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	io.WriteString(w, emptyTwiML)
}
