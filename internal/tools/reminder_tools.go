package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/tickler/internal/reminder"
)

// ReminderStore is the persistence the reminder tools need.
type ReminderStore interface {
	Create(ctx context.Context, r *reminder.Reminder, now time.Time) error
	ListByUser(ctx context.Context, userID string, status reminder.Status) ([]*reminder.Reminder, error)
	Update(ctx context.Context, id, userID string, p reminder.Patch, now time.Time) (*reminder.Reminder, error)
	Cancel(ctx context.Context, id, userID string, now time.Time) (*reminder.Reminder, error)
}

// ReminderTools implements create/list/update/delete over a store.
type ReminderTools struct {
	store ReminderStore
	loc   *time.Location
	now   func() time.Time
}

// NewReminderTools creates the reminder tool set. Times without an
// offset are read, and all times are shown, in loc.
func NewReminderTools(store ReminderStore, loc *time.Location) *ReminderTools {
	if loc == nil {
		loc = time.UTC
	}
	return &ReminderTools{store: store, loc: loc, now: time.Now}
}

// Register adds the four reminder tools to reg.
func (rt *ReminderTools) Register(reg *Registry) {
	reg.Register(&Tool{
		Name: "create_reminder",
		Description: "Schedule a text message reminder to the user's phone. " +
			"Resolve relative dates (tomorrow, next Friday) against the current time in the system prompt " +
			"and pass an absolute time. The time must be in the future.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short reminder text, 1 to 200 characters (e.g. Call mom)",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional extra detail, up to 1000 characters",
				},
				"scheduled_for": map[string]any{
					"type":        "string",
					"description": "When to send, ISO 8601 (e.g. 2026-03-14T15:00:00-05:00, or 2026-03-14T15:00 in the user's timezone)",
				},
			},
			"required": []string{"title", "scheduled_for"},
		},
		Handler: rt.create,
	})

	reg.Register(&Tool{
		Name:        "list_reminders",
		Description: "List the user's reminders sorted by scheduled time, optionally filtered by status.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{"pending", "sent", "cancelled"},
					"description": "Only return reminders with this status",
				},
			},
		},
		Handler: rt.list,
	})

	reg.Register(&Tool{
		Name: "update_reminder",
		Description: "Change a pending reminder. Only the fields provided are changed. " +
			"Use list_reminders first if you do not know the id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reminder_id": map[string]any{
					"type":        "string",
					"description": "The id of the reminder to change",
				},
				"title":         map[string]any{"type": "string", "description": "New reminder text"},
				"description":   map[string]any{"type": "string", "description": "New extra detail"},
				"scheduled_for": map[string]any{"type": "string", "description": "New time, ISO 8601, in the future"},
			},
			"required": []string{"reminder_id"},
		},
		Handler: rt.update,
	})

	reg.Register(&Tool{
		Name:        "delete_reminder",
		Description: "Cancel a pending reminder so it is never sent.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reminder_id": map[string]any{
					"type":        "string",
					"description": "The id of the reminder to cancel",
				},
			},
			"required": []string{"reminder_id"},
		},
		Handler: rt.cancel,
	})
}

// reminderView is how a reminder is shown to the model.
type reminderView struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	ScheduledFor string `json:"scheduled_for"`
	Status       string `json:"status"`
}

func (rt *ReminderTools) view(r *reminder.Reminder) reminderView {
	return reminderView{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		ScheduledFor: r.ScheduledFor.In(rt.loc).Format(time.RFC3339),
		Status:       string(r.DisplayStatus()),
	}
}

func (rt *ReminderTools) human(t time.Time) string {
	return t.In(rt.loc).Format("Mon Jan 2, 2006 at 3:04 PM MST")
}

func (rt *ReminderTools) create(ctx context.Context, scope Scope, args map[string]any) Result {
	title, err := requiredString(args, "title")
	if err != nil {
		return Failure(CodeInvalidArguments, err.Error())
	}
	desc, _, err := stringArg(args, "description")
	if err != nil {
		return Failure(CodeInvalidArguments, err.Error())
	}
	when, err := requiredString(args, "scheduled_for")
	if err != nil {
		return Failure(CodeInvalidArguments, err.Error())
	}
	at, err := ParseTime(when, rt.loc)
	if err != nil {
		return Failure(CodeInvalidArguments, err.Error())
	}

	r := &reminder.Reminder{
		UserID:         scope.UserID,
		ConversationID: scope.ConversationID,
		PhoneNumber:    scope.PhoneNumber,
		Title:          title,
		Description:    desc,
		ScheduledFor:   at,
	}
	if err := rt.store.Create(ctx, r, rt.now()); err != nil {
		return FailureFromError(err)
	}

	return Success(
		fmt.Sprintf("Reminder %q scheduled for %s.", r.Title, rt.human(r.ScheduledFor)),
		map[string]any{"reminder": rt.view(r)},
	)
}

func (rt *ReminderTools) list(ctx context.Context, scope Scope, args map[string]any) Result {
	raw, _, err := stringArg(args, "status")
	if err != nil {
		return Failure(CodeInvalidArguments, err.Error())
	}
	status, err := reminder.ParseStatus(raw)
	if err != nil {
		return Failure(CodeInvalidArguments, err.Error())
	}

	rs, err := rt.store.ListByUser(ctx, scope.UserID, status)
	if err != nil {
		return FailureFromError(err)
	}
	if len(rs) == 0 {
		if status != "" {
			return Success(fmt.Sprintf("You have no %s reminders.", status), map[string]any{"reminders": []reminderView{}})
		}
		return Success("You have no reminders.", map[string]any{"reminders": []reminderView{}})
	}

	views := make([]reminderView, 0, len(rs))
	for _, r := range rs {
		views = append(views, rt.view(r))
	}
	return Success(fmt.Sprintf("%d reminder(s).", len(views)), map[string]any{"reminders": views})
}

func (rt *ReminderTools) update(ctx context.Context, scope Scope, args map[string]any) Result {
	id, err := requiredString(args, "reminder_id")
	if err != nil {
		return Failure(CodeInvalidArguments, err.Error())
	}

	var p reminder.Patch
	if s, present, err := stringArg(args, "title"); err != nil {
		return Failure(CodeInvalidArguments, err.Error())
	} else if present {
		p.Title = &s
	}
	if s, present, err := stringArg(args, "description"); err != nil {
		return Failure(CodeInvalidArguments, err.Error())
	} else if present {
		p.Description = &s
	}
	if s, present, err := stringArg(args, "scheduled_for"); err != nil {
		return Failure(CodeInvalidArguments, err.Error())
	} else if present {
		at, err := ParseTime(s, rt.loc)
		if err != nil {
			return Failure(CodeInvalidArguments, err.Error())
		}
		p.ScheduledFor = &at
	}
	if p.Empty() {
		return Failure(CodeInvalidArguments, "nothing to update: provide title, description or scheduled_for")
	}

	r, err := rt.store.Update(ctx, id, scope.UserID, p, rt.now())
	if err != nil {
		return FailureFromError(err)
	}
	return Success(
		fmt.Sprintf("Reminder %q is now scheduled for %s.", r.Title, rt.human(r.ScheduledFor)),
		map[string]any{"reminder": rt.view(r)},
	)
}

func (rt *ReminderTools) cancel(ctx context.Context, scope Scope, args map[string]any) Result {
	id, err := requiredString(args, "reminder_id")
	if err != nil {
		return Failure(CodeInvalidArguments, err.Error())
	}

	r, err := rt.store.Cancel(ctx, id, scope.UserID, rt.now())
	if err != nil {
		return FailureFromError(err)
	}
	return Success(fmt.Sprintf("Reminder %q cancelled.", r.Title), map[string]any{"reminder": rt.view(r)})
}
