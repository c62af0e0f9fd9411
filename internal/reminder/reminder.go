// Package reminder models reminders and persists them. A reminder is
// created pending and ends either sent (delivered by the scheduler) or
// cancelled (soft-deleted by its owner). Delivery passes through a short
// interim "sending" claim so that only one scheduler replica sends it:
//
//	pending -> sending -> sent
//	   |         |
//	   |         +-> pending (delivery failed, claim released)
//	   +-> cancelled
//
// Each arrow is one conditional UPDATE in [Store]; nothing leaves sent
// or cancelled.
package reminder

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a reminder.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

// Field limits.
const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 1000
)

var (
	// ErrNotFound means no reminder has the given id.
	ErrNotFound = errors.New("reminder not found")

	// ErrForbidden means the reminder belongs to another user.
	ErrForbidden = errors.New("reminder belongs to another user")

	// ErrNotPending means the reminder was already sent, cancelled, or
	// is being delivered right now.
	ErrNotPending = errors.New("reminder is no longer pending")

	// ErrClaimLost means another tick owns the delivery claim.
	ErrClaimLost = errors.New("delivery claim lost")

	// ErrInvalid wraps field validation failures.
	ErrInvalid = errors.New("invalid reminder")
)

// ParseStatus parses a user-facing status filter. Empty means all.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case "", StatusPending, StatusSent, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q (valid: pending, sent, cancelled)", ErrInvalid, s)
}

// Reminder is one scheduled text message to a user's phone.
type Reminder struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id"`
	PhoneNumber    string     `json:"phone_number"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`

	// Delivery bookkeeping.
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	ClaimID      string     `json:"-"`
	ClaimedUntil *time.Time `json:"-"`
}

// DisplayStatus hides the interim delivery claim from users.
func (r *Reminder) DisplayStatus() Status {
	if r.Status == StatusSending {
		return StatusPending
	}
	return r.Status
}

// Patch lists the fields update_reminder may change. Nil leaves a
// field untouched.
type Patch struct {
	Title        *string
	Description  *string
	ScheduledFor *time.Time
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.ScheduledFor == nil
}

// ValidateTitle requires 1 to 200 characters after trimming.
func ValidateTitle(title string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(title))
	if n == 0 {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if n > MaxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalid, MaxTitleLength)
	}
	return nil
}

// ValidateDescription allows up to 1000 characters.
func ValidateDescription(desc string) error {
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalid, MaxDescriptionLength)
	}
	return nil
}

// ValidateSchedule requires at to be strictly after now.
func ValidateSchedule(at, now time.Time) error {
	if at.IsZero() {
		return fmt.Errorf("%w: scheduled time is required", ErrInvalid)
	}
	if !at.After(now) {
		return fmt.Errorf("%w: scheduled time %s is not in the future", ErrInvalid, at.Format(time.RFC3339))
	}
	return nil
}

// Validate checks a reminder about to be created.
func (r *Reminder) Validate(now time.Time) error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if r.PhoneNumber == "" {
		return fmt.Errorf("%w: phone number is required", ErrInvalid)
	}
	if err := ValidateTitle(r.Title); err != nil {
		return err
	}
	if err := ValidateDescription(r.Description); err != nil {
		return err
	}
	return ValidateSchedule(r.ScheduledFor, now)
}

// Validate checks the fields a patch sets.
func (p Patch) Validate(now time.Time) error {
	if p.Title != nil {
		if err := ValidateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Description != nil {
		if err := ValidateDescription(*p.Description); err != nil {
			return err
		}
	}
	if p.ScheduledFor != nil {
		return ValidateSchedule(*p.ScheduledFor, now)
	}
	return nil
}
