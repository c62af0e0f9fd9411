// Package conversation stores chat history. Each conversation is an
// append-only, chronologically ordered list of messages owned by one
// user, optionally bound to the phone number the user texts from.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Message roles persisted in history. Tool traffic is never stored.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MaxTitleLength bounds stored titles.
const MaxTitleLength = 200

// derivedTitleLength is how much of the first user line becomes the title.
const derivedTitleLength = 50

// ErrNotFound is returned when a conversation id does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is the metadata of one chat thread. Messages is only
// populated by FindByID.
type Conversation struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	PhoneNumber   string     `json:"phone_number,omitempty"`
	Title         string     `json:"title"`
	Messages      []Message  `json:"messages,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Message is one history entry. Seq starts at 1 and has no gaps.
type Message struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidRole reports whether role may be stored.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DeriveTitle returns the title for a conversation whose first message
// is content: the first non-blank line, trimmed and cut to 50
// characters with "..." appended when anything was cut. It is empty
// only when content is blank.
func DeriveTitle(content string) string {
	var line string
	for l := range strings.Lines(content) {
		if line = strings.TrimSpace(l); line != "" {
			break
		}
	}

	if utf8.RuneCountInString(line) <= derivedTitleLength {
		return line
	}
	runes := []rune(line)
	return string(runes[:derivedTitleLength]) + "..."
}

// DefaultTitle is the placeholder title before the first user message.
func DefaultTitle(now time.Time) string {
	return fmt.Sprintf("New conversation %s", now.Format("Jan 2, 2006 3:04 PM"))
}
