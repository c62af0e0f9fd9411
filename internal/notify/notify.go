// Package notify delivers short text messages to phone numbers. Each
// channel implements Notifier; the scheduler and the SMS webhook pick
// one at startup from configuration.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Notifier sends text to an E.164 phone number. Implementations must
// honor ctx cancellation and be safe for concurrent use.
type Notifier interface {
	Send(ctx context.Context, phone, text string) error
}

// ErrNoPhone is returned for an empty destination.
var ErrNoPhone = errors.New("no destination phone number")

// Log writes messages to the logger instead of a phone. Useful in
// development.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify", "channel", "log")}
}

// Send logs the message.
func (l *Log) Send(ctx context.Context, phone, text string) error {
	if phone == "" {
		return ErrNoPhone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "text message", "to", phone, "text", text)
	return nil
}

// digits strips everything but 0-9 from an E.164 number.
func digits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
