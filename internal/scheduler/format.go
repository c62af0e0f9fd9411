package scheduler

import (
	"strings"
	"time"

	"github.com/nugget/tickler/internal/reminder"
)

// humanTimeLayout is how scheduled times appear in texts.
const humanTimeLayout = "Mon Jan 2, 2006 at 3:04 PM MST"

// FormatMessage renders the text sent for r:
//
//	Reminder: <title>
//	<description, when set>
//	Scheduled for Mon Jan 2, 2006 at 3:04 PM MST
func FormatMessage(r *reminder.Reminder, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	b.WriteString("Reminder: ")
	b.WriteString(r.Title)
	if d := strings.TrimSpace(r.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
	}
	b.WriteString("\nScheduled for ")
	b.WriteString(r.ScheduledFor.In(loc).Format(humanTimeLayout))
	return b.String()
}
