package reminder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tickler/internal/database"
)

// Store persists reminders in SQLite. Every status change is a single
// conditional UPDATE on the row, so the scheduler and concurrent tool
// calls never overwrite each other.
type Store struct {
	db *sql.DB
}

// NewStore creates a reminder store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate reminders: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		phone_number TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		scheduled_for TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		sent_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		claim_id TEXT,
		claimed_until TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(status, scheduled_for);
	CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id, scheduled_for);
	CREATE INDEX IF NOT EXISTS idx_reminders_conversation ON reminders(conversation_id);
	`)
	return err
}

// Create validates r against now and inserts it as pending. ID,
// Status and timestamps are assigned here.
func (s *Store) Create(ctx context.Context, r *Reminder, now time.Time) error {
	r.Title = strings.TrimSpace(r.Title)
	if err := r.Validate(now); err != nil {
		return err
	}

	r.ID = uuid.Must(uuid.NewV7()).String()
	r.Status = StatusPending
	r.ScheduledFor = r.ScheduledFor.UTC()
	r.CreatedAt = now.UTC()
	r.UpdatedAt = now.UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (id, user_id, conversation_id, phone_number, title, description,
			scheduled_for, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.ConversationID, r.PhoneNumber, r.Title, r.Description,
		database.FormatTime(r.ScheduledFor), string(r.Status),
		database.FormatTime(r.CreatedAt), database.FormatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create reminder: %w", err)
	}
	return nil
}

const reminderColumns = `id, user_id, conversation_id, phone_number, title, description,
	scheduled_for, status, created_at, updated_at, sent_at, attempts, last_error,
	claim_id, claimed_until`

// Get returns a reminder by id.
func (s *Store) Get(ctx context.Context, id string) (*Reminder, error) {
	r, err := scanReminder(s.db.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// GetOwned returns a reminder only if userID owns it.
func (s *Store) GetOwned(ctx context.Context, id, userID string) (*Reminder, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, ErrForbidden
	}
	return r, nil
}

// ListByUser returns the user's reminders sorted by scheduled time.
// An empty status returns all; pending includes reminders mid-delivery.
func (s *Store) ListByUser(ctx context.Context, userID string, status Status) ([]*Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE user_id = ?`
	args := []any{userID}
	switch status {
	case "":
	case StatusPending:
		query += ` AND status IN ('pending', 'sending')`
	default:
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY scheduled_for ASC, id ASC`
	return s.query(ctx, query, args...)
}

// ListByConversation returns reminders created in a conversation.
func (s *Store) ListByConversation(ctx context.Context, conversationID string) ([]*Reminder, error) {
	return s.query(ctx, `SELECT `+reminderColumns+` FROM reminders
		WHERE conversation_id = ? ORDER BY scheduled_for ASC, id ASC`, conversationID)
}

// Update applies the non-nil fields of p to a pending reminder owned by
// userID and returns the updated record.
func (s *Store) Update(ctx context.Context, id, userID string, p Patch, now time.Time) (*Reminder, error) {
	if _, err := s.requirePending(ctx, id, userID); err != nil {
		return nil, err
	}
	if p.Title != nil {
		t := strings.TrimSpace(*p.Title)
		p.Title = &t
	}
	if err := p.Validate(now); err != nil {
		return nil, err
	}

	var scheduled sql.NullString
	if p.ScheduledFor != nil {
		scheduled = sql.NullString{String: database.FormatTime(*p.ScheduledFor), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET
			title = COALESCE(?, title),
			description = COALESCE(?, description),
			scheduled_for = COALESCE(?, scheduled_for),
			updated_at = ?
		WHERE id = ? AND user_id = ? AND status = 'pending'`,
		nullString(p.Title), nullString(p.Description), scheduled,
		database.FormatTime(now), id, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("update reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.diagnose(ctx, id, userID)
	}
	return s.Get(ctx, id)
}

// Cancel soft-deletes a pending reminder owned by userID.
func (s *Store) Cancel(ctx context.Context, id, userID string, now time.Time) (*Reminder, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND user_id = ? AND status = 'pending'`,
		database.FormatTime(now), id, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.diagnose(ctx, id, userID)
	}
	return s.Get(ctx, id)
}

// FindDue returns up to limit reminders ready for delivery at now:
// pending ones whose time has come, and claimed ones whose lease ran
// out without being marked sent.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]*Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	ts := database.FormatTime(now)
	return s.query(ctx, `SELECT `+reminderColumns+` FROM reminders
		WHERE (status = 'pending' AND scheduled_for <= ?)
		   OR (status = 'sending' AND claimed_until <= ?)
		ORDER BY scheduled_for ASC, id ASC
		LIMIT ?`, ts, ts, limit)
}

// Claim moves a due reminder to sending under claimID until
// leaseUntil and returns the row as claimed, so delivery uses the text
// that is current at claim time. ErrClaimLost means another tick got
// there first or the reminder changed since it was found.
func (s *Store) Claim(ctx context.Context, id, claimID string, now, leaseUntil time.Time) (*Reminder, error) {
	ts := database.FormatTime(now)
	row := s.db.QueryRowContext(ctx, `
		UPDATE reminders SET
			status = 'sending',
			claim_id = ?,
			claimed_until = ?,
			attempts = attempts + 1,
			updated_at = ?
		WHERE id = ?
		  AND ((status = 'pending' AND scheduled_for <= ?)
		    OR (status = 'sending' AND claimed_until <= ?))
		RETURNING `+reminderColumns,
		claimID, database.FormatTime(leaseUntil), ts, id, ts, ts,
	)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClaimLost
	}
	if err != nil {
		return nil, fmt.Errorf("claim reminder: %w", err)
	}
	return r, nil
}

// MarkSent finishes a delivery held under claimID.
func (s *Store) MarkSent(ctx context.Context, id, claimID string, now time.Time) error {
	ts := database.FormatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET
			status = 'sent',
			sent_at = ?,
			updated_at = ?,
			last_error = '',
			claim_id = NULL,
			claimed_until = NULL
		WHERE id = ? AND status = 'sending' AND claim_id = ?`,
		ts, ts, id, claimID,
	)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

// Release returns a reminder held under claimID to pending after a
// failed send, recording the error for the next attempt.
func (s *Store) Release(ctx context.Context, id, claimID string, now time.Time, errText string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET
			status = 'pending',
			last_error = ?,
			updated_at = ?,
			claim_id = NULL,
			claimed_until = NULL
		WHERE id = ? AND status = 'sending' AND claim_id = ?`,
		errText, database.FormatTime(now), id, claimID,
	)
	if err != nil {
		return fmt.Errorf("release reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

// requirePending loads a reminder for userID and checks that its owner
// may still change it.
func (s *Store) requirePending(ctx context.Context, id, userID string) (*Reminder, error) {
	r, err := s.GetOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusPending:
		return r, nil
	case StatusSending:
		return r, fmt.Errorf("%w: delivery in progress", ErrNotPending)
	default:
		return r, fmt.Errorf("%w: status is %s", ErrNotPending, r.Status)
	}
}

// diagnose explains why a conditional update matched no row.
func (s *Store) diagnose(ctx context.Context, id, userID string) error {
	if _, err := s.requirePending(ctx, id, userID); err != nil {
		return err
	}
	// Pending again by the time we looked: a claim came and went.
	return fmt.Errorf("%w: status changed concurrently", ErrNotPending)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*Reminder, error) {
	var (
		r                           Reminder
		status                      string
		scheduled, created, updated string
		sentAt, claimID, claimedTil sql.NullString
	)
	err := row.Scan(&r.ID, &r.UserID, &r.ConversationID, &r.PhoneNumber, &r.Title, &r.Description,
		&scheduled, &status, &created, &updated, &sentAt, &r.Attempts, &r.LastError,
		&claimID, &claimedTil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan reminder: %w", err)
	}

	r.Status = Status(status)
	r.ClaimID = claimID.String
	if r.ScheduledFor, err = database.ParseTime(scheduled); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	if r.SentAt, err = database.ScanNullTime(sentAt); err != nil {
		return nil, err
	}
	if r.ClaimedUntil, err = database.ScanNullTime(claimedTil); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
