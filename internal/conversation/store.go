package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tickler/internal/database"
)

// Store persists conversations and messages in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a conversation store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		phone_number TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		title_derived INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_message_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_phone ON conversations(user_id, phone_number);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_seq ON messages(conversation_id, seq);
	`)
	return err
}

// Create starts a new conversation. An empty title gets the default
// placeholder, which the first user message later replaces.
func (s *Store) Create(ctx context.Context, userID, phone, title string) (*Conversation, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	now := s.now().UTC()

	derived := 0
	if title == "" {
		title = DefaultTitle(now)
	} else {
		if len([]rune(title)) > MaxTitleLength {
			return nil, fmt.Errorf("title exceeds %d characters", MaxTitleLength)
		}
		// An explicit title is never overwritten.
		derived = 1
	}

	c := &Conversation{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserID:      userID,
		PhoneNumber: phone,
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, phone_number, title, title_derived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.PhoneNumber, c.Title, derived,
		database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// GetOrCreate returns the user's existing conversation for phone when
// one exists; otherwise it creates a new conversation. Without a phone
// number a new conversation is always created.
func (s *Store) GetOrCreate(ctx context.Context, userID, phone string) (*Conversation, error) {
	if phone != "" {
		c, err := s.FindByPhoneNumber(ctx, userID, phone)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return s.Create(ctx, userID, phone, "")
}

const conversationColumns = `id, user_id, phone_number, title, created_at, updated_at, last_message_at`

// FindByID returns the conversation with its full message history.
func (s *Store) FindByID(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	c.Messages, err = s.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FindByPhoneNumber returns the most recently active conversation the
// user has on phone, without messages.
func (s *Store) FindByPhoneNumber(ctx context.Context, userID, phone string) (*Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = ? AND phone_number = ?
		ORDER BY updated_at DESC, id DESC LIMIT 1`, userID, phone))
}

// ListByUser returns the user's conversations, most recently updated
// first, without messages.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Messages returns the history of a conversation in append order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, role, content, timestamp FROM messages
		WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.Seq, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.Timestamp, err = database.ParseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessage adds a message to the end of a conversation. The next
// sequence number and a timestamp no earlier than the previous
// message's are computed inside the insert itself, so concurrent
// appends never overwrite each other. The first message, when it comes
// from the user, sets the title once.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) (*Message, error) {
	if !ValidRole(role) {
		return nil, fmt.Errorf("invalid message role %q", role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	msg := Message{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Role:    role,
		Content: content,
	}
	now := database.FormatTime(s.now())

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, content, timestamp)
		SELECT ?, c.id,
			COALESCE((SELECT MAX(m.seq) FROM messages m WHERE m.conversation_id = c.id), 0) + 1,
			?, ?,
			MAX(?, COALESCE(c.last_message_at, ''))
		FROM conversations c WHERE c.id = ?`,
		msg.ID, role, content, now, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	var ts string
	if err := tx.QueryRowContext(ctx,
		`SELECT seq, timestamp FROM messages WHERE id = ?`, msg.ID,
	).Scan(&msg.Seq, &ts); err != nil {
		return nil, fmt.Errorf("read appended message: %w", err)
	}
	if msg.Timestamp, err = database.ParseTime(ts); err != nil {
		return nil, err
	}

	var title sql.NullString
	if msg.Seq == 1 && role == RoleUser {
		if t := DeriveTitle(content); t != "" {
			title = sql.NullString{String: t, Valid: true}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_at = ?,
			updated_at = ?,
			title = CASE WHEN ? IS NOT NULL AND title_derived = 0 THEN ? ELSE title END,
			title_derived = CASE WHEN ? IS NOT NULL THEN 1 ELSE title_derived END
		WHERE id = ?`,
		ts, ts, title, title, title, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return &msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                Conversation
		created, updated string
		lastMessage      sql.NullString
	)
	err := row.Scan(&c.ID, &c.UserID, &c.PhoneNumber, &c.Title, &created, &updated, &lastMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if c.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	if c.LastMessageAt, err = database.ScanNullTime(lastMessage); err != nil {
		return nil, err
	}
	return &c, nil
}
