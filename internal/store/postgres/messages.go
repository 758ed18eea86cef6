package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chatline/relay/internal/chat"
)

// Messages is the messages table.
type Messages struct {
	db *sql.DB
}

const messageColumns = `id, conversation_id, sender_id, text, file_url, file_name, file_type,
	status, reactions, created_at`

// statusRank mirrors chat.Status.Rank so the monotonic check happens in
// the UPDATE itself.
const statusRank = `CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END`

func scanMessage(row interface{ Scan(...any) error }) (*chat.Message, error) {
	var (
		m                           chat.Message
		fileURL, fileName, fileType sql.NullString
		reactions                   []byte
	)
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Text,
		&fileURL,
		&fileName,
		&fileType,
		&m.Status,
		&reactions,
		&m.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	if fileURL.Valid {
		m.Attachment = &chat.Attachment{
			URL:  fileURL.String,
			Name: fileName.String,
			Kind: chat.AttachmentKind(fileType.String),
		}
	}
	m.Reactions = []chat.Reaction{}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions: %w", err)
		}
	}
	return &m, nil
}

func messageNotFound(id string) error {
	return fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
}

func (s *Messages) Create(ctx context.Context, m *chat.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Reactions == nil {
		m.Reactions = []chat.Reaction{}
	}
	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return fmt.Errorf("messages: marshal reactions: %w", err)
	}

	var fileURL, fileName, fileType sql.NullString
	if m.Attachment != nil {
		fileURL = sql.NullString{String: m.Attachment.URL, Valid: true}
		fileName = sql.NullString{String: m.Attachment.Name, Valid: true}
		fileType = sql.NullString{String: string(m.Attachment.Kind), Valid: true}
	}

	const query = `
		INSERT INTO messages (id, conversation_id, sender_id, text, file_url, file_name, file_type, status, reactions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))
		RETURNING created_at`

	var ts sql.NullTime
	if !m.Timestamp.IsZero() {
		ts = sql.NullTime{Time: m.Timestamp, Valid: true}
	}
	err = s.db.QueryRowContext(ctx, query,
		m.ID,
		m.ConversationID,
		m.SenderID,
		m.Text,
		fileURL,
		fileName,
		fileType,
		string(m.Status),
		string(reactions),
		ts,
	).Scan(&m.Timestamp)
	if err != nil {
		return fmt.Errorf("messages: insert: %w", err)
	}
	return nil
}

func (s *Messages) Get(ctx context.Context, id string) (*chat.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, messageNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("messages: get: %w", err)
	}
	return m, nil
}

func (s *Messages) History(ctx context.Context, conversationID string) ([]chat.Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("messages: history: %w", err)
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("messages: history scan: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages: history: %w", err)
	}
	return out, nil
}

func (s *Messages) Last(ctx context.Context, conversationID string) (*chat.Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("messages: last: %w", err)
	}
	return m, nil
}

func (s *Messages) AdvanceStatus(ctx context.Context, id string, status chat.Status) (bool, error) {
	if !status.Persisted() {
		return false, fmt.Errorf("%w: status %q cannot be stored", chat.ErrInvalid, status)
	}

	query := `UPDATE messages SET status = $2 WHERE id = $1 AND ` + statusRank + ` < $3`
	res, err := s.db.ExecContext(ctx, query, id, string(status), status.Rank())
	if err != nil {
		return false, fmt.Errorf("messages: advance status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("messages: advance status: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("messages: advance status: %w", err)
	}
	if !exists {
		return false, messageNotFound(id)
	}
	return false, nil
}

func (s *Messages) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	const query = `
		UPDATE messages SET status = 'read'
		WHERE conversation_id = $1 AND sender_id <> $2 AND status <> 'read'`

	res, err := s.db.ExecContext(ctx, query, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("messages: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("messages: mark read: %w", err)
	}
	return int(n), nil
}

// ToggleReaction locks the message row so two users reacting at the same
// time do not lose each other's update.
func (s *Messages) ToggleReaction(ctx context.Context, id string, r chat.Reaction) (*chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("messages: toggle reaction: begin: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT reactions FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, messageNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("messages: toggle reaction: select: %w", err)
	}

	var reactions []chat.Reaction
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reactions); err != nil {
			return nil, fmt.Errorf("messages: toggle reaction: decode: %w", err)
		}
	}
	updated, err := json.Marshal(chat.ToggleReaction(reactions, r))
	if err != nil {
		return nil, fmt.Errorf("messages: toggle reaction: encode: %w", err)
	}

	m, err := scanMessage(tx.QueryRowContext(ctx,
		`UPDATE messages SET reactions = $2 WHERE id = $1 RETURNING `+messageColumns, id, string(updated)))
	if err != nil {
		return nil, fmt.Errorf("messages: toggle reaction: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("messages: toggle reaction: commit: %w", err)
	}
	return m, nil
}
