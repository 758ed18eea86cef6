package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/chatline/relay/internal/chat"
)

// Conversations is the conversations table. Direct conversations carry a
// direct_key with a unique constraint so a pair can only have one.
type Conversations struct {
	db *sql.DB
}

const conversationColumns = `id, participants, is_group, owner_id, admins,
	group_name, group_description, group_avatar_url, created_at`

func scanConversation(row interface{ Scan(...any) error }) (*chat.Conversation, error) {
	var c chat.Conversation
	err := row.Scan(
		&c.ID,
		pq.Array(&c.Participants),
		&c.IsGroup,
		&c.OwnerID,
		pq.Array(&c.Admins),
		&c.GroupName,
		&c.GroupDescription,
		&c.GroupAvatarURL,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func notFound(id string) error {
	return fmt.Errorf("conversation %s: %w", id, chat.ErrNotFound)
}

func (s *Conversations) Create(ctx context.Context, c *chat.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var directKey sql.NullString
	if !c.IsGroup && len(c.Participants) == 2 {
		directKey = sql.NullString{String: chat.DirectKey(c.Participants[0], c.Participants[1]), Valid: true}
	}
	if c.Admins == nil {
		c.Admins = []string{}
	}

	const query = `
		INSERT INTO conversations (id, participants, is_group, owner_id, admins,
			group_name, group_description, group_avatar_url, direct_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		c.ID,
		pq.Array(c.Participants),
		c.IsGroup,
		c.OwnerID,
		pq.Array(c.Admins),
		c.GroupName,
		c.GroupDescription,
		c.GroupAvatarURL,
		directKey,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("conversations: insert: %w", err)
	}
	return nil
}

func (s *Conversations) Get(ctx context.Context, id string) (*chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("conversations: get: %w", err)
	}
	return c, nil
}

func (s *Conversations) FindDirect(ctx context.Context, a, b string) (*chat.Conversation, error) {
	key := chat.DirectKey(a, b)
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE direct_key = $1`, key)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("direct conversation %s: %w", key, chat.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("conversations: find direct: %w", err)
	}
	return c, nil
}

// CreateDirect inserts the pair's conversation unless the direct_key
// already exists; concurrent callers converge on the same row.
func (s *Conversations) CreateDirect(ctx context.Context, a, b string) (*chat.Conversation, bool, error) {
	const query = `
		INSERT INTO conversations (id, participants, is_group, direct_key)
		VALUES ($1, $2, FALSE, $3)
		ON CONFLICT (direct_key) DO NOTHING
		RETURNING ` + conversationColumns

	c, err := scanConversation(s.db.QueryRowContext(ctx, query,
		uuid.NewString(),
		pq.Array([]string{a, b}),
		chat.DirectKey(a, b),
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("conversations: create direct: %w", err)
	}

	c, err = s.FindDirect(ctx, a, b)
	if err != nil {
		return nil, false, err
	}
	return c, false, nil
}

func (s *Conversations) ListForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	const query = `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participants @> ARRAY[$1]::text[]
		ORDER BY created_at, id`

	return s.queryConversations(ctx, "list for user", query, userID)
}

func (s *Conversations) SearchGroups(ctx context.Context, userID, term string, limit int) ([]chat.Conversation, error) {
	const query = `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE is_group AND participants @> ARRAY[$1]::text[] AND group_name ILIKE $2
		ORDER BY created_at, id
		LIMIT $3`

	return s.queryConversations(ctx, "search groups", query, userID, likePattern(term), limit)
}

func (s *Conversations) UpdateInfo(ctx context.Context, id string, info chat.GroupInfo) error {
	const query = `
		UPDATE conversations
		SET group_name = $2, group_description = $3, group_avatar_url = $4
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, info.Name, info.Description, info.AvatarURL)
	if err != nil {
		return fmt.Errorf("conversations: update info: %w", err)
	}
	return expectRow(res, notFound(id))
}

func (s *Conversations) AddMembers(ctx context.Context, id string, userIDs []string) error {
	var unique []string
	for _, u := range userIDs {
		if u != "" && !slices.Contains(unique, u) {
			unique = append(unique, u)
		}
	}

	const query = `
		UPDATE conversations
		SET participants = participants || ARRAY(
			SELECT m FROM unnest($2::text[]) WITH ORDINALITY AS t(m, i)
			WHERE NOT m = ANY(participants)
			ORDER BY i)
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, pq.Array(unique))
	if err != nil {
		return fmt.Errorf("conversations: add members: %w", err)
	}
	return expectRow(res, notFound(id))
}

func (s *Conversations) RemoveMember(ctx context.Context, id, userID string) error {
	const query = `
		UPDATE conversations
		SET participants = array_remove(participants, $2), admins = array_remove(admins, $2)
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("conversations: remove member: %w", err)
	}
	return expectRow(res, notFound(id))
}

func (s *Conversations) AddAdmin(ctx context.Context, id, userID string) error {
	const query = `
		UPDATE conversations
		SET admins = CASE WHEN $2 = ANY(admins) THEN admins ELSE array_append(admins, $2) END
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("conversations: add admin: %w", err)
	}
	return expectRow(res, notFound(id))
}

func (s *Conversations) RemoveAdmin(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET admins = array_remove(admins, $2) WHERE id = $1`, id, userID)
	if err != nil {
		return fmt.Errorf("conversations: remove admin: %w", err)
	}
	return expectRow(res, notFound(id))
}

func (s *Conversations) queryConversations(ctx context.Context, op, query string, args ...any) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversations: %s: %w", op, err)
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("conversations: %s scan: %w", op, err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversations: %s: %w", op, err)
	}
	return out, nil
}
