package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/chatline/relay/internal/chat"
)

// Users is the users table.
type Users struct {
	db *sql.DB
}

const userColumns = `user_id, username, avatar_url, bio, created_at`

func scanUser(row interface{ Scan(...any) error }) (*chat.User, error) {
	var u chat.User
	if err := row.Scan(&u.UserID, &u.Username, &u.AvatarURL, &u.Bio, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Users) Create(ctx context.Context, u *chat.User) error {
	const query = `
		INSERT INTO users (user_id, username, avatar_url, bio)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query, u.UserID, u.Username, u.AvatarURL, u.Bio).Scan(&u.CreatedAt)
	if isUniqueViolation(err, "users_username_key") {
		return chat.ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("users: insert: %w", err)
	}
	return nil
}

func (s *Users) Get(ctx context.Context, userID string) (*chat.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, chat.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("users: get: %w", err)
	}
	return u, nil
}

func (s *Users) GetByUsername(ctx context.Context, username string) (*chat.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("username %q: %w", username, chat.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("users: get by username: %w", err)
	}
	return u, nil
}

func (s *Users) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("users: username taken: %w", err)
	}
	return taken, nil
}

func (s *Users) Update(ctx context.Context, u *chat.User) error {
	const query = `
		UPDATE users SET username = $2, avatar_url = $3, bio = $4
		WHERE user_id = $1
		RETURNING ` + userColumns

	updated, err := scanUser(s.db.QueryRowContext(ctx, query, u.UserID, u.Username, u.AvatarURL, u.Bio))
	switch {
	case isUniqueViolation(err, "users_username_key"):
		return chat.ErrUsernameTaken
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("user %s: %w", u.UserID, chat.ErrNotFound)
	case err != nil:
		return fmt.Errorf("users: update: %w", err)
	}
	*u = *updated
	return nil
}

func (s *Users) FindByIDs(ctx context.Context, userIDs []string) ([]chat.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE user_id = ANY($1::text[])
		ORDER BY array_position($1::text[], user_id)`

	return s.queryUsers(ctx, "find by ids", query, pq.Array(userIDs))
}

func (s *Users) Search(ctx context.Context, term, excludeUserID string, limit int) ([]chat.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE username ILIKE $1 AND user_id <> $2
		ORDER BY created_at, user_id
		LIMIT $3`

	return s.queryUsers(ctx, "search", query, likePattern(term), excludeUserID, limit)
}

func (s *Users) queryUsers(ctx context.Context, op, query string, args ...any) ([]chat.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("users: %s: %w", op, err)
	}
	defer rows.Close()

	var out []chat.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("users: %s scan: %w", op, err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("users: %s: %w", op, err)
	}
	return out, nil
}
