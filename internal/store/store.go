// Package store declares the persistence contracts used by the relay. The
// memory subpackage backs development mode and tests; the postgres
// subpackage is the durable implementation.
package store

import (
	"context"

	"github.com/chatline/relay/internal/chat"
)

// SearchLimit caps each half of a search result.
const SearchLimit = 5

// Users persists chat profiles. Usernames are unique; Create and Update
// return chat.ErrUsernameTaken on conflict.
type Users interface {
	Create(ctx context.Context, u *chat.User) error
	Get(ctx context.Context, userID string) (*chat.User, error)
	GetByUsername(ctx context.Context, username string) (*chat.User, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
	Update(ctx context.Context, u *chat.User) error
	FindByIDs(ctx context.Context, userIDs []string) ([]chat.User, error)
	// Search returns up to limit users whose username contains term,
	// case-insensitively, excluding excludeUserID.
	Search(ctx context.Context, term, excludeUserID string, limit int) ([]chat.User, error)
}

// Conversations persists conversation metadata. Get returns
// chat.ErrNotFound when the record does not exist.
type Conversations interface {
	Create(ctx context.Context, c *chat.Conversation) error
	Get(ctx context.Context, id string) (*chat.Conversation, error)
	// FindDirect returns the direct conversation between a and b, or
	// chat.ErrNotFound.
	FindDirect(ctx context.Context, a, b string) (*chat.Conversation, error)
	// CreateDirect returns the direct conversation between a and b,
	// creating it when absent. created reports whether this call made it.
	CreateDirect(ctx context.Context, a, b string) (c *chat.Conversation, created bool, err error)
	ListForUser(ctx context.Context, userID string) ([]chat.Conversation, error)
	SearchGroups(ctx context.Context, userID, term string, limit int) ([]chat.Conversation, error)
	UpdateInfo(ctx context.Context, id string, info chat.GroupInfo) error
	AddMembers(ctx context.Context, id string, userIDs []string) error
	// RemoveMember pulls userID from both participants and admins.
	RemoveMember(ctx context.Context, id, userID string) error
	AddAdmin(ctx context.Context, id, userID string) error
	RemoveAdmin(ctx context.Context, id, userID string) error
}

// Messages persists messages, their delivery status and reactions.
type Messages interface {
	Create(ctx context.Context, m *chat.Message) error
	Get(ctx context.Context, id string) (*chat.Message, error)
	// History returns every message of a conversation ordered by
	// timestamp ascending, ties broken by id.
	History(ctx context.Context, conversationID string) ([]chat.Message, error)
	// Last returns the newest message of a conversation, or nil when the
	// conversation has none.
	Last(ctx context.Context, conversationID string) (*chat.Message, error)
	// AdvanceStatus moves a message forward to status. It reports false
	// when the stored status is already at or past status.
	AdvanceStatus(ctx context.Context, id string, status chat.Status) (bool, error)
	// MarkRead moves every message in the conversation not sent by
	// readerID and not yet read to chat.StatusRead. It returns how many
	// records changed.
	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)
	// ToggleReaction applies chat.ToggleReaction atomically and returns
	// the updated message.
	ToggleReaction(ctx context.Context, id string, r chat.Reaction) (*chat.Message, error)
}

// Store groups the three collections.
type Store struct {
	Users         Users
	Conversations Conversations
	Messages      Messages
}
