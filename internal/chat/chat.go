// Package chat defines the domain model shared by the relay: users,
// conversations, messages with their delivery status, and reactions.
// It has no I/O; stores and the relay engine build on these types.
package chat

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"time"
)

// Domain errors. Stores and the relay wrap these with detail via
// fmt.Errorf("%w: ...") so callers can match with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalid       = errors.New("invalid request")
)

// User is a chat profile.
type User struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatarUrl"`
	Bio       string    `json:"bio"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is either a direct chat between two users or a group.
// For groups OwnerID is always present in Admins, and Admins is a subset
// of Participants.
type Conversation struct {
	ID               string    `json:"id"`
	Participants     []string  `json:"participants"`
	IsGroup          bool      `json:"isGroup"`
	OwnerID          string    `json:"ownerId,omitempty"`
	Admins           []string  `json:"admins,omitempty"`
	GroupName        string    `json:"groupName,omitempty"`
	GroupDescription string    `json:"groupDescription,omitempty"`
	GroupAvatarURL   string    `json:"groupAvatarUrl,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// IsParticipant reports whether userID belongs to the conversation.
func (c *Conversation) IsParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// IsAdmin reports whether userID may change group metadata and membership.
func (c *Conversation) IsAdmin(userID string) bool {
	return slices.Contains(c.Admins, userID)
}

// IsOwner reports whether userID created the group.
func (c *Conversation) IsOwner(userID string) bool {
	return c.OwnerID != "" && c.OwnerID == userID
}

// Others returns every participant except userID.
func (c *Conversation) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// Other returns the counterpart of userID in a direct conversation, or ""
// for groups.
func (c *Conversation) Other(userID string) string {
	if c.IsGroup {
		return ""
	}
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// DirectKey is the order-independent key of a direct conversation between
// a and b. At most one direct conversation exists per key.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// NewGroup builds a group owned by creator. The creator is always the
// first participant and the sole initial admin; duplicate member ids are
// dropped.
func NewGroup(name, creator string, members []string, now time.Time) *Conversation {
	participants := []string{creator}
	for _, m := range members {
		if m == "" || slices.Contains(participants, m) {
			continue
		}
		participants = append(participants, m)
	}
	return &Conversation{
		Participants: participants,
		IsGroup:      true,
		OwnerID:      creator,
		Admins:       []string{creator},
		GroupName:    name,
		CreatedAt:    now,
	}
}

// GroupInfo is the mutable metadata of a group.
type GroupInfo struct {
	Name        string
	Description string
	AvatarURL   string
}
