// Package memory is an in-process implementation of the store contracts.
// It is used when no DATABASE_URL is configured and by the relay tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/store"
)

// New returns a Store whose three collections share one in-memory database.
func New() *store.Store {
	return NewWithClock(time.Now)
}

// NewWithClock is New with a custom time source for timestamps.
func NewWithClock(now func() time.Time) *store.Store {
	db := &DB{
		users:    make(map[string]*chat.User),
		convs:    make(map[string]*chat.Conversation),
		direct:   make(map[string]string),
		messages: make(map[string]*chat.Message),
		byConv:   make(map[string][]string),
		now:      now,
	}
	return &store.Store{
		Users:         (*users)(db),
		Conversations: (*conversations)(db),
		Messages:      (*messages)(db),
	}
}

// DB holds every collection behind a single lock.
type DB struct {
	mu       sync.RWMutex
	users    map[string]*chat.User
	userSeq  []string
	convs    map[string]*chat.Conversation
	convSeq  []string
	direct   map[string]string // DirectKey -> conversation id
	messages map[string]*chat.Message
	byConv   map[string][]string // conversation id -> message ids in insertion order
	now      func() time.Time
}

func cloneUser(u *chat.User) *chat.User {
	c := *u
	return &c
}

func cloneConv(c *chat.Conversation) *chat.Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.Admins = slices.Clone(c.Admins)
	return &out
}

func cloneMessage(m *chat.Message) *chat.Message {
	out := *m
	out.Reactions = slices.Clone(m.Reactions)
	if out.Reactions == nil {
		out.Reactions = []chat.Reaction{}
	}
	if m.Attachment != nil {
		att := *m.Attachment
		out.Attachment = &att
	}
	return &out
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

type users DB

func (s *users) usernameOwner(name string) string {
	for id, u := range s.users {
		if u.Username == name {
			return id
		}
	}
	return ""
}

func (s *users) Create(_ context.Context, u *chat.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.UserID]; ok {
		return fmt.Errorf("memory: create user %s: already exists", u.UserID)
	}
	if s.usernameOwner(u.Username) != "" {
		return chat.ErrUsernameTaken
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.users[u.UserID] = cloneUser(u)
	s.userSeq = append(s.userSeq, u.UserID)
	return nil
}

func (s *users) Get(_ context.Context, userID string) (*chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, chat.ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *users) GetByUsername(_ context.Context, username string) (*chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id := s.usernameOwner(username); id != "" {
		return cloneUser(s.users[id]), nil
	}
	return nil, fmt.Errorf("username %q: %w", username, chat.ErrNotFound)
}

func (s *users) UsernameTaken(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usernameOwner(username) != "", nil
}

func (s *users) Update(_ context.Context, u *chat.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", u.UserID, chat.ErrNotFound)
	}
	if owner := s.usernameOwner(u.Username); owner != "" && owner != u.UserID {
		return chat.ErrUsernameTaken
	}
	existing.Username = u.Username
	existing.AvatarURL = u.AvatarURL
	existing.Bio = u.Bio
	*u = *cloneUser(existing)
	return nil
}

func (s *users) FindByIDs(_ context.Context, userIDs []string) ([]chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.User, 0, len(userIDs))
	for _, id := range userIDs {
		if u, ok := s.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (s *users) Search(_ context.Context, term, excludeUserID string, limit int) ([]chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.User
	for _, id := range s.userSeq {
		if len(out) >= limit {
			break
		}
		u := s.users[id]
		if id == excludeUserID || !containsFold(u.Username, term) {
			continue
		}
		out = append(out, *u)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

type conversations DB

func (s *conversations) insert(c *chat.Conversation) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.convs[c.ID] = cloneConv(c)
	s.convSeq = append(s.convSeq, c.ID)
}

func (s *conversations) Create(_ context.Context, c *chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	if !c.IsGroup && len(c.Participants) == 2 {
		key = chat.DirectKey(c.Participants[0], c.Participants[1])
		if _, ok := s.direct[key]; ok {
			return fmt.Errorf("memory: direct conversation %s already exists", key)
		}
	}
	s.insert(c)
	if key != "" {
		s.direct[key] = c.ID
	}
	return nil
}

func (s *conversations) get(id string) (*chat.Conversation, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, chat.ErrNotFound)
	}
	return c, nil
}

func (s *conversations) Get(_ context.Context, id string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return cloneConv(c), nil
}

func (s *conversations) FindDirect(_ context.Context, a, b string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.direct[chat.DirectKey(a, b)]
	if !ok {
		return nil, fmt.Errorf("direct conversation %s/%s: %w", a, b, chat.ErrNotFound)
	}
	return cloneConv(s.convs[id]), nil
}

func (s *conversations) CreateDirect(_ context.Context, a, b string) (*chat.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chat.DirectKey(a, b)
	if id, ok := s.direct[key]; ok {
		return cloneConv(s.convs[id]), false, nil
	}
	c := &chat.Conversation{Participants: []string{a, b}}
	s.insert(c)
	s.direct[key] = c.ID
	return cloneConv(c), true, nil
}

func (s *conversations) ListForUser(_ context.Context, userID string) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Conversation
	for _, id := range s.convSeq {
		c := s.convs[id]
		if c.IsParticipant(userID) {
			out = append(out, *cloneConv(c))
		}
	}
	return out, nil
}

func (s *conversations) SearchGroups(_ context.Context, userID, term string, limit int) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Conversation
	for _, id := range s.convSeq {
		if len(out) >= limit {
			break
		}
		c := s.convs[id]
		if c.IsGroup && c.IsParticipant(userID) && containsFold(c.GroupName, term) {
			out = append(out, *cloneConv(c))
		}
	}
	return out, nil
}

func (s *conversations) UpdateInfo(_ context.Context, id string, info chat.GroupInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(id)
	if err != nil {
		return err
	}
	c.GroupName = info.Name
	c.GroupDescription = info.Description
	c.GroupAvatarURL = info.AvatarURL
	return nil
}

func (s *conversations) AddMembers(_ context.Context, id string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(id)
	if err != nil {
		return err
	}
	for _, u := range userIDs {
		if !slices.Contains(c.Participants, u) {
			c.Participants = append(c.Participants, u)
		}
	}
	return nil
}

func (s *conversations) RemoveMember(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(id)
	if err != nil {
		return err
	}
	c.Participants = slices.DeleteFunc(c.Participants, func(p string) bool { return p == userID })
	c.Admins = slices.DeleteFunc(c.Admins, func(p string) bool { return p == userID })
	return nil
}

func (s *conversations) AddAdmin(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(id)
	if err != nil {
		return err
	}
	if !slices.Contains(c.Admins, userID) {
		c.Admins = append(c.Admins, userID)
	}
	return nil
}

func (s *conversations) RemoveAdmin(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(id)
	if err != nil {
		return err
	}
	c.Admins = slices.DeleteFunc(c.Admins, func(p string) bool { return p == userID })
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type messages DB

func (s *messages) Create(_ context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	if m.Reactions == nil {
		m.Reactions = []chat.Reaction{}
	}
	s.messages[m.ID] = cloneMessage(m)
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	return nil
}

func (s *messages) get(id string) (*chat.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	return m, nil
}

func (s *messages) Get(_ context.Context, id string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return cloneMessage(m), nil
}

func (s *messages) History(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConv[conversationID]
	out := make([]chat.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneMessage(s.messages[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *messages) Last(_ context.Context, conversationID string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *chat.Message
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if last == nil || m.Timestamp.After(last.Timestamp) ||
			(m.Timestamp.Equal(last.Timestamp) && m.ID > last.ID) {
			last = m
		}
	}
	if last == nil {
		return nil, nil
	}
	return cloneMessage(last), nil
}

func (s *messages) AdvanceStatus(_ context.Context, id string, status chat.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.get(id)
	if err != nil {
		return false, err
	}
	if !m.Status.Advances(status) {
		return false, nil
	}
	m.Status = status
	return true, nil
}

func (s *messages) MarkRead(_ context.Context, conversationID, readerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if m.SenderID == readerID || m.Status == chat.StatusRead {
			continue
		}
		m.Status = chat.StatusRead
		changed++
	}
	return changed, nil
}

func (s *messages) ToggleReaction(_ context.Context, id string, r chat.Reaction) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	m.Reactions = chat.ToggleReaction(m.Reactions, r)
	return cloneMessage(m), nil
}
