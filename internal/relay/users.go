package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chatline/relay/internal/assembler"
	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/protocol"
	"github.com/chatline/relay/internal/ratelimit"
	"github.com/chatline/relay/internal/store"
)

// Result tags used in search replies.
const (
	resultUser  = "user"
	resultGroup = "group"
)

func (e *Engine) handleCheckUsername(ctx context.Context, _ Conn, m protocol.CheckUsernameMsg) (interface{}, error) {
	name, err := chat.NormalizeUsername(m.Username)
	if err != nil {
		return nil, err
	}
	taken, err := e.store.Users.UsernameTaken(ctx, name)
	if err != nil {
		return nil, err
	}
	return protocol.UsernameAvailability{IsAvailable: !taken}, nil
}

// handleCreateUser creates the caller's profile. An authenticated
// connection keeps its identity-provider user id; an anonymous one is given
// a fresh id and becomes identified.
func (e *Engine) handleCreateUser(ctx context.Context, c Conn, m protocol.CreateUserMsg) (interface{}, error) {
	u := &chat.User{
		UserID:    c.UserID(),
		Username:  m.Username,
		AvatarURL: m.AvatarURL,
		Bio:       m.Bio,
		CreatedAt: e.now(),
	}
	if err := chat.ValidateProfile(u); err != nil {
		return nil, err
	}

	if u.UserID == "" {
		u.UserID = "user_" + uuid.NewString()
	} else if _, err := e.store.Users.Get(ctx, u.UserID); err == nil {
		return nil, fmt.Errorf("%w: profile already exists", chat.ErrInvalid)
	} else if !errors.Is(err, chat.ErrNotFound) {
		return nil, err
	}

	if err := e.store.Users.Create(ctx, u); err != nil {
		return nil, err
	}

	anonymous := c.UserID() == ""
	c.SetUser(u.UserID, u.Username)
	if anonymous {
		e.identify(ctx, c)
	}
	e.mirror(ctx, c)

	e.log.Info("relay: user created", "user", u.UserID, "session", c.SessionID())
	return u, nil
}

// handleUpdateProfile edits the caller's own profile.
func (e *Engine) handleUpdateProfile(ctx context.Context, c Conn, m protocol.UpdateProfileMsg) (interface{}, error) {
	userID := c.UserID()
	if userID == "" {
		return nil, errUnauthenticated
	}
	if m.UserID != "" && m.UserID != userID {
		return nil, fmt.Errorf("%w: cannot edit another user's profile", chat.ErrForbidden)
	}

	u, err := e.store.Users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.Username = m.Username
	u.AvatarURL = m.AvatarURL
	u.Bio = m.Bio
	if err := chat.ValidateProfile(u); err != nil {
		return nil, err
	}
	if err := e.store.Users.Update(ctx, u); err != nil {
		return nil, err
	}

	if u.Username != c.Username() {
		c.SetUser(userID, u.Username)
		e.mirror(ctx, c)
	}
	return u, nil
}

func (e *Engine) mirror(ctx context.Context, c Conn) {
	if e.sessions == nil {
		return
	}
	if err := e.sessions.Identify(ctx, c.SessionID(), c.UserID(), c.Username()); err != nil {
		e.log.Warn("relay: session mirror", "session", c.SessionID(), "error", err)
	}
}

// handleGetConversations lists the caller's conversations, each assembled
// for the caller. Records that vanish mid-assembly are dropped.
func (e *Engine) handleGetConversations(ctx context.Context, c Conn, m protocol.GetConversationsMsg) (interface{}, error) {
	userID := c.UserID()
	if userID == "" {
		return []assembler.View{}, nil
	}
	if m.UserID != "" && m.UserID != userID {
		return nil, fmt.Errorf("%w: cannot list another user's conversations", chat.ErrForbidden)
	}

	convs, err := e.store.Conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.assembler.AssembleAll(ctx, convs, userID)
}

// handleSearch returns up to store.SearchLimit users (never the caller)
// followed by up to store.SearchLimit of the caller's groups whose name
// contains the term. A blank term yields an empty list.
func (e *Engine) handleSearch(ctx context.Context, c Conn, m protocol.SearchMsg) (interface{}, error) {
	userID := c.UserID()
	if userID == "" {
		return nil, errUnauthenticated
	}
	term := strings.TrimSpace(m.SearchTerm)
	if term == "" {
		return []interface{}{}, nil
	}
	if utf8.RuneCountInString(term) > chat.MaxSearchTermChars {
		return nil, fmt.Errorf("%w: search term exceeds %d character limit", chat.ErrInvalid, chat.MaxSearchTermChars)
	}
	if err := e.allow(ctx, userID, protocol.TypeSearch, ratelimit.RuleSearch); err != nil {
		return nil, err
	}

	var (
		users  []chat.User
		groups []assembler.View
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = e.store.Users.Search(gctx, term, userID, store.SearchLimit)
		return err
	})
	g.Go(func() error {
		convs, err := e.store.Conversations.SearchGroups(gctx, userID, term, store.SearchLimit)
		if err != nil {
			return err
		}
		groups, err = e.assembler.AssembleAll(gctx, convs, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]interface{}, 0, len(users)+len(groups))
	for _, u := range users {
		results = append(results, protocol.SearchUserResult{User: u, Kind: resultUser})
	}
	for _, v := range groups {
		results = append(results, protocol.SearchGroupResult{View: v, Kind: resultGroup})
	}
	return results, nil
}

// handleSearchUser resolves an exact username, used when adding members.
func (e *Engine) handleSearchUser(ctx context.Context, c Conn, m protocol.SearchUserMsg) (interface{}, error) {
	if c.UserID() == "" {
		return nil, errUnauthenticated
	}
	name, err := chat.NormalizeUsername(m.Username)
	if err != nil {
		return nil, err
	}
	return e.store.Users.GetByUsername(ctx, name)
}
