// Package assembler turns stored conversation records into the enriched
// views sent to clients: participant profiles, the latest message and,
// for direct chats, the counterpart's profile.
package assembler

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/store"
)

// maxConcurrent bounds the store round-trips of one AssembleAll call.
const maxConcurrent = 8

// View is a conversation as presented to one requesting user.
type View struct {
	chat.Conversation
	ParticipantsInfo []chat.User   `json:"participantsInfo"`
	LastMessage      *chat.Message `json:"lastMessage"`
	OtherUser        *chat.User    `json:"otherUser,omitempty"`
}

// Assembler resolves the references of a conversation.
type Assembler struct {
	users    store.Users
	convs    store.Conversations
	messages store.Messages
}

// New returns an Assembler reading from st.
func New(st *store.Store) *Assembler {
	return &Assembler{users: st.Users, convs: st.Conversations, messages: st.Messages}
}

// Assemble builds the view of conv for requesterID. A nil conv yields a
// nil view and no error so list callers can drop missing records.
func (a *Assembler) Assemble(ctx context.Context, conv *chat.Conversation, requesterID string) (*View, error) {
	if conv == nil {
		return nil, nil
	}

	view := &View{Conversation: *conv}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		users, err := a.users.FindByIDs(gctx, conv.Participants)
		if err != nil {
			return fmt.Errorf("assembler: participants of %s: %w", conv.ID, err)
		}
		if users == nil {
			users = []chat.User{}
		}
		view.ParticipantsInfo = users
		return nil
	})
	g.Go(func() error {
		last, err := a.messages.Last(gctx, conv.ID)
		if err != nil {
			return fmt.Errorf("assembler: last message of %s: %w", conv.ID, err)
		}
		view.LastMessage = last
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if other := conv.Other(requesterID); other != "" {
		for i := range view.ParticipantsInfo {
			if view.ParticipantsInfo[i].UserID == other {
				u := view.ParticipantsInfo[i]
				view.OtherUser = &u
				break
			}
		}
	}
	return view, nil
}

// AssembleByID loads and assembles a conversation. A conversation that no
// longer exists yields nil, nil.
func (a *Assembler) AssembleByID(ctx context.Context, id, requesterID string) (*View, error) {
	conv, err := a.convs.Get(ctx, id)
	if errors.Is(err, chat.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a.Assemble(ctx, conv, requesterID)
}

// AssembleAll assembles convs concurrently, preserving their order.
func (a *Assembler) AssembleAll(ctx context.Context, convs []chat.Conversation, requesterID string) ([]View, error) {
	views := make([]*View, len(convs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for i := range convs {
		i := i
		g.Go(func() error {
			v, err := a.Assemble(gctx, &convs[i], requesterID)
			if err != nil {
				return err
			}
			views[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]View, 0, len(views))
	for _, v := range views {
		if v != nil {
			out = append(out, *v)
		}
	}
	return out, nil
}
