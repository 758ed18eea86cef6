package client

import (
	"context"

	"github.com/chatline/relay/internal/assembler"
	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/protocol"
)

// UsernameAvailable asks whether name is still free.
func (c *Client) UsernameAvailable(ctx context.Context, name string) (bool, error) {
	var out protocol.UsernameAvailability
	err := c.Request(ctx, protocol.TypeCheckUsername, protocol.CheckUsernameMsg{Username: name}, &out)
	return out.IsAvailable, err
}

// CreateUser creates the caller's profile and adopts the identity the relay
// assigned to it.
func (c *Client) CreateUser(ctx context.Context, username string) (*chat.User, error) {
	var u chat.User
	if err := c.Request(ctx, protocol.TypeCreateUser, protocol.CreateUserMsg{Username: username}, &u); err != nil {
		return nil, err
	}
	c.setUser(u.UserID, u.Username)
	return &u, nil
}

// Conversations lists the caller's conversations.
func (c *Client) Conversations(ctx context.Context) ([]assembler.View, error) {
	var out []assembler.View
	err := c.Request(ctx, protocol.TypeGetConversations, protocol.GetConversationsMsg{UserID: c.UserID()}, &out)
	return out, err
}

// OpenDirect returns the direct conversation with otherUserID, creating it
// on first use.
func (c *Client) OpenDirect(ctx context.Context, otherUserID string) (*assembler.View, error) {
	var v assembler.View
	err := c.Request(ctx, protocol.TypeCreateConversation, protocol.CreateConversationMsg{
		CurrentUser: protocol.UserRef{UserID: c.UserID(), Username: c.Username()},
		OtherUser:   protocol.UserRef{UserID: otherUserID},
	}, &v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateGroup asks the relay to create a group. The group arrives later as
// a new_conversation event.
func (c *Client) CreateGroup(name string, memberIDs []string) error {
	members := make([]protocol.UserRef, 0, len(memberIDs))
	for _, id := range memberIDs {
		members = append(members, protocol.UserRef{UserID: id})
	}
	return c.Send(protocol.TypeCreateGroup, protocol.CreateGroupMsg{
		GroupName: name,
		Members:   members,
		Creator:   protocol.UserRef{UserID: c.UserID(), Username: c.Username()},
	})
}

// Typing reports the caller's typing state in a conversation.
func (c *Client) Typing(conversationID string, isTyping bool) error {
	return c.Send(protocol.TypeTyping, protocol.TypingMsg{ConversationID: conversationID, IsTyping: isTyping})
}

// React toggles the caller's emoji on a message.
func (c *Client) React(conversationID, messageID, emoji string) error {
	return c.Send(protocol.TypeReactToMessage, protocol.ReactToMessageMsg{
		ConversationID: conversationID,
		MessageID:      messageID,
		Emoji:          emoji,
	})
}
