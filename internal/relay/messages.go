package relay

import (
	"context"
	"fmt"

	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/metrics"
	"github.com/chatline/relay/internal/protocol"
	"github.com/chatline/relay/internal/ratelimit"
)

// participantOf loads a conversation and checks that the caller belongs to it.
func (e *Engine) participantOf(ctx context.Context, c Conn, convID string) (*chat.Conversation, error) {
	userID := c.UserID()
	if userID == "" {
		return nil, errUnauthenticated
	}
	if convID == "" {
		return nil, fmt.Errorf("%w: conversationId is required", chat.ErrInvalid)
	}
	conv, err := e.store.Conversations.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(userID) {
		return nil, fmt.Errorf("%w: not a participant of %s", chat.ErrForbidden, convID)
	}
	return conv, nil
}

// handleGetHistory replies to the caller only with every message of the
// conversation in ascending order.
func (e *Engine) handleGetHistory(ctx context.Context, c Conn, m protocol.GetHistoryMsg) error {
	conv, err := e.participantOf(ctx, c, m.ConversationID)
	if err != nil {
		return err
	}
	msgs, err := e.store.Messages.History(ctx, conv.ID)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	e.send(c, protocol.TypeChatHistory, protocol.ChatHistoryMsg{ConversationID: conv.ID, Messages: msgs})
	return nil
}

// handleSendMessage persists a message as sent, promotes it to delivered
// when any other participant has a live session, and broadcasts it to the
// whole room including the sender.
func (e *Engine) handleSendMessage(ctx context.Context, c Conn, m protocol.SendMessageMsg) error {
	att := m.Attachment()
	if err := chat.ValidateMessage(m.Text, att); err != nil {
		return err
	}
	conv, err := e.participantOf(ctx, c, m.ConversationID)
	if err != nil {
		return err
	}
	senderID := c.UserID()
	if err := e.allow(ctx, senderID, protocol.TypeSendMessage, ratelimit.RuleMessage); err != nil {
		return err
	}

	msg := &chat.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Text:           m.Text,
		Attachment:     att,
		Status:         chat.StatusSent,
		Reactions:      []chat.Reaction{},
		Timestamp:      e.now(),
	}
	if err := e.store.Messages.Create(ctx, msg); err != nil {
		return err
	}

	if e.presence.AnyOnline(conv.Others(senderID)) {
		advanced, err := e.store.Messages.AdvanceStatus(ctx, msg.ID, chat.StatusDelivered)
		if err != nil {
			e.log.Warn("relay: mark delivered", "message", msg.ID, "error", err)
		} else if advanced {
			msg.Status = chat.StatusDelivered
		}
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Status)).Inc()

	e.broadcast(conv.ID, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: *msg, TempID: m.TempID}, "")
	e.publish(chat.Event{
		Kind:           chat.EventMessageCreated,
		ConversationID: conv.ID,
		ActorID:        senderID,
		MessageID:      msg.ID,
		Status:         msg.Status,
		Ts:             msg.Timestamp.UnixMilli(),
	})
	return nil
}

// handleMessagesRead marks the conversation read by the caller. Clients are
// told to refetch only when a status actually changed.
func (e *Engine) handleMessagesRead(ctx context.Context, c Conn, m protocol.MessagesReadMsg) error {
	conv, err := e.participantOf(ctx, c, m.ConversationID)
	if err != nil {
		return err
	}
	readerID := c.UserID()
	if m.ReaderID != "" && m.ReaderID != readerID {
		return fmt.Errorf("%w: readerId does not match the connection", chat.ErrForbidden)
	}

	n, err := e.store.Messages.MarkRead(ctx, conv.ID, readerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	e.broadcast(conv.ID, protocol.TypeMessagesStatusUpdated, protocol.MessagesStatusUpdatedMsg{ConversationID: conv.ID}, "")
	e.publish(chat.Event{
		Kind:           chat.EventMessagesRead,
		ConversationID: conv.ID,
		ActorID:        readerID,
		Status:         chat.StatusRead,
		Count:          n,
	})
	return nil
}

// handleReactToMessage toggles the caller's reaction and broadcasts the
// updated message.
func (e *Engine) handleReactToMessage(ctx context.Context, c Conn, m protocol.ReactToMessageMsg) error {
	userID := c.UserID()
	if userID == "" {
		return errUnauthenticated
	}
	if err := chat.ValidateReaction(m.Emoji); err != nil {
		return err
	}
	if m.MessageID == "" {
		return fmt.Errorf("%w: messageId is required", chat.ErrInvalid)
	}

	target, err := e.store.Messages.Get(ctx, m.MessageID)
	if err != nil {
		return err
	}
	if m.ConversationID != "" && m.ConversationID != target.ConversationID {
		return fmt.Errorf("%w: message %s is not in conversation %s", chat.ErrInvalid, m.MessageID, m.ConversationID)
	}
	if _, err := e.participantOf(ctx, c, target.ConversationID); err != nil {
		return err
	}
	if err := e.allow(ctx, userID, protocol.TypeReactToMessage, ratelimit.RuleReaction); err != nil {
		return err
	}

	updated, err := e.store.Messages.ToggleReaction(ctx, target.ID, chat.Reaction{
		Emoji:    m.Emoji,
		UserID:   userID,
		Username: c.Username(),
	})
	if err != nil {
		return err
	}

	e.broadcast(updated.ConversationID, protocol.TypeMessageUpdated, protocol.MessageUpdatedMsg{Message: *updated}, "")
	e.publish(chat.Event{
		Kind:           chat.EventMessageUpdated,
		ConversationID: updated.ConversationID,
		ActorID:        userID,
		MessageID:      updated.ID,
	})
	return nil
}

// handleTyping relays typing state to the rest of the room. It is
// transient: nothing is stored, and a sender outside the room or over its
// limit is dropped silently.
func (e *Engine) handleTyping(ctx context.Context, c Conn, m protocol.TypingMsg) error {
	userID := c.UserID()
	if userID == "" || m.ConversationID == "" {
		return nil
	}
	if !e.rooms.IsMember(m.ConversationID, c.SessionID()) {
		return nil
	}
	if e.allow(ctx, userID, protocol.TypeTyping, ratelimit.RuleTyping) != nil {
		return nil
	}
	e.broadcast(m.ConversationID, protocol.TypeTypingIndicator, protocol.TypingIndicatorMsg{
		ConversationID: m.ConversationID,
		UserID:         userID,
		IsTyping:       m.IsTyping,
	}, c.SessionID())
	return nil
}
