package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/protocol"
)

// handleCreateConversation returns the direct conversation between the
// caller and otherUser, creating it on first use. Only a real creation
// subscribes both users and notifies them with new_conversation.
func (e *Engine) handleCreateConversation(ctx context.Context, c Conn, m protocol.CreateConversationMsg) (interface{}, error) {
	userID := c.UserID()
	if userID == "" {
		return nil, errUnauthenticated
	}
	if m.CurrentUser.UserID != "" && m.CurrentUser.UserID != userID {
		return nil, fmt.Errorf("%w: currentUser does not match the connection", chat.ErrForbidden)
	}
	otherID := strings.TrimSpace(m.OtherUser.UserID)
	if otherID == "" {
		return nil, fmt.Errorf("%w: otherUser is required", chat.ErrInvalid)
	}
	if otherID == userID {
		return nil, fmt.Errorf("%w: cannot open a conversation with yourself", chat.ErrInvalid)
	}
	if _, err := e.store.Users.Get(ctx, otherID); err != nil {
		return nil, err
	}

	conv, created, err := e.store.Conversations.CreateDirect(ctx, userID, otherID)
	if err != nil {
		return nil, err
	}

	if created {
		for _, id := range conv.Participants {
			e.rooms.JoinUser(conv.ID, id)
			view, err := e.assembler.Assemble(ctx, conv, id)
			if err != nil {
				e.log.Error("relay: assemble new conversation", "conversation", conv.ID, "user", id, "error", err)
				continue
			}
			e.sendToUser(id, protocol.TypeNewConversation, protocol.ConversationMsg{View: *view, IsNew: true, CreatorID: userID})
		}
		e.publish(chat.Event{
			Kind:           chat.EventConversationCreated,
			ConversationID: conv.ID,
			ActorID:        userID,
			Participants:   conv.Participants,
		})
	}

	return e.assembler.Assemble(ctx, conv, userID)
}

// handleCreateGroup creates a group owned by the caller and announces it to
// every participant.
func (e *Engine) handleCreateGroup(ctx context.Context, c Conn, m protocol.CreateGroupMsg) error {
	userID := c.UserID()
	if userID == "" {
		return errUnauthenticated
	}
	if m.Creator.UserID != "" && m.Creator.UserID != userID {
		return fmt.Errorf("%w: creator does not match the connection", chat.ErrForbidden)
	}
	if err := chat.ValidateGroupInfo(chat.GroupInfo{Name: m.GroupName}); err != nil {
		return err
	}

	members := make([]string, 0, len(m.Members))
	for _, ref := range m.Members {
		if id := strings.TrimSpace(ref.UserID); id != "" {
			members = append(members, id)
		}
	}
	conv := chat.NewGroup(strings.TrimSpace(m.GroupName), userID, members, e.now())
	if len(conv.Participants) > chat.MaxGroupMembers {
		return fmt.Errorf("%w: groups are limited to %d members", chat.ErrInvalid, chat.MaxGroupMembers)
	}
	if err := e.store.Conversations.Create(ctx, conv); err != nil {
		return err
	}

	view, err := e.assembler.Assemble(ctx, conv, userID)
	if err != nil {
		return err
	}
	payload := protocol.ConversationMsg{View: *view, IsNew: true, CreatorID: userID}
	for _, id := range conv.Participants {
		e.rooms.JoinUser(conv.ID, id)
		e.sendToUser(id, protocol.TypeNewConversation, payload)
	}

	e.publish(chat.Event{
		Kind:           chat.EventConversationCreated,
		ConversationID: conv.ID,
		ActorID:        userID,
		Participants:   conv.Participants,
	})
	e.log.Info("relay: group created", "conversation", conv.ID, "owner", userID, "members", len(conv.Participants))
	return nil
}

// loadGroup fetches a group and checks the caller against authorize.
func (e *Engine) loadGroup(ctx context.Context, c Conn, convID string, authorize func(*chat.Conversation, string) error) (*chat.Conversation, error) {
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
	if !conv.IsGroup {
		return nil, fmt.Errorf("%w: conversation %s is not a group", chat.ErrForbidden, convID)
	}
	if err := authorize(conv, userID); err != nil {
		return nil, err
	}
	return conv, nil
}

func requireAdmin(conv *chat.Conversation, userID string) error {
	if !conv.IsAdmin(userID) {
		return fmt.Errorf("%w: only admins can change this group", chat.ErrForbidden)
	}
	return nil
}

func requireOwner(conv *chat.Conversation, userID string) error {
	if !conv.IsOwner(userID) {
		return fmt.Errorf("%w: only the owner can change admins", chat.ErrForbidden)
	}
	return nil
}

// groupUpdated re-reads a group and broadcasts it to the room.
func (e *Engine) groupUpdated(ctx context.Context, convID, actorID string) error {
	view, err := e.assembler.AssembleByID(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if view == nil {
		return nil
	}
	e.broadcast(convID, protocol.TypeGroupUpdated, protocol.ConversationMsg{View: *view}, "")
	e.publish(chat.Event{
		Kind:           chat.EventConversationUpdated,
		ConversationID: convID,
		ActorID:        actorID,
		Participants:   view.Participants,
	})
	return nil
}

func (e *Engine) handleUpdateGroupInfo(ctx context.Context, c Conn, m protocol.UpdateGroupInfoMsg) error {
	conv, err := e.loadGroup(ctx, c, m.ConversationID, requireAdmin)
	if err != nil {
		return err
	}
	info := chat.GroupInfo{
		Name:        strings.TrimSpace(m.GroupName),
		Description: strings.TrimSpace(m.GroupDescription),
		AvatarURL:   strings.TrimSpace(m.GroupAvatarURL),
	}
	if err := chat.ValidateGroupInfo(info); err != nil {
		return err
	}
	if err := e.store.Conversations.UpdateInfo(ctx, conv.ID, info); err != nil {
		return err
	}
	return e.groupUpdated(ctx, conv.ID, c.UserID())
}

func (e *Engine) handleAddGroupMembers(ctx context.Context, c Conn, m protocol.AddGroupMembersMsg) error {
	conv, err := e.loadGroup(ctx, c, m.ConversationID, requireAdmin)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(conv.Participants))
	for _, id := range conv.Participants {
		seen[id] = true
	}
	var added []string
	for _, id := range m.NewMemberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		added = append(added, id)
	}
	if len(added) == 0 {
		return nil
	}
	if len(conv.Participants)+len(added) > chat.MaxGroupMembers {
		return fmt.Errorf("%w: groups are limited to %d members", chat.ErrInvalid, chat.MaxGroupMembers)
	}

	if err := e.store.Conversations.AddMembers(ctx, conv.ID, added); err != nil {
		return err
	}
	for _, id := range added {
		e.rooms.JoinUser(conv.ID, id)
	}
	return e.groupUpdated(ctx, conv.ID, c.UserID())
}

// handleRemoveGroupMember removes a participant. The owner can never be
// removed, and the removed user's connections are evicted from the room
// before the update is broadcast.
func (e *Engine) handleRemoveGroupMember(ctx context.Context, c Conn, m protocol.RemoveGroupMemberMsg) error {
	conv, err := e.loadGroup(ctx, c, m.ConversationID, requireAdmin)
	if err != nil {
		return err
	}
	target := m.MemberIDToRemove
	if conv.IsOwner(target) {
		return fmt.Errorf("%w: the group owner cannot be removed", chat.ErrForbidden)
	}
	if !conv.IsParticipant(target) {
		return fmt.Errorf("member %s: %w", target, chat.ErrNotFound)
	}

	if err := e.store.Conversations.RemoveMember(ctx, conv.ID, target); err != nil {
		return err
	}
	e.rooms.LeaveUser(conv.ID, target)
	return e.groupUpdated(ctx, conv.ID, c.UserID())
}

func (e *Engine) handlePromoteAdmin(ctx context.Context, c Conn, m protocol.PromoteAdminMsg) error {
	conv, err := e.loadGroup(ctx, c, m.ConversationID, requireOwner)
	if err != nil {
		return err
	}
	target := m.MemberIDToPromote
	if !conv.IsParticipant(target) {
		return fmt.Errorf("member %s: %w", target, chat.ErrNotFound)
	}
	if conv.IsAdmin(target) {
		return nil
	}
	if err := e.store.Conversations.AddAdmin(ctx, conv.ID, target); err != nil {
		return err
	}
	return e.groupUpdated(ctx, conv.ID, c.UserID())
}

func (e *Engine) handleDemoteAdmin(ctx context.Context, c Conn, m protocol.DemoteAdminMsg) error {
	conv, err := e.loadGroup(ctx, c, m.ConversationID, requireOwner)
	if err != nil {
		return err
	}
	target := m.MemberIDToDemote
	if conv.IsOwner(target) {
		return fmt.Errorf("%w: the owner is always an admin", chat.ErrForbidden)
	}
	if !conv.IsAdmin(target) {
		return nil
	}
	if err := e.store.Conversations.RemoveAdmin(ctx, conv.ID, target); err != nil {
		return err
	}
	return e.groupUpdated(ctx, conv.ID, c.UserID())
}
