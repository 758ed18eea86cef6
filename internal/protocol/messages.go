// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the relay. All messages are flat JSON
// objects with a "type" discriminator and camelCase fields. Messages that
// expect a reply carry a client-chosen "requestId" which the relay echoes in
// exactly one "ack".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chatline/relay/internal/assembler"
	"github.com/chatline/relay/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server request types. Each is answered by one ack.
const (
	TypeCheckUsername      = "check_username"
	TypeCreateUser         = "create_user"
	TypeUpdateProfile      = "update_profile"
	TypeGetConversations   = "get_conversations"
	TypeSearch             = "search"
	TypeSearchUser         = "search_user"
	TypeCreateConversation = "create_conversation"
)

// Client -> Server fire-and-forget types.
const (
	TypeCreateGroup       = "create_group"
	TypeUpdateGroupInfo   = "update_group_info"
	TypeAddGroupMembers   = "add_group_members"
	TypeRemoveGroupMember = "remove_group_member"
	TypePromoteAdmin      = "promote_admin"
	TypeDemoteAdmin       = "demote_admin"
	TypeGetHistory        = "get_history"
	TypeSendMessage       = "send_message"
	TypeMessagesRead      = "messages_read"
	TypeReactToMessage    = "react_to_message"
	TypeTyping            = "typing"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated        = "session_created"
	TypeAck                   = "ack"
	TypeNewConversation       = "new_conversation"
	TypeGroupUpdated          = "group_updated"
	TypeChatHistory           = "chat_history"
	TypeNewMessage            = "new_message"
	TypeMessagesStatusUpdated = "messages_status_updated"
	TypeMessageUpdated        = "message_updated"
	TypeTypingIndicator       = "typing_indicator"
	TypeRateLimited           = "rate_limited"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Error codes carried by ErrorMsg and AckError.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidRequest  = "invalid_request"
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeRateLimited     = "rate_limited" // acks only; events get a rate_limited message
	CodeInternal        = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type, the optional request id and the raw JSON
// payload for deferred parsing into a concrete struct.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type" and
// "requestId" fields so the rest can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.RequestID = partial.RequestID
	return nil
}

// PeekRequestID returns the requestId of a raw client message, or "" if the
// bytes are not a JSON object or carry none. It lets the relay answer a
// request whose payload failed to decode.
func PeekRequestID(data []byte) string {
	var partial struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return ""
	}
	return partial.RequestID
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// Request is embedded by every client message answered with an ack.
type Request struct {
	RequestID string `json:"requestId,omitempty"`
}

// Correlation returns the client-chosen request id.
func (r Request) Correlation() string { return r.RequestID }

// Correlated is implemented by every request message.
type Correlated interface {
	Correlation() string
}

// UserRef identifies a user inside a client payload.
type UserRef struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// CheckUsernameMsg asks whether a display name is still free.
type CheckUsernameMsg struct {
	Type string `json:"type"`
	Request
	Username string `json:"username"`
}

// CreateUserMsg creates the caller's profile.
type CreateUserMsg struct {
	Type string `json:"type"`
	Request
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Bio       string `json:"bio,omitempty"`
}

// UpdateProfileMsg edits the caller's own profile.
type UpdateProfileMsg struct {
	Type string `json:"type"`
	Request
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
	Bio       string `json:"bio"`
}

// GetConversationsMsg lists the caller's conversations.
type GetConversationsMsg struct {
	Type string `json:"type"`
	Request
	UserID string `json:"userId"`
}

// SearchMsg searches users and the caller's groups.
type SearchMsg struct {
	Type string `json:"type"`
	Request
	SearchTerm string `json:"searchTerm"`
}

// SearchUserMsg looks up one user by exact username.
type SearchUserMsg struct {
	Type string `json:"type"`
	Request
	Username string `json:"username"`
}

// CreateConversationMsg opens (or reopens) a direct conversation.
type CreateConversationMsg struct {
	Type string `json:"type"`
	Request
	CurrentUser UserRef `json:"currentUser"`
	OtherUser   UserRef `json:"otherUser"`
}

// CreateGroupMsg creates a group owned by the caller.
type CreateGroupMsg struct {
	Type      string    `json:"type"`
	GroupName string    `json:"groupName"`
	Members   []UserRef `json:"members"`
	Creator   UserRef   `json:"creator"`
}

// UpdateGroupInfoMsg edits group metadata.
type UpdateGroupInfoMsg struct {
	Type             string `json:"type"`
	ConversationID   string `json:"conversationId"`
	GroupName        string `json:"groupName"`
	GroupDescription string `json:"groupDescription"`
	GroupAvatarURL   string `json:"groupAvatarUrl"`
}

// AddGroupMembersMsg adds participants to a group.
type AddGroupMembersMsg struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversationId"`
	NewMemberIDs   []string `json:"newMemberIds"`
}

// RemoveGroupMemberMsg removes a participant from a group.
type RemoveGroupMemberMsg struct {
	Type             string `json:"type"`
	ConversationID   string `json:"conversationId"`
	MemberIDToRemove string `json:"memberIdToRemove"`
}

// PromoteAdminMsg grants admin rights to a participant.
type PromoteAdminMsg struct {
	Type              string `json:"type"`
	ConversationID    string `json:"conversationId"`
	MemberIDToPromote string `json:"memberIdToPromote"`
}

// DemoteAdminMsg revokes admin rights.
type DemoteAdminMsg struct {
	Type             string `json:"type"`
	ConversationID   string `json:"conversationId"`
	MemberIDToDemote string `json:"memberIdToDemote"`
}

// GetHistoryMsg requests every message of a conversation.
type GetHistoryMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// SendMessageMsg sends text and/or an already uploaded attachment. TempID is
// echoed unchanged on the resulting new_message.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	TempID         string `json:"tempId,omitempty"`
	FileURL        string `json:"fileUrl,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	FileType       string `json:"fileType,omitempty"`
}

// Attachment returns the attachment described by the message, if any.
func (m SendMessageMsg) Attachment() *chat.Attachment {
	if m.FileURL == "" {
		return nil
	}
	return &chat.Attachment{
		URL:  m.FileURL,
		Name: m.FileName,
		Kind: chat.ParseAttachmentKind(m.FileType),
	}
}

// MessagesReadMsg marks a conversation as read by the caller.
type MessagesReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

// ReactToMessageMsg toggles the caller's reaction on a message.
type ReactToMessageMsg struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Emoji          string `json:"emoji"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the WebSocket upgrade completes.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

// AckError describes why a request failed.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckMsg is the single reply to a request message.
type AckMsg struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	Event     string      `json:"event"`
	OK        bool        `json:"ok"`
	Data      interface{} `json:"data,omitempty"`
	Error     *AckError   `json:"error,omitempty"`
}

// UsernameAvailability answers check_username.
type UsernameAvailability struct {
	IsAvailable bool `json:"isAvailable"`
}

// SearchUserResult is a user hit in a search reply.
type SearchUserResult struct {
	chat.User
	Kind string `json:"type"`
}

// SearchGroupResult is a group hit in a search reply.
type SearchGroupResult struct {
	assembler.View
	Kind string `json:"type"`
}

// ConversationMsg carries an assembled conversation. It is used for
// new_conversation and group_updated.
type ConversationMsg struct {
	assembler.View
	IsNew     bool   `json:"isNew,omitempty"`
	CreatorID string `json:"creatorId,omitempty"`
}

// ChatHistoryMsg answers get_history with messages in ascending order.
type ChatHistoryMsg struct {
	ConversationID string         `json:"conversationId"`
	Messages       []chat.Message `json:"messages"`
}

// NewMessageMsg broadcasts a persisted message. TempID is the sender's
// correlation token, empty for messages sent without one.
type NewMessageMsg struct {
	chat.Message
	TempID string `json:"tempId,omitempty"`
}

// MessageUpdatedMsg broadcasts a message after a reaction change.
type MessageUpdatedMsg struct {
	chat.Message
}

// MessagesStatusUpdatedMsg tells clients to refetch a conversation's
// history because delivery statuses changed.
type MessagesStatusUpdatedMsg struct {
	ConversationID string `json:"conversationId"`
}

// TypingIndicatorMsg relays another participant's typing state.
type TypingIndicatorMsg struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Event      string `json:"event"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg reports a failed fire-and-forget event to its sender only.
type ErrorMsg struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ErrUnknownType is wrapped by ParseClientMessage for message types the
// relay does not accept.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// decode unmarshals raw into a fresh T.
func decode[T any](raw json.RawMessage) (interface{}, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var decoders = map[string]func(json.RawMessage) (interface{}, error){
	TypeCheckUsername:      decode[CheckUsernameMsg],
	TypeCreateUser:         decode[CreateUserMsg],
	TypeUpdateProfile:      decode[UpdateProfileMsg],
	TypeGetConversations:   decode[GetConversationsMsg],
	TypeSearch:             decode[SearchMsg],
	TypeSearchUser:         decode[SearchUserMsg],
	TypeCreateConversation: decode[CreateConversationMsg],
	TypeCreateGroup:        decode[CreateGroupMsg],
	TypeUpdateGroupInfo:    decode[UpdateGroupInfoMsg],
	TypeAddGroupMembers:    decode[AddGroupMembersMsg],
	TypeRemoveGroupMember:  decode[RemoveGroupMemberMsg],
	TypePromoteAdmin:       decode[PromoteAdminMsg],
	TypeDemoteAdmin:        decode[DemoteAdminMsg],
	TypeGetHistory:         decode[GetHistoryMsg],
	TypeSendMessage:        decode[SendMessageMsg],
	TypeMessagesRead:       decode[MessagesReadMsg],
	TypeReactToMessage:     decode[ReactToMessageMsg],
	TypeTyping:             decode[TypingMsg],
	TypePing:               decode[PingMsg],
}

// IsRequest reports whether msgType is answered with an ack.
func IsRequest(msgType string) bool {
	switch msgType {
	case TypeCheckUsername, TypeCreateUser, TypeUpdateProfile, TypeGetConversations,
		TypeSearch, TypeSearchUser, TypeCreateConversation:
		return true
	}
	return false
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	dec, ok := decoders[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg, err := dec(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// must marshal to a JSON object.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewAck builds the reply to a successful request.
func NewAck(event, requestID string, data interface{}) ([]byte, error) {
	return NewServerMessage(TypeAck, AckMsg{RequestID: requestID, Event: event, OK: true, Data: data})
}

// NewAckError builds the reply to a failed request.
func NewAckError(event, requestID, code, message string) ([]byte, error) {
	return NewServerMessage(TypeAck, AckMsg{
		RequestID: requestID,
		Event:     event,
		Error:     &AckError{Code: code, Message: message},
	})
}
