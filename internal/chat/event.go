package chat

// Event kinds published on chat.events.<conversation_id>.
const (
	EventMessageCreated      = "message.created"
	EventMessageUpdated      = "message.updated"
	EventMessagesRead        = "messages.read"
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
)

// Event is the payload published to NATS for every persisted change so
// that other services (audit, search indexing, push) can follow along.
type Event struct {
	Kind           string   `json:"kind"`
	ConversationID string   `json:"conversation_id"`
	ActorID        string   `json:"actor_id"`
	MessageID      string   `json:"message_id,omitempty"`
	Status         Status   `json:"status,omitempty"`
	Participants   []string `json:"participants,omitempty"`
	Count          int      `json:"count,omitempty"`
	Ts             int64    `json:"ts"`
}
