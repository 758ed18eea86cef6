package chat

import "time"

// Status is the delivery state of a message.
type Status string

const (
	// StatusSending and StatusUploading only exist on the client while a
	// message is waiting for its server confirmation.
	StatusSending   Status = "sending"
	StatusUploading Status = "uploading"

	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders persisted statuses: sent=1, delivered=2, read=3. Client-only
// statuses rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Persisted reports whether s may be stored server-side.
func (s Status) Persisted() bool {
	return s.Rank() > 0
}

// Advances reports whether moving from s to next is a forward transition.
// Delivery status never regresses: sent -> delivered -> read, and
// sent -> read directly when the recipient was offline at send time.
func (s Status) Advances(next Status) bool {
	return next.Persisted() && next.Rank() > s.Rank()
}

// AttachmentKind classifies an uploaded file.
type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindVideo    AttachmentKind = "video"
	KindDocument AttachmentKind = "document"
)

// ParseAttachmentKind maps an upload host resource type onto a kind.
// Unknown types ("raw", "auto", ...) are treated as documents.
func ParseAttachmentKind(s string) AttachmentKind {
	switch AttachmentKind(s) {
	case KindImage:
		return KindImage
	case KindVideo:
		return KindVideo
	default:
		return KindDocument
	}
}

// Attachment describes a file stored by the external upload host. The
// relay only keeps its URL, display name and kind.
type Attachment struct {
	URL  string         `json:"fileUrl"`
	Name string         `json:"fileName"`
	Kind AttachmentKind `json:"fileType"`
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	Emoji    string `json:"emoji"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Message is a persisted chat message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Text           string      `json:"text"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Status         Status      `json:"status"`
	Reactions      []Reaction  `json:"reactions"`
	Timestamp      time.Time   `json:"timestamp"`
}

// ToggleReaction applies r to reactions and returns the result. A user
// holds at most one reaction: choosing the same emoji again removes it,
// choosing a different one replaces it in place.
func ToggleReaction(reactions []Reaction, r Reaction) []Reaction {
	out := make([]Reaction, 0, len(reactions)+1)
	found := false
	for _, existing := range reactions {
		if existing.UserID != r.UserID {
			out = append(out, existing)
			continue
		}
		found = true
		if existing.Emoji == r.Emoji {
			continue
		}
		existing.Emoji = r.Emoji
		out = append(out, existing)
	}
	if !found {
		out = append(out, r)
	}
	return out
}
