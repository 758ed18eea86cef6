package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/protocol"
)

// ConversationView keeps one conversation's timeline in sync with the relay
// while it is open: it loads history, marks incoming messages read, folds
// confirmations into pending entries and refetches when statuses change.
type ConversationView struct {
	client   *Client
	convID   string
	selfID   string
	timeline *Timeline
	uploader Uploader

	mu       sync.Mutex
	open     bool
	offs     []func()
	typing   map[string]bool
	onChange func()
}

// NewConversationView binds a view to conversationID. uploader may be nil
// when attachments are not used.
func NewConversationView(c *Client, conversationID string, uploader Uploader) *ConversationView {
	self := c.UserID()
	return &ConversationView{
		client:   c,
		convID:   conversationID,
		selfID:   self,
		timeline: NewTimeline(conversationID, self),
		uploader: uploader,
		typing:   make(map[string]bool),
	}
}

func (v *ConversationView) ConversationID() string { return v.convID }

func (v *ConversationView) Timeline() *Timeline { return v.timeline }

// OnChange registers a callback run after every timeline change. It runs
// on the client's read loop.
func (v *ConversationView) OnChange(fn func()) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// Open subscribes to the conversation's events, requests its history and
// marks it read.
func (v *ConversationView) Open() error {
	v.mu.Lock()
	if v.open {
		v.mu.Unlock()
		return nil
	}
	v.open = true
	v.offs = []func(){
		v.client.On(protocol.TypeChatHistory, v.onHistory),
		v.client.On(protocol.TypeNewMessage, v.onNewMessage),
		v.client.On(protocol.TypeMessageUpdated, v.onMessageUpdated),
		v.client.On(protocol.TypeMessagesStatusUpdated, v.onStatusUpdated),
		v.client.On(protocol.TypeTypingIndicator, v.onTyping),
	}
	v.mu.Unlock()

	if err := v.RequestHistory(); err != nil {
		return err
	}
	return v.MarkRead()
}

// Close stops following the conversation. Pending entries are kept.
func (v *ConversationView) Close() {
	v.mu.Lock()
	offs := v.offs
	v.offs = nil
	v.open = false
	v.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

func (v *ConversationView) isOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

func (v *ConversationView) RequestHistory() error {
	return v.client.Send(protocol.TypeGetHistory, protocol.GetHistoryMsg{ConversationID: v.convID})
}

func (v *ConversationView) MarkRead() error {
	return v.client.Send(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
		ConversationID: v.convID,
		ReaderID:       v.selfID,
	})
}

// SendText shows text immediately as sending and forwards it to the relay.
// It returns the temp id of the provisional entry.
func (v *ConversationView) SendText(text string) (string, error) {
	if err := chat.ValidateMessage(text, nil); err != nil {
		return "", err
	}
	m := v.timeline.Submit(text)
	v.changed()

	err := v.client.Send(protocol.TypeSendMessage, protocol.SendMessageMsg{
		ConversationID: v.convID,
		Text:           text,
		TempID:         m.ID,
	})
	if err != nil {
		v.timeline.Fail(m.ID)
		v.changed()
		return "", err
	}
	return m.ID, nil
}

// SendFile shows the attachment as uploading, uploads it, and sends the
// resulting URL. A failed upload removes the provisional entry.
func (v *ConversationView) SendFile(ctx context.Context, caption, fileName, contentType string, r io.Reader) (string, error) {
	if v.uploader == nil {
		return "", fmt.Errorf("%w: no uploader configured", chat.ErrInvalid)
	}
	if contentType == "" {
		contentType = ContentType(fileName)
	}
	m := v.timeline.SubmitUpload(caption, fileName, chat.ParseAttachmentKind(ResourceType(contentType)))
	v.changed()

	att, err := v.uploader.Upload(ctx, fileName, contentType, r)
	if err != nil {
		v.timeline.Fail(m.ID)
		v.changed()
		return "", err
	}
	v.timeline.Uploaded(m.ID, att)
	v.changed()

	err = v.client.Send(protocol.TypeSendMessage, protocol.SendMessageMsg{
		ConversationID: v.convID,
		Text:           caption,
		TempID:         m.ID,
		FileURL:        att.URL,
		FileName:       att.Name,
		FileType:       string(att.Kind),
	})
	if err != nil {
		v.timeline.Fail(m.ID)
		v.changed()
		return "", err
	}
	return m.ID, nil
}

// Typing returns the users currently typing, sorted.
func (v *ConversationView) Typing() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.typing))
	for id, on := range v.typing {
		if on {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (v *ConversationView) changed() {
	v.mu.Lock()
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (v *ConversationView) onHistory(data json.RawMessage) {
	var m protocol.ChatHistoryMsg
	if err := json.Unmarshal(data, &m); err != nil || m.ConversationID != v.convID {
		return
	}
	v.timeline.ReplaceHistory(m.Messages)
	v.changed()
}

func (v *ConversationView) onNewMessage(data json.RawMessage) {
	var m protocol.NewMessageMsg
	if err := json.Unmarshal(data, &m); err != nil || m.ConversationID != v.convID {
		return
	}

	if m.SenderID == v.selfID {
		if m.TempID == "" || !v.timeline.Confirm(m.Message, m.TempID) {
			// Sent from another session of the same user.
			v.timeline.Append(m.Message)
		}
		v.changed()
		return
	}

	added := v.timeline.Append(m.Message)
	v.changed()
	if added && v.isOpen() {
		if err := v.MarkRead(); err != nil {
			v.client.log.Warn("client: read receipt", "conversation", v.convID, "error", err)
		}
	}
}

func (v *ConversationView) onMessageUpdated(data json.RawMessage) {
	var m protocol.MessageUpdatedMsg
	if err := json.Unmarshal(data, &m); err != nil || m.ConversationID != v.convID {
		return
	}
	if v.timeline.Update(m.Message) {
		v.changed()
	}
}

func (v *ConversationView) onStatusUpdated(data json.RawMessage) {
	var m protocol.MessagesStatusUpdatedMsg
	if err := json.Unmarshal(data, &m); err != nil || m.ConversationID != v.convID {
		return
	}
	if err := v.RequestHistory(); err != nil {
		v.client.log.Warn("client: refetch history", "conversation", v.convID, "error", err)
	}
}

func (v *ConversationView) onTyping(data json.RawMessage) {
	var m protocol.TypingIndicatorMsg
	if err := json.Unmarshal(data, &m); err != nil || m.ConversationID != v.convID || m.UserID == v.selfID {
		return
	}
	v.mu.Lock()
	v.typing[m.UserID] = m.IsTyping
	v.mu.Unlock()
}
