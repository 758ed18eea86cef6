package client

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/relay/internal/chat"
)

// NewTempID returns a correlation token for a provisional message.
func NewTempID() string {
	return "tmp-" + uuid.NewString()
}

// Timeline is the visible message list of one conversation. Provisional
// entries use their temp id as message id until the relay confirms them,
// and stay below confirmed messages while pending.
type Timeline struct {
	convID string
	selfID string
	now    func() time.Time

	mu      sync.Mutex
	items   []chat.Message
	pending map[string]struct{}
}

func NewTimeline(conversationID, selfID string) *Timeline {
	return &Timeline{
		convID:  conversationID,
		selfID:  selfID,
		now:     time.Now,
		pending: make(map[string]struct{}),
	}
}

// Submit adds a provisional text message with status sending and returns
// it. Its ID is the temp id to send with the message.
func (t *Timeline) Submit(text string) chat.Message {
	return t.add(chat.Message{Text: text, Status: chat.StatusSending})
}

// SubmitUpload adds a provisional attachment message with status uploading.
func (t *Timeline) SubmitUpload(caption, fileName string, kind chat.AttachmentKind) chat.Message {
	return t.add(chat.Message{
		Text:       caption,
		Status:     chat.StatusUploading,
		Attachment: &chat.Attachment{Name: fileName, Kind: kind},
	})
}

func (t *Timeline) add(m chat.Message) chat.Message {
	m.ID = NewTempID()
	m.ConversationID = t.convID
	m.SenderID = t.selfID
	m.Reactions = []chat.Reaction{}
	m.Timestamp = t.now()

	t.mu.Lock()
	t.items = append(t.items, m)
	t.pending[m.ID] = struct{}{}
	t.mu.Unlock()
	return m
}

// Uploaded records the finished upload of a pending attachment and moves it
// to sending.
func (t *Timeline) Uploaded(tempID string, att chat.Attachment) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.pendingIndex(tempID)
	if i < 0 {
		return false
	}
	t.items[i].Attachment = &att
	t.items[i].Status = chat.StatusSending
	return true
}

// Confirm replaces the pending entry tempID with the relay's copy, keeping
// its position. It reports false when nothing was pending under tempID.
func (t *Timeline) Confirm(m chat.Message, tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.pendingIndex(tempID)
	if i < 0 {
		return false
	}
	delete(t.pending, tempID)
	if j := t.index(m.ID); j >= 0 {
		// A history refresh delivered the message before its echo.
		t.items[j] = m
		t.items = append(t.items[:i], t.items[i+1:]...)
		return true
	}
	t.items[i] = m
	return true
}

// Fail drops a pending entry. A failed upload leaves no trace in the list.
func (t *Timeline) Fail(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.pendingIndex(tempID)
	if i < 0 {
		return false
	}
	delete(t.pending, tempID)
	t.items = append(t.items[:i], t.items[i+1:]...)
	return true
}

// Append inserts a confirmed message in timestamp order, above any pending
// entries. A message already present is updated instead; the return value
// reports whether it was new.
func (t *Timeline) Append(m chat.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j := t.index(m.ID); j >= 0 {
		t.items[j] = m
		return false
	}

	i := len(t.items)
	for i > 0 {
		prev := t.items[i-1]
		if _, ok := t.pending[prev.ID]; !ok && !prev.Timestamp.After(m.Timestamp) {
			break
		}
		i--
	}
	t.items = append(t.items, chat.Message{})
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = m
	return true
}

// ReplaceHistory installs a fresh server history. Entries still waiting for
// confirmation are kept after it.
func (t *Timeline) ReplaceHistory(history []chat.Message) {
	items := make([]chat.Message, len(history))
	copy(items, history)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.Before(items[j].Timestamp)
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.items {
		if _, ok := t.pending[m.ID]; ok {
			items = append(items, m)
		}
	}
	t.items = items
}

// Update replaces a confirmed message, as after a reaction change.
func (t *Timeline) Update(m chat.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	j := t.index(m.ID)
	if j < 0 {
		return false
	}
	t.items[j] = m
	return true
}

// Messages returns a snapshot of the visible list.
func (t *Timeline) Messages() []chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]chat.Message, len(t.items))
	copy(out, t.items)
	return out
}

// IsPending reports whether tempID still awaits confirmation.
func (t *Timeline) IsPending(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[tempID]
	return ok
}

func (t *Timeline) pendingIndex(tempID string) int {
	if _, ok := t.pending[tempID]; !ok {
		return -1
	}
	return t.index(tempID)
}

func (t *Timeline) index(id string) int {
	for i := range t.items {
		if t.items[i].ID == id {
			return i
		}
	}
	return -1
}
