package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatline/relay/internal/chat"
)

// stepClock returns a time source that advances by one second per call.
func stepClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestUsers_UsernameConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Users.Create(ctx, &chat.User{UserID: "u1", Username: "alice"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	err := s.Users.Create(ctx, &chat.User{UserID: "u2", Username: "alice"})
	if !errors.Is(err, chat.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}

	if err := s.Users.Create(ctx, &chat.User{UserID: "u2", Username: "bob"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	err = s.Users.Update(ctx, &chat.User{UserID: "u2", Username: "alice"})
	if !errors.Is(err, chat.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken on update, got %v", err)
	}

	// Keeping your own name is not a conflict.
	u := &chat.User{UserID: "u2", Username: "bob", Bio: "hello"}
	if err := s.Users.Update(ctx, u); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if u.Bio != "hello" {
		t.Errorf("expected bio %q, got %q", "hello", u.Bio)
	}
}

func TestUsers_SearchExcludesSelfAndLimits(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, name := range []string{"Anna", "hannah", "joanna", "bob", "ANNIE", "nanami", "ann"} {
		u := &chat.User{UserID: string(rune('a' + i)), Username: name}
		if err := s.Users.Create(ctx, u); err != nil {
			t.Fatalf("Create(%s) error: %v", name, err)
		}
	}

	got, err := s.Users.Search(ctx, "ann", "a", 5)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 matches, got %d: %+v", len(got), got)
	}
	for _, u := range got {
		if u.UserID == "a" {
			t.Error("expected requester excluded from results")
		}
	}

	got, _ = s.Users.Search(ctx, "n", "", 5)
	if len(got) != 5 {
		t.Errorf("expected results capped at 5, got %d", len(got))
	}
}

func TestConversations_CreateDirectIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, created, err := s.Conversations.CreateDirect(ctx, "a", "b")
	if err != nil {
		t.Fatalf("CreateDirect() error: %v", err)
	}
	if !created {
		t.Fatal("expected first call to create")
	}

	second, created, err := s.Conversations.CreateDirect(ctx, "b", "a")
	if err != nil {
		t.Fatalf("CreateDirect() error: %v", err)
	}
	if created {
		t.Fatal("expected second call to reuse the conversation")
	}
	if first.ID != second.ID {
		t.Fatalf("expected same id, got %s and %s", first.ID, second.ID)
	}

	found, err := s.Conversations.FindDirect(ctx, "a", "b")
	if err != nil || found.ID != first.ID {
		t.Fatalf("FindDirect() = %v, %v", found, err)
	}
}

func TestConversations_GroupMembership(t *testing.T) {
	s := New()
	ctx := context.Background()

	g := chat.NewGroup("team", "o", []string{"x", "y"}, time.Now())
	if err := s.Conversations.Create(ctx, g); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	_ = s.Conversations.AddAdmin(ctx, g.ID, "x")
	_ = s.Conversations.AddMembers(ctx, g.ID, []string{"y", "z"})

	got, _ := s.Conversations.Get(ctx, g.ID)
	if len(got.Participants) != 4 {
		t.Fatalf("expected 4 participants, got %v", got.Participants)
	}

	_ = s.Conversations.RemoveMember(ctx, g.ID, "x")
	got, _ = s.Conversations.Get(ctx, g.ID)
	if got.IsParticipant("x") || got.IsAdmin("x") {
		t.Errorf("expected x removed from participants and admins, got %+v", got)
	}

	groups, _ := s.Conversations.SearchGroups(ctx, "y", "TEA", 5)
	if len(groups) != 1 {
		t.Errorf("expected 1 group for member, got %d", len(groups))
	}
	groups, _ = s.Conversations.SearchGroups(ctx, "x", "tea", 5)
	if len(groups) != 0 {
		t.Errorf("expected removed member to find no groups, got %d", len(groups))
	}

	_, err := s.Conversations.Get(ctx, "missing")
	if !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMessages_StatusNeverRegresses(t *testing.T) {
	s := New()
	ctx := context.Background()

	m := &chat.Message{ConversationID: "c", SenderID: "a", Text: "hi", Status: chat.StatusSent}
	_ = s.Messages.Create(ctx, m)

	n, _ := s.Messages.MarkRead(ctx, "c", "b")
	if n != 1 {
		t.Fatalf("expected 1 changed, got %d", n)
	}
	ok, err := s.Messages.AdvanceStatus(ctx, m.ID, chat.StatusDelivered)
	if err != nil {
		t.Fatalf("AdvanceStatus() error: %v", err)
	}
	if ok {
		t.Error("expected delivered not to overwrite read")
	}
	got, _ := s.Messages.Get(ctx, m.ID)
	if got.Status != chat.StatusRead {
		t.Errorf("expected status read, got %s", got.Status)
	}
}

func TestMessages_MarkReadSkipsOwnAndRead(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.Messages.Create(ctx, &chat.Message{ConversationID: "c", SenderID: "a", Text: "1", Status: chat.StatusSent})
	_ = s.Messages.Create(ctx, &chat.Message{ConversationID: "c", SenderID: "b", Text: "2", Status: chat.StatusSent})
	_ = s.Messages.Create(ctx, &chat.Message{ConversationID: "c", SenderID: "a", Text: "3", Status: chat.StatusDelivered})

	n, _ := s.Messages.MarkRead(ctx, "c", "b")
	if n != 2 {
		t.Fatalf("expected 2 changed, got %d", n)
	}
	n, _ = s.Messages.MarkRead(ctx, "c", "b")
	if n != 0 {
		t.Fatalf("expected 0 changed on second call, got %d", n)
	}
}

func TestMessages_HistoryOrderAndLast(t *testing.T) {
	s := NewWithClock(stepClock())
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	_ = s.Messages.Create(ctx, &chat.Message{ConversationID: "c", SenderID: "a", Text: "late", Timestamp: base.Add(2 * time.Minute)})
	_ = s.Messages.Create(ctx, &chat.Message{ConversationID: "c", SenderID: "a", Text: "early", Timestamp: base})
	_ = s.Messages.Create(ctx, &chat.Message{ConversationID: "c", SenderID: "b", Text: "middle", Timestamp: base.Add(time.Minute)})
	_ = s.Messages.Create(ctx, &chat.Message{ConversationID: "other", SenderID: "b", Text: "elsewhere"})

	history, _ := s.Messages.History(ctx, "c")
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Fatalf("history out of order at %d: %v before %v", i, history[i].Timestamp, history[i-1].Timestamp)
		}
	}
	if history[0].Text != "early" || history[2].Text != "late" {
		t.Errorf("unexpected order: %q, %q, %q", history[0].Text, history[1].Text, history[2].Text)
	}

	last, _ := s.Messages.Last(ctx, "c")
	if last == nil || last.Text != "late" {
		t.Errorf("expected last message %q, got %+v", "late", last)
	}
	none, err := s.Messages.Last(ctx, "empty")
	if err != nil || none != nil {
		t.Errorf("expected nil, nil for empty conversation, got %v, %v", none, err)
	}
}

func TestMessages_ToggleReaction(t *testing.T) {
	s := New()
	ctx := context.Background()

	m := &chat.Message{ConversationID: "c", SenderID: "a", Text: "hi", Status: chat.StatusSent}
	_ = s.Messages.Create(ctx, m)

	r := chat.Reaction{Emoji: "👍", UserID: "b", Username: "bob"}
	got, err := s.Messages.ToggleReaction(ctx, m.ID, r)
	if err != nil {
		t.Fatalf("ToggleReaction() error: %v", err)
	}
	if len(got.Reactions) != 1 {
		t.Fatalf("expected 1 reaction, got %d", len(got.Reactions))
	}
	got, _ = s.Messages.ToggleReaction(ctx, m.ID, r)
	if len(got.Reactions) != 0 {
		t.Fatalf("expected 0 reactions, got %d", len(got.Reactions))
	}

	_, err = s.Messages.ToggleReaction(ctx, "missing", r)
	if !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
