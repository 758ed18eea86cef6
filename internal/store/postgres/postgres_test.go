package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/store"
)

// newTestStore connects to the database named by TEST_DATABASE_URL and
// applies migrations. Tests are skipped when it is unset or unreachable.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := Open(context.Background(), dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func testID(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

func TestLikePattern(t *testing.T) {
	tests := map[string]string{
		"ann":    "%ann%",
		"50%":    `%50\%%`,
		"a_b":    `%a\_b%`,
		`back\s`: `%back\\s%`,
	}
	for in, want := range tests {
		if got := likePattern(in); got != want {
			t.Errorf("likePattern(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestUsers_CreateConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name := testID("name")

	if err := s.Users.Create(ctx, &chat.User{UserID: testID("u"), Username: name}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	err := s.Users.Create(ctx, &chat.User{UserID: testID("u"), Username: name})
	if !errors.Is(err, chat.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	taken, err := s.Users.UsernameTaken(ctx, name)
	if err != nil || !taken {
		t.Fatalf("UsernameTaken() = %v, %v", taken, err)
	}
}

func TestConversations_CreateDirectIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := testID("a"), testID("b")

	first, created, err := s.Conversations.CreateDirect(ctx, a, b)
	if err != nil || !created {
		t.Fatalf("CreateDirect() = %v, %v, %v", first, created, err)
	}
	second, created, err := s.Conversations.CreateDirect(ctx, b, a)
	if err != nil || created {
		t.Fatalf("CreateDirect() second = %v, %v, %v", second, created, err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same id, got %s and %s", first.ID, second.ID)
	}
}

func TestConversations_RemoveMemberPullsAdmin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner, x, y := testID("o"), testID("x"), testID("y")

	g := chat.NewGroup("team", owner, []string{x, y}, time.Now())
	if err := s.Conversations.Create(ctx, g); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.Conversations.AddAdmin(ctx, g.ID, x); err != nil {
		t.Fatalf("AddAdmin() error: %v", err)
	}
	if err := s.Conversations.RemoveMember(ctx, g.ID, x); err != nil {
		t.Fatalf("RemoveMember() error: %v", err)
	}
	got, err := s.Conversations.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.IsParticipant(x) || got.IsAdmin(x) {
		t.Errorf("expected %s removed, got %+v", x, got)
	}
	if !got.IsAdmin(owner) {
		t.Errorf("expected owner to stay admin, got %v", got.Admins)
	}
}

func TestMessages_StatusAndReactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := testID("a"), testID("b")

	conv, _, err := s.Conversations.CreateDirect(ctx, a, b)
	if err != nil {
		t.Fatalf("CreateDirect() error: %v", err)
	}
	m := &chat.Message{ConversationID: conv.ID, SenderID: a, Text: "hi", Status: chat.StatusSent}
	if err := s.Messages.Create(ctx, m); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	n, err := s.Messages.MarkRead(ctx, conv.ID, b)
	if err != nil || n != 1 {
		t.Fatalf("MarkRead() = %d, %v", n, err)
	}
	advanced, err := s.Messages.AdvanceStatus(ctx, m.ID, chat.StatusDelivered)
	if err != nil || advanced {
		t.Fatalf("AdvanceStatus() = %v, %v; expected no regression", advanced, err)
	}

	r := chat.Reaction{Emoji: "👍", UserID: b, Username: "bob"}
	got, err := s.Messages.ToggleReaction(ctx, m.ID, r)
	if err != nil || len(got.Reactions) != 1 {
		t.Fatalf("ToggleReaction() = %+v, %v", got, err)
	}
	got, err = s.Messages.ToggleReaction(ctx, m.ID, r)
	if err != nil || len(got.Reactions) != 0 {
		t.Fatalf("ToggleReaction() second = %+v, %v", got, err)
	}
	if got.Status != chat.StatusRead {
		t.Errorf("expected status read, got %s", got.Status)
	}
}
