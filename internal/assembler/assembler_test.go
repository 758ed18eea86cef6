package assembler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/store"
	"github.com/chatline/relay/internal/store/memory"
)

func seed(t *testing.T) *store.Store {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	for _, u := range []chat.User{
		{UserID: "a", Username: "alice"},
		{UserID: "b", Username: "bob"},
		{UserID: "c", Username: "carol"},
	} {
		u := u
		if err := st.Users.Create(ctx, &u); err != nil {
			t.Fatalf("Create(%s) error: %v", u.UserID, err)
		}
	}
	return st
}

func TestAssemble_Direct(t *testing.T) {
	st := seed(t)
	ctx := context.Background()

	conv, _, _ := st.Conversations.CreateDirect(ctx, "a", "b")
	base := time.Now()
	_ = st.Messages.Create(ctx, &chat.Message{ConversationID: conv.ID, SenderID: "a", Text: "first", Status: chat.StatusSent, Timestamp: base})
	_ = st.Messages.Create(ctx, &chat.Message{ConversationID: conv.ID, SenderID: "b", Text: "second", Status: chat.StatusSent, Timestamp: base.Add(time.Second)})

	view, err := New(st).Assemble(ctx, conv, "a")
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	if len(view.ParticipantsInfo) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(view.ParticipantsInfo))
	}
	if view.OtherUser == nil || view.OtherUser.UserID != "b" {
		t.Fatalf("expected other user b, got %+v", view.OtherUser)
	}
	if view.LastMessage == nil || view.LastMessage.Text != "second" {
		t.Fatalf("expected last message %q, got %+v", "second", view.LastMessage)
	}
}

func TestAssemble_GroupHasNoOtherUser(t *testing.T) {
	st := seed(t)
	ctx := context.Background()

	g := chat.NewGroup("team", "a", []string{"b", "c"}, time.Now())
	_ = st.Conversations.Create(ctx, g)

	view, err := New(st).Assemble(ctx, g, "a")
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	if view.OtherUser != nil {
		t.Errorf("expected no other user for a group, got %+v", view.OtherUser)
	}
	if view.LastMessage != nil {
		t.Errorf("expected no last message, got %+v", view.LastMessage)
	}
	if len(view.ParticipantsInfo) != 3 {
		t.Errorf("expected 3 participants, got %d", len(view.ParticipantsInfo))
	}
}

func TestAssemble_MissingIsSoft(t *testing.T) {
	st := seed(t)
	a := New(st)

	view, err := a.Assemble(context.Background(), nil, "a")
	if err != nil || view != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", view, err)
	}
	view, err = a.AssembleByID(context.Background(), "does-not-exist", "a")
	if err != nil || view != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", view, err)
	}
}

func TestAssembleAll_PreservesOrder(t *testing.T) {
	st := seed(t)
	ctx := context.Background()

	c1, _, _ := st.Conversations.CreateDirect(ctx, "a", "b")
	c2, _, _ := st.Conversations.CreateDirect(ctx, "a", "c")
	g := chat.NewGroup("team", "a", []string{"b"}, time.Now())
	_ = st.Conversations.Create(ctx, g)

	views, err := New(st).AssembleAll(ctx, []chat.Conversation{*c1, *g, *c2}, "a")
	if err != nil {
		t.Fatalf("AssembleAll() error: %v", err)
	}
	want := []string{c1.ID, g.ID, c2.ID}
	if len(views) != len(want) {
		t.Fatalf("expected %d views, got %d", len(want), len(views))
	}
	for i, id := range want {
		if views[i].ID != id {
			t.Errorf("view %d: expected %s, got %s", i, id, views[i].ID)
		}
	}
}

func TestViewJSONFlattensConversation(t *testing.T) {
	v := View{
		Conversation:     chat.Conversation{ID: "c1", Participants: []string{"a", "b"}},
		ParticipantsInfo: []chat.User{},
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	if m["id"] != "c1" {
		t.Errorf("expected flattened id, got %v", m["id"])
	}
	if _, ok := m["lastMessage"]; !ok {
		t.Error("expected lastMessage key present")
	}
}
