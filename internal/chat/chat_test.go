package chat

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestToggleReaction_SameEmojiTwiceRemoves(t *testing.T) {
	r := Reaction{Emoji: "👍", UserID: "u1", Username: "alice"}

	got := ToggleReaction(nil, r)
	if len(got) != 1 {
		t.Fatalf("expected 1 reaction, got %d", len(got))
	}

	got = ToggleReaction(got, r)
	if len(got) != 0 {
		t.Fatalf("expected 0 reactions after second toggle, got %d", len(got))
	}
}

func TestToggleReaction_DifferentEmojiReplaces(t *testing.T) {
	other := Reaction{Emoji: "🎉", UserID: "u2", Username: "bob"}
	got := ToggleReaction([]Reaction{other}, Reaction{Emoji: "👍", UserID: "u1", Username: "alice"})
	got = ToggleReaction(got, Reaction{Emoji: "❤️", UserID: "u1", Username: "alice"})

	if len(got) != 2 {
		t.Fatalf("expected 2 reactions, got %d", len(got))
	}
	if got[0] != other {
		t.Errorf("expected other user's reaction untouched, got %+v", got[0])
	}
	if got[1].UserID != "u1" || got[1].Emoji != "❤️" {
		t.Errorf("expected u1 to hold ❤️, got %+v", got[1])
	}
}

func TestToggleReaction_DoesNotMutateInput(t *testing.T) {
	in := []Reaction{{Emoji: "👍", UserID: "u1"}}
	_ = ToggleReaction(in, Reaction{Emoji: "🔥", UserID: "u1"})
	if in[0].Emoji != "👍" {
		t.Errorf("expected input unchanged, got %q", in[0].Emoji)
	}
}

func TestStatusAdvances(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusSent, false},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusRead, false},
		{StatusSent, StatusSending, false},
		{StatusSending, StatusSent, true},
	}
	for _, tc := range tests {
		if got := tc.from.Advances(tc.to); got != tc.want {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestDirectKey_OrderIndependent(t *testing.T) {
	if DirectKey("a", "b") != DirectKey("b", "a") {
		t.Fatalf("expected same key for both orders, got %q and %q", DirectKey("a", "b"), DirectKey("b", "a"))
	}
	if DirectKey("a", "b") == DirectKey("a", "c") {
		t.Fatal("expected different pairs to have different keys")
	}
}

func TestNewGroup(t *testing.T) {
	g := NewGroup("team", "owner", []string{"x", "owner", "y", "x", ""}, time.Now())

	if !g.IsGroup {
		t.Fatal("expected IsGroup=true")
	}
	want := []string{"owner", "x", "y"}
	if strings.Join(g.Participants, ",") != strings.Join(want, ",") {
		t.Errorf("expected participants %v, got %v", want, g.Participants)
	}
	if !g.IsOwner("owner") || !g.IsAdmin("owner") {
		t.Error("expected creator to be owner and admin")
	}
	if g.IsAdmin("x") {
		t.Error("expected member not to be admin")
	}
}

func TestConversationOther(t *testing.T) {
	c := &Conversation{Participants: []string{"a", "b"}}
	if c.Other("a") != "b" || c.Other("b") != "a" {
		t.Errorf("unexpected counterpart: %q %q", c.Other("a"), c.Other("b"))
	}
	g := &Conversation{Participants: []string{"a", "b", "c"}, IsGroup: true}
	if g.Other("a") != "" {
		t.Errorf("expected no counterpart for a group, got %q", g.Other("a"))
	}
	if len(g.Others("a")) != 2 {
		t.Errorf("expected 2 others, got %v", g.Others("a"))
	}
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		att  *Attachment
		ok   bool
	}{
		{"plain", "hello", nil, true},
		{"empty", "", nil, false},
		{"blank", "   ", nil, false},
		{"attachment only", "", &Attachment{URL: "https://cdn/x.png", Kind: KindImage}, true},
		{"attachment without url", "", &Attachment{Name: "x"}, false},
		{"at limit", strings.Repeat("é", MaxTextChars), nil, true},
		{"over limit", strings.Repeat("a", MaxTextChars+1), nil, false},
		{"invalid utf8", string([]byte{0xff, 0xfe}), nil, false},
	}
	for _, tc := range tests {
		err := ValidateMessage(tc.text, tc.att)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s: expected error", tc.name)
			} else if !errors.Is(err, ErrInvalid) {
				t.Errorf("%s: expected ErrInvalid, got %v", tc.name, err)
			}
		}
	}
}

func TestValidateProfile(t *testing.T) {
	u := &User{Username: "  alice  ", Bio: "hi"}
	if err := ValidateProfile(u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Username != "alice" {
		t.Errorf("expected trimmed username, got %q", u.Username)
	}

	if err := ValidateProfile(&User{Username: "bob", Bio: strings.Repeat("b", MaxBioChars+1)}); err == nil {
		t.Error("expected error for long bio")
	}
	if err := ValidateProfile(&User{Username: strings.Repeat("n", MaxUsernameChars+1)}); err == nil {
		t.Error("expected error for long username")
	}
}

func TestValidateGroupInfo(t *testing.T) {
	if err := ValidateGroupInfo(GroupInfo{Name: "team", Description: strings.Repeat("d", MaxGroupDescChars)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateGroupInfo(GroupInfo{Name: "team", Description: strings.Repeat("d", MaxGroupDescChars+1)}); err == nil {
		t.Error("expected error for long description")
	}
	if err := ValidateGroupInfo(GroupInfo{Name: " "}); err == nil {
		t.Error("expected error for blank name")
	}
}

func TestParseAttachmentKind(t *testing.T) {
	tests := map[string]AttachmentKind{
		"image": KindImage,
		"video": KindVideo,
		"raw":   KindDocument,
		"":      KindDocument,
	}
	for in, want := range tests {
		if got := ParseAttachmentKind(in); got != want {
			t.Errorf("ParseAttachmentKind(%q): expected %q, got %q", in, want, got)
		}
	}
}
