package client

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/protocol"
	"github.com/chatline/relay/internal/relay"
	"github.com/chatline/relay/internal/store/memory"
	"github.com/chatline/relay/internal/ws"
)

// startRelay runs the full relay over the in-memory store on a loopback
// port and returns its WebSocket URL.
func startRelay(t *testing.T) string {
	t.Helper()
	st := memory.New()
	for _, u := range []chat.User{
		{UserID: "a", Username: "alice"},
		{UserID: "b", Username: "bob"},
	} {
		u := u
		if err := st.Users.Create(context.Background(), &u); err != nil {
			t.Fatalf("seed %s: %v", u.UserID, err)
		}
	}

	eng := relay.New(relay.Options{Store: st})
	srv := ws.NewServer(ws.DefaultServerConfig(), nil, func(c *ws.Connection, data []byte) {
		eng.Dispatch(c, data)
	})
	srv.SetOnConnect(func(c *ws.Connection) { eng.Connect(c) })
	srv.SetOnDisconnect(func(c *ws.Connection) { eng.Disconnect(c) })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return "ws://" + l.Addr().String() + "/ws"
}

func connect(t *testing.T, url, userID, username string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Options{URL: url, Token: "test-token", UserID: userID, Username: username})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.WaitForSession(ctx); err != nil {
		t.Fatalf("WaitForSession: %v", err)
	}
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func reqCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_RequestsAreAcked(t *testing.T) {
	url := startRelay(t)
	alice := connect(t, url, "a", "alice")

	if alice.SessionID() == "" {
		t.Fatal("expected a session id")
	}

	free, err := alice.UsernameAvailable(reqCtx(t), "zed")
	if err != nil || !free {
		t.Fatalf("expected zed to be free, got %v (err %v)", free, err)
	}
	free, err = alice.UsernameAvailable(reqCtx(t), "bob")
	if err != nil || free {
		t.Fatalf("expected bob to be taken, got %v (err %v)", free, err)
	}

	anon := connect(t, url, "", "")
	_, err = anon.CreateUser(reqCtx(t), "alice")
	var re *RequestError
	if !errors.As(err, &re) || re.Code != protocol.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	u, err := anon.CreateUser(reqCtx(t), "zed")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.UserID == "" || anon.UserID() != u.UserID || anon.Username() != "zed" {
		t.Errorf("expected client to adopt %q, got %q/%q", u.UserID, anon.UserID(), anon.Username())
	}

	convs, err := anon.Conversations(reqCtx(t))
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("expected no conversations, got %d", len(convs))
	}
}

func TestConversationView_SendReceiveRead(t *testing.T) {
	url := startRelay(t)
	alice := connect(t, url, "a", "alice")
	bob := connect(t, url, "b", "bob")

	conv, err := alice.OpenDirect(reqCtx(t), "b")
	if err != nil {
		t.Fatalf("OpenDirect: %v", err)
	}
	again, err := alice.OpenDirect(reqCtx(t), "b")
	if err != nil || again.ID != conv.ID {
		t.Fatalf("expected the same conversation, got %v (err %v)", again, err)
	}

	va := NewConversationView(alice, conv.ID, nil)
	vb := NewConversationView(bob, conv.ID, nil)
	if err := va.Open(); err != nil {
		t.Fatalf("open alice view: %v", err)
	}
	if err := vb.Open(); err != nil {
		t.Fatalf("open bob view: %v", err)
	}
	defer va.Close()
	defer vb.Close()

	tempID, err := va.SendText("hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if msgs := va.Timeline().Messages(); len(msgs) != 1 || msgs[0].ID != tempID {
		t.Fatalf("expected provisional entry first, got %+v", msgs)
	}

	eventually(t, "bob to receive the message", func() bool {
		msgs := vb.Timeline().Messages()
		return len(msgs) == 1 && msgs[0].Text == "hello"
	})
	eventually(t, "alice's entry to be confirmed and read", func() bool {
		msgs := va.Timeline().Messages()
		return len(msgs) == 1 && msgs[0].ID != tempID && msgs[0].Status == chat.StatusRead
	})
	if va.Timeline().IsPending(tempID) {
		t.Error("expected temp id to be settled")
	}
}

func TestConversationView_Typing(t *testing.T) {
	url := startRelay(t)
	alice := connect(t, url, "a", "alice")
	bob := connect(t, url, "b", "bob")

	conv, err := alice.OpenDirect(reqCtx(t), "b")
	if err != nil {
		t.Fatalf("OpenDirect: %v", err)
	}
	vb := NewConversationView(bob, conv.ID, nil)
	if err := vb.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer vb.Close()

	if err := alice.Typing(conv.ID, true); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	eventually(t, "typing indicator", func() bool {
		got := vb.Typing()
		return len(got) == 1 && got[0] == "a"
	})
}

type fakeUploader struct {
	err error
}

func (f fakeUploader) Upload(_ context.Context, name, contentType string, r io.Reader) (chat.Attachment, error) {
	if f.err != nil {
		return chat.Attachment{}, f.err
	}
	_, _ = io.Copy(io.Discard, r)
	return chat.Attachment{URL: "https://cdn.example/" + name, Name: name, Kind: chat.ParseAttachmentKind(ResourceType(contentType))}, nil
}

func TestConversationView_SendFile(t *testing.T) {
	url := startRelay(t)
	alice := connect(t, url, "a", "alice")

	conv, err := alice.OpenDirect(reqCtx(t), "b")
	if err != nil {
		t.Fatalf("OpenDirect: %v", err)
	}

	failing := NewConversationView(alice, conv.ID, fakeUploader{err: errors.New("host down")})
	if _, err := failing.SendFile(reqCtx(t), "look", "cat.png", "image/png", nil); err == nil {
		t.Fatal("expected upload error")
	}
	if n := len(failing.Timeline().Messages()); n != 0 {
		t.Fatalf("expected failed upload to leave no entry, got %d", n)
	}

	v := NewConversationView(alice, conv.ID, fakeUploader{})
	if err := v.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer v.Close()

	tempID, err := v.SendFile(reqCtx(t), "look", "cat.png", "", emptyReader{})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	eventually(t, "attachment confirmation", func() bool {
		msgs := v.Timeline().Messages()
		if len(msgs) != 1 || msgs[0].ID == tempID || msgs[0].Attachment == nil {
			return false
		}
		att := msgs[0].Attachment
		return att.URL == "https://cdn.example/cat.png" && att.Kind == chat.KindImage && msgs[0].Status == chat.StatusSent
	})
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
