package relay

import "testing"

func TestRooms_JoinUserAndBroadcast(t *testing.T) {
	r := NewRooms()
	a1 := newConn("a1", "a", "alice")
	a2 := newConn("a2", "a", "alice")
	b := newConn("b1", "b", "bob")
	r.Attach(a1)
	r.Attach(a2)
	r.Attach(b)

	if n := r.JoinUser("c1", "a"); n != 2 {
		t.Fatalf("expected 2 connections joined, got %d", n)
	}
	r.Join("c1", b)

	if n := r.Broadcast("c1", []byte(`{"type":"x"}`), "a1"); n != 2 {
		t.Fatalf("expected broadcast to 2 connections, got %d", n)
	}
	if len(a1.frames) != 0 {
		t.Error("excluded session must not receive the broadcast")
	}
}

func TestRooms_LeaveUserAndDetach(t *testing.T) {
	r := NewRooms()
	a := newConn("a1", "a", "alice")
	b := newConn("b1", "b", "bob")
	r.Attach(a)
	r.Attach(b)
	r.JoinUser("c1", "a")
	r.JoinUser("c1", "b")
	r.JoinUser("c2", "a")

	if n := r.LeaveUser("c1", "a"); n != 1 {
		t.Fatalf("expected 1 connection evicted, got %d", n)
	}
	if r.IsMember("c1", "a1") {
		t.Error("expected a1 evicted from c1")
	}
	if !r.IsMember("c2", "a1") {
		t.Error("expected a1 to stay in c2")
	}

	r.Detach("a1")
	if r.IsMember("c2", "a1") {
		t.Error("expected detach to leave every room")
	}
	if got := len(r.UserConns("a")); got != 0 {
		t.Errorf("expected no connections for a, got %d", got)
	}
	if got := len(r.Members("c1")); got != 1 {
		t.Errorf("expected b to remain in c1, got %d members", got)
	}
}
