package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegisterAndUnregister(t *testing.T) {
	r := NewRegistry()

	r.Register("alice", "s1")
	if !r.IsOnline("alice") {
		t.Fatal("expected alice online")
	}
	if !r.Unregister("alice", "s1") {
		t.Fatal("expected unregister to remove the entry")
	}
	if r.IsOnline("alice") {
		t.Fatal("expected alice offline")
	}
}

func TestStaleUnregisterIsNoop(t *testing.T) {
	r := NewRegistry()

	r.Register("alice", "old")
	r.Register("alice", "new")

	if r.Unregister("alice", "old") {
		t.Fatal("expected stale disconnect to be ignored")
	}
	e, ok := r.Lookup("alice")
	if !ok || e.SessionID != "new" {
		t.Fatalf("expected newest session to stay registered, got %+v (ok=%v)", e, ok)
	}
}

func TestAnyOnline(t *testing.T) {
	r := NewRegistry()
	r.Register("bob", "s1")

	if r.AnyOnline([]string{"alice", "carol"}) {
		t.Error("expected nobody online")
	}
	if !r.AnyOnline([]string{"alice", "bob"}) {
		t.Error("expected bob online")
	}
	if r.AnyOnline(nil) {
		t.Error("expected false for empty list")
	}
}

func TestRegisterIgnoresEmptyUser(t *testing.T) {
	r := NewRegistry()
	r.Register("", "s1")
	if r.Count() != 0 {
		t.Errorf("expected 0 entries, got %d", r.Count())
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", n%10)
			sid := fmt.Sprintf("s-%d", n)
			r.Register(user, sid)
			_ = r.IsOnline(user)
			_ = r.AnyOnline([]string{user, "nobody"})
			r.Unregister(user, sid)
		}(i)
	}
	wg.Wait()

	if r.Count() > 10 {
		t.Errorf("expected at most 10 entries, got %d", r.Count())
	}
}
