// Package presence tracks which users currently hold an open connection.
// Only the most recent connection per user is remembered; a late
// disconnect from an older connection never clears a newer one.
package presence

import (
	"sync"
	"time"
)

// Entry is the connection currently registered for a user.
type Entry struct {
	SessionID    string
	RegisteredAt time.Time
}

// Registry maps user ids to their active connection. It is owned by the
// server process and passed to the relay; the zero value is not usable.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Register records sessionID as userID's connection, replacing any
// previous one.
func (r *Registry) Register(userID, sessionID string) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	r.entries[userID] = Entry{SessionID: sessionID, RegisteredAt: r.now()}
	r.mu.Unlock()
}

// Unregister removes userID only if sessionID is still the registered
// connection. It reports whether an entry was removed.
func (r *Registry) Unregister(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok || e.SessionID != sessionID {
		return false
	}
	delete(r.entries, userID)
	return true
}

// IsOnline reports whether userID has a registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	_, ok := r.entries[userID]
	r.mu.RUnlock()
	return ok
}

// AnyOnline reports whether at least one of userIDs is online.
func (r *Registry) AnyOnline(userIDs []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range userIDs {
		if _, ok := r.entries[id]; ok {
			return true
		}
	}
	return false
}

// Lookup returns the registered entry for userID.
func (r *Registry) Lookup(userID string) (Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[userID]
	r.mu.RUnlock()
	return e, ok
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()
	return n
}
