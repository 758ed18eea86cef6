package relay

import (
	"sync"
)

// Rooms is the subscription table: conversation id -> connections that
// receive that conversation's broadcasts. It also indexes attached
// connections by user so membership changes can join or evict every
// connection of a user at once.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]Conn // conversation id -> session id -> conn
	joined  map[string]map[string]bool // session id -> conversation ids
	byUser  map[string]map[string]Conn // user id -> session id -> conn
}

// NewRooms returns an empty subscription table.
func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]Conn),
		joined:  make(map[string]map[string]bool),
		byUser:  make(map[string]map[string]Conn),
	}
}

// Attach indexes an identified connection under its user.
func (r *Rooms) Attach(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byUser[c.UserID()]
	if !ok {
		sessions = make(map[string]Conn)
		r.byUser[c.UserID()] = sessions
	}
	sessions[c.SessionID()] = c
	if r.joined[c.SessionID()] == nil {
		r.joined[c.SessionID()] = make(map[string]bool)
	}
}

// Detach removes a connection from every room and from the user index.
func (r *Rooms) Detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for convID := range r.joined[sessionID] {
		r.leaveLocked(convID, sessionID)
	}
	delete(r.joined, sessionID)

	for userID, sessions := range r.byUser {
		if _, ok := sessions[sessionID]; ok {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(r.byUser, userID)
			}
			break
		}
	}
}

// Join subscribes one connection to a conversation.
func (r *Rooms) Join(convID string, c Conn) {
	r.mu.Lock()
	r.joinLocked(convID, c)
	r.mu.Unlock()
}

func (r *Rooms) joinLocked(convID string, c Conn) {
	room, ok := r.members[convID]
	if !ok {
		room = make(map[string]Conn)
		r.members[convID] = room
	}
	room[c.SessionID()] = c

	set, ok := r.joined[c.SessionID()]
	if !ok {
		set = make(map[string]bool)
		r.joined[c.SessionID()] = set
	}
	set[convID] = true
}

func (r *Rooms) leaveLocked(convID, sessionID string) {
	if room, ok := r.members[convID]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.members, convID)
		}
	}
	if set, ok := r.joined[sessionID]; ok {
		delete(set, convID)
	}
}

// JoinUser subscribes every attached connection of userID and returns how
// many were joined.
func (r *Rooms) JoinUser(convID, userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.byUser[userID] {
		r.joinLocked(convID, c)
		n++
	}
	return n
}

// LeaveUser evicts every connection of userID from a conversation.
func (r *Rooms) LeaveUser(convID, userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for sessionID := range r.byUser[userID] {
		if r.joined[sessionID][convID] {
			r.leaveLocked(convID, sessionID)
			n++
		}
	}
	return n
}

// IsMember reports whether a connection is subscribed to a conversation.
func (r *Rooms) IsMember(convID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[convID][sessionID]
	return ok
}

// Members returns a snapshot of a conversation's subscribers.
func (r *Rooms) Members(convID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.members[convID]))
	for _, c := range r.members[convID] {
		out = append(out, c)
	}
	return out
}

// UserConns returns a snapshot of the attached connections of userID.
func (r *Rooms) UserConns(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// Broadcast sends data to every subscriber of a conversation except the
// connection exceptSession ("" excludes nobody). Send errors are ignored;
// broken connections are cleaned up by the transport. It returns the number
// of connections written to.
func (r *Rooms) Broadcast(convID string, data []byte, exceptSession string) int {
	n := 0
	for _, c := range r.Members(convID) {
		if c.SessionID() == exceptSession {
			continue
		}
		if err := c.Send(data); err == nil {
			n++
		}
	}
	return n
}
