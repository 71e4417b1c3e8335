package realtime

import (
	"sort"
	"sync"
)

// PresenceObserver is told about 0→1 and 1→0 transitions of a user in a room.
// Callbacks run while the tracker holds its lock and must not block.
type PresenceObserver interface {
	RoomJoined(roomID, userID string)
	RoomLeft(roomID, userID string)
}

// PresenceTracker counts, per room, how many connections each user has joined with.
// A user is present while the count is positive; entries at zero are deleted.
type PresenceTracker struct {
	mu        sync.Mutex
	rooms     map[string]map[string]int
	observers []PresenceObserver
}

// NewPresenceTracker constructs a tracker that notifies observers of transitions.
func NewPresenceTracker(observers ...PresenceObserver) *PresenceTracker {
	return &PresenceTracker{
		rooms:     make(map[string]map[string]int),
		observers: observers,
	}
}

// Join increments the user's count in the room and reports whether this was the
// user's first connection there.
func (p *PresenceTracker) Join(roomID, userID string) bool {
	p.mu.Lock()
	users, ok := p.rooms[roomID]
	if !ok {
		users = make(map[string]int)
		p.rooms[roomID] = users
	}
	users[userID]++
	first := users[userID] == 1
	if first {
		for _, observer := range p.observers {
			observer.RoomJoined(roomID, userID)
		}
	}
	p.mu.Unlock()
	return first
}

// Leave decrements the user's count in the room and reports whether it was the
// user's last connection there. Leaving a room the user is absent from is a no-op.
func (p *PresenceTracker) Leave(roomID, userID string) bool {
	p.mu.Lock()
	users := p.rooms[roomID]
	count, ok := users[userID]
	if !ok || count <= 0 {
		p.mu.Unlock()
		return false
	}
	last := false
	if count == 1 {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.rooms, roomID)
		}
		last = true
		for _, observer := range p.observers {
			observer.RoomLeft(roomID, userID)
		}
	} else {
		users[userID] = count - 1
	}
	p.mu.Unlock()
	return last
}

// Count returns how many connections userID has joined roomID with.
func (p *PresenceTracker) Count(roomID, userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rooms[roomID][userID]
}

// Members returns the users currently present in roomID, sorted.
func (p *PresenceTracker) Members(roomID string) []string {
	p.mu.Lock()
	users := p.rooms[roomID]
	members := make([]string, 0, len(users))
	for userID := range users {
		members = append(members, userID)
	}
	p.mu.Unlock()
	sort.Strings(members)
	return members
}

// RoomCount returns the number of rooms with at least one present user.
func (p *PresenceTracker) RoomCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rooms)
}
