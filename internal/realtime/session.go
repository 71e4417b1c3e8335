package realtime

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// EventPresence is broadcast to a room when a user's presence there changes edge.
const EventPresence = "project:presence"

// PresenceEvent is the payload of EventPresence.
type PresenceEvent struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Joined   bool   `json:"joined"`
}

// Coordinator ties the registry, the room hub and the presence tracker together so
// every join made through a Session is paired with a leave.
type Coordinator struct {
	registry *Registry
	hub      *Hub
	presence *PresenceTracker
	logger   *zap.Logger

	mu        sync.Mutex
	roomLocks map[string]*roomLock
}

// roomLock orders membership changes of one room with their presence broadcasts.
type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewCoordinator constructs a Coordinator over the shared process-wide state.
func NewCoordinator(registry *Registry, hub *Hub, presence *PresenceTracker, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		registry:  registry,
		hub:       hub,
		presence:  presence,
		logger:    logger,
		roomLocks: make(map[string]*roomLock),
	}
}

// lockRoom acquires the membership lock of roomID and returns its release.
func (c *Coordinator) lockRoom(roomID string) func() {
	c.mu.Lock()
	lock, ok := c.roomLocks[roomID]
	if !ok {
		lock = &roomLock{}
		c.roomLocks[roomID] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.roomLocks, roomID)
		}
		c.mu.Unlock()
	}
}

// joinRoom subscribes conn and announces the user when this is their first connection
// in the room. Subscription, count and announcement happen under the room lock, so
// presence events of one room reach members in the order the counts changed.
func (c *Coordinator) joinRoom(roomID string, conn Connection) bool {
	release := c.lockRoom(roomID)
	defer release()

	c.hub.Join(roomID, conn)
	identity := conn.Identity()
	first := c.presence.Join(roomID, identity.ID)
	if first {
		c.hub.Broadcast(roomID, EventPresence, PresenceEvent{
			RoomID:   roomID,
			UserID:   identity.ID,
			UserName: identity.Name,
			Joined:   true,
		}, "")
	}
	return first
}

// leaveRoom undoes joinRoom.
func (c *Coordinator) leaveRoom(roomID string, conn Connection) {
	release := c.lockRoom(roomID)
	defer release()

	c.hub.Leave(roomID, conn.ID())
	identity := conn.Identity()
	if c.presence.Leave(roomID, identity.ID) {
		c.hub.Broadcast(roomID, EventPresence, PresenceEvent{
			RoomID:   roomID,
			UserID:   identity.ID,
			UserName: identity.Name,
			Joined:   false,
		}, "")
	}
}

// RoomLockCount returns the number of rooms with a membership change in flight.
func (c *Coordinator) RoomLockCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.roomLocks)
}

// Attach registers conn and returns the Session that owns its room memberships.
func (c *Coordinator) Attach(conn Connection) *Session {
	c.registry.Register(conn)
	return &Session{coordinator: c, conn: conn, rooms: make(map[string]struct{})}
}

// JoinResult describes the effect of Session.Join.
type JoinResult struct {
	AlreadyJoined bool
	FirstForUser  bool
}

// Session is the room state of one connection.
type Session struct {
	coordinator *Coordinator
	conn        Connection

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

// Connection returns the underlying connection.
func (s *Session) Connection() Connection {
	return s.conn
}

// Join subscribes the connection to roomID and counts it towards presence. Joining a
// room twice from the same connection is a no-op. Access must be checked by the caller.
func (s *Session) Join(roomID string) JoinResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return JoinResult{}
	}
	if _, ok := s.rooms[roomID]; ok {
		return JoinResult{AlreadyJoined: true}
	}
	s.rooms[roomID] = struct{}{}
	first := s.coordinator.joinRoom(roomID, s.conn)
	return JoinResult{FirstForUser: first}
}

// Leave undoes Join. It reports false when the connection had not joined roomID.
func (s *Session) Leave(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	s.coordinator.leaveRoom(roomID, s.conn)
	return true
}

// Joined reports whether the connection has joined roomID.
func (s *Session) Joined(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns the rooms the connection has joined, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedRoomsLocked()
}

func (s *Session) sortedRoomsLocked() []string {
	rooms := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Close unregisters the connection and leaves every joined room. It is idempotent
// and returns the rooms that were left.
func (s *Session) Close() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.coordinator.registry.Unregister(s.conn)

	rooms := s.sortedRoomsLocked()
	for _, roomID := range rooms {
		s.coordinator.leaveRoom(roomID, s.conn)
	}
	s.rooms = make(map[string]struct{})
	s.coordinator.logger.Debug("connection session closed",
		zap.String("connection_id", s.conn.ID()),
		zap.String("user_id", s.conn.Identity().ID),
		zap.Int("rooms_left", len(rooms)))
	return rooms
}
