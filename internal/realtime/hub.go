package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Hub tracks which connections subscribed to which rooms and broadcasts room events.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Connection
	logger *zap.Logger
}

// NewHub constructs an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{rooms: make(map[string]map[string]Connection), logger: logger}
}

// Join subscribes conn to roomID. It reports false when conn was already subscribed.
func (h *Hub) Join(roomID string, conn Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	connections, ok := h.rooms[roomID]
	if !ok {
		connections = make(map[string]Connection)
		h.rooms[roomID] = connections
	}
	if _, exists := connections[conn.ID()]; exists {
		return false
	}
	connections[conn.ID()] = conn
	return true
}

// Leave unsubscribes the connection from roomID. It reports false when it was not subscribed.
func (h *Hub) Leave(roomID, connectionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	connections := h.rooms[roomID]
	if _, ok := connections[connectionID]; !ok {
		return false
	}
	delete(connections, connectionID)
	if len(connections) == 0 {
		delete(h.rooms, roomID)
	}
	return true
}

// Joined reports whether the connection is subscribed to roomID.
func (h *Hub) Joined(roomID, connectionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][connectionID]
	return ok
}

// Broadcast sends the event to every connection in roomID except exceptConnectionID
// (pass "" to include everyone) and returns the number of accepted deliveries.
func (h *Hub) Broadcast(roomID, event string, payload any, exceptConnectionID string) int {
	h.mu.RLock()
	connections := h.rooms[roomID]
	targets := make([]Connection, 0, len(connections))
	for connectionID, conn := range connections {
		if connectionID == exceptConnectionID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(event, payload); err != nil {
			h.logger.Debug("room delivery dropped",
				zap.String("room_id", roomID),
				zap.String("connection_id", conn.ID()),
				zap.String("event", event),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Size returns the number of connections subscribed to roomID.
func (h *Hub) Size(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
