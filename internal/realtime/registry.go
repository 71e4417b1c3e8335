package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Registry maps each user to the set of its live connections.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]map[string]Connection
	logger      *zap.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		connections: make(map[string]map[string]Connection),
		logger:      logger,
	}
}

// Register records conn under its identity's user id.
func (r *Registry) Register(conn Connection) {
	userID := conn.Identity().ID
	if userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[userID]; !ok {
		r.connections[userID] = make(map[string]Connection)
	}
	r.connections[userID][conn.ID()] = conn
}

// Unregister removes conn and drops the user entry once it has no connections left.
func (r *Registry) Unregister(conn Connection) {
	userID := conn.Identity().ID
	r.mu.Lock()
	connections := r.connections[userID]
	if connections != nil {
		delete(connections, conn.ID())
		if len(connections) == 0 {
			delete(r.connections, userID)
		}
	}
	r.mu.Unlock()
}

// SendToUser delivers the event to every live connection of userID and returns the
// number of connections that accepted it. An offline user is not an error.
func (r *Registry) SendToUser(userID, event string, payload any) int {
	r.mu.RLock()
	connections := r.connections[userID]
	if len(connections) == 0 {
		r.mu.RUnlock()
		return 0
	}
	copies := make([]Connection, 0, len(connections))
	for _, conn := range connections {
		copies = append(copies, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range copies {
		if err := conn.Send(event, payload); err != nil {
			r.logger.Debug("user delivery dropped",
				zap.String("user_id", userID),
				zap.String("connection_id", conn.ID()),
				zap.String("event", event),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// ConnectionCount returns the number of live connections held by userID.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections[userID])
}

// UserCount returns the number of users with at least one live connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
