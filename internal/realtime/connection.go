// Package realtime tracks live connections, room membership of connections and per-room presence.
package realtime

import (
	"errors"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
)

var (
	// ErrConnectionClosed is returned by Send once a connection has shut down.
	ErrConnectionClosed = errors.New("realtime: connection closed")
	// ErrSendBufferFull is returned by Send when a slow consumer drops an event.
	ErrSendBufferFull = errors.New("realtime: send buffer full")
)

// Connection is a single live client session bound to one identity.
// Send must not block; delivery is best-effort.
type Connection interface {
	ID() string
	Identity() model.Identity
	Send(event string, payload any) error
}
