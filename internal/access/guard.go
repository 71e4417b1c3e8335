// Package access decides whether an identity may act inside a room.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"go.uber.org/zap"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonAdmin        Reason = "admin"
	ReasonMember       Reason = "member"
	ReasonAssignedTask Reason = "assigned-task"
	ReasonBadID        Reason = "bad-id"
	ReasonNotFound     Reason = "not-found"
	ReasonForbidden    Reason = "forbidden"
)

// Decision is the outcome of an access check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

var (
	// ErrBadRoomID is returned for a room id that is not a well-formed identifier.
	ErrBadRoomID = fmt.Errorf("%w: malformed room id", errs.ErrValidation)
	// ErrRoomNotFound is returned when the room does not exist.
	ErrRoomNotFound = fmt.Errorf("%w: room", errs.ErrNotFound)
	// ErrNotMember is returned when the identity has no standing in the room.
	ErrNotMember = fmt.Errorf("%w: not a member of the room", errs.ErrForbidden)
)

// Err converts a denial into an error matching the errs taxonomy. Allowed decisions return nil.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonBadID:
		return ErrBadRoomID
	case d.Reason == ReasonNotFound:
		return ErrRoomNotFound
	default:
		return ErrNotMember
	}
}

// RoomDirectory is the storage view the guard needs.
type RoomDirectory interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
	FindRoomMembership(ctx context.Context, roomID string) (model.Membership, error)
	UserHasAssignedTask(ctx context.Context, userID, roomID string) (bool, error)
}

var errMissingDirectory = errors.New("access: room directory required")

// Guard evaluates room access. It keeps no cache, so revocations apply on the next check.
type Guard struct {
	rooms  RoomDirectory
	logger *zap.Logger
}

// NewGuard constructs a Guard.
func NewGuard(rooms RoomDirectory, logger *zap.Logger) (*Guard, error) {
	if rooms == nil {
		return nil, errMissingDirectory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{rooms: rooms, logger: logger}, nil
}

// CanAccess applies, in order: admin override, id shape, room existence, membership or
// management, task assignment. Storage failures are returned as errors.
func (g *Guard) CanAccess(ctx context.Context, identity model.Identity, roomID string) (Decision, error) {
	if identity.IsAdmin() {
		return Decision{Allowed: true, Reason: ReasonAdmin}, nil
	}
	if !model.ValidID(roomID) {
		return Decision{Reason: ReasonBadID}, nil
	}

	exists, err := g.rooms.RoomExists(ctx, roomID)
	if err != nil {
		return Decision{}, err
	}
	if !exists {
		return Decision{Reason: ReasonNotFound}, nil
	}

	membership, err := g.rooms.FindRoomMembership(ctx, roomID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Decision{Reason: ReasonNotFound}, nil
		}
		return Decision{}, err
	}
	if membership.Includes(identity.ID) {
		return Decision{Allowed: true, Reason: ReasonMember}, nil
	}

	assigned, err := g.rooms.UserHasAssignedTask(ctx, identity.ID, roomID)
	if err != nil {
		return Decision{}, err
	}
	if assigned {
		return Decision{Allowed: true, Reason: ReasonAssignedTask}, nil
	}

	g.logger.Info("room access denied",
		zap.String("user_id", identity.ID),
		zap.String("room_id", roomID))
	return Decision{Reason: ReasonForbidden}, nil
}

// Authorize is CanAccess folded into a single error.
func (g *Guard) Authorize(ctx context.Context, identity model.Identity, roomID string) error {
	decision, err := g.CanAccess(ctx, identity, roomID)
	if err != nil {
		return err
	}
	return decision.Err()
}
