// Package notify fans cross-feature events out to every connection of the users they concern.
package notify

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"go.uber.org/zap"
)

// EventNotification is the websocket event carrying a notification.
const EventNotification = "notification:new"

const (
	TypeChatMessage  = "chat:message"
	TypeTaskAssigned = "task:assigned"
)

var (
	errMissingDirectory = errors.New("notify: room directory required")
	errMissingDeliverer = errors.New("notify: deliverer required")
)

// Event is a notification before it is addressed.
type Event struct {
	Type string
	Data any
}

// Notification is the payload delivered to each recipient.
type Notification struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	Data      any       `json:"data"`
}

// RoomDirectory yields the audience of a room.
type RoomDirectory interface {
	FindRoomMembership(ctx context.Context, roomID string) (model.Membership, error)
	ListAssigneeIDs(ctx context.Context, roomID string) ([]string, error)
}

// Deliverer reaches every live connection of a user.
type Deliverer interface {
	SendToUser(userID, event string, payload any) int
}

// Config describes the collaborators of the Service.
type Config struct {
	Rooms     RoomDirectory
	Deliverer Deliverer
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service computes recipient sets and delivers notifications at most once per connection.
type Service struct {
	rooms     RoomDirectory
	deliverer Deliverer
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Rooms == nil {
		return nil, errMissingDirectory
	}
	if cfg.Deliverer == nil {
		return nil, errMissingDeliverer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{rooms: cfg.Rooms, deliverer: cfg.Deliverer, clock: clock, logger: logger}, nil
}

// Recipients returns members, manager and task assignees of roomID without duplicates,
// excluding excludeUserID.
func (s *Service) Recipients(ctx context.Context, roomID, excludeUserID string) ([]string, error) {
	membership, err := s.rooms.FindRoomMembership(ctx, roomID)
	if err != nil {
		return nil, err
	}
	assignees, err := s.rooms.ListAssigneeIDs(ctx, roomID)
	if err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(membership.Members)+len(assignees)+1)
	candidates = append(candidates, membership.Members...)
	candidates = append(candidates, membership.ManagerID)
	candidates = append(candidates, assignees...)
	return uniqueExcept(candidates, excludeUserID), nil
}

// NotifyProjectEvent delivers event to every recipient of roomID except excludeUserID
// and returns the number of users addressed.
func (s *Service) NotifyProjectEvent(ctx context.Context, roomID string, event Event, excludeUserID string) (int, error) {
	recipients, err := s.Recipients(ctx, roomID, excludeUserID)
	if err != nil {
		s.logger.Warn("notification recipients unavailable",
			zap.String("room_id", roomID),
			zap.String("type", event.Type),
			zap.Error(err))
		return 0, err
	}
	s.deliver(recipients, event)
	return len(recipients), nil
}

// NotifyUsers delivers event to the listed users except excludeUserID and returns
// the number of users addressed.
func (s *Service) NotifyUsers(userIDs []string, event Event, excludeUserID string) int {
	recipients := uniqueExcept(userIDs, excludeUserID)
	s.deliver(recipients, event)
	return len(recipients)
}

func (s *Service) deliver(recipients []string, event Event) {
	notification := Notification{
		Type:      event.Type,
		CreatedAt: s.clock().UTC(),
		Data:      event.Data,
	}
	connections := 0
	for _, userID := range recipients {
		connections += s.deliverer.SendToUser(userID, EventNotification, notification)
	}
	s.logger.Debug("notification fanned out",
		zap.String("type", event.Type),
		zap.Int("users", len(recipients)),
		zap.Int("connections", connections))
}

func uniqueExcept(userIDs []string, excludeUserID string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	unique := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		if userID == "" || userID == excludeUserID {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		unique = append(unique, userID)
	}
	sort.Strings(unique)
	return unique
}
