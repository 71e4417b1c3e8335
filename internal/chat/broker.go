// Package chat persists room messages, delivers them to the room and triggers notifications.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/notify"
	"go.uber.org/zap"
)

// EventMessageNew is broadcast to the whole room after a message is stored.
const EventMessageNew = "message:new"

const (
	defaultPageSize    = 50
	maxPageSize        = 100
	defaultMaxRunes    = 2000
	unknownSenderLabel = "Unknown user"
)

var (
	errMissingStore       = errors.New("chat: message store required")
	errMissingAuthorizer  = errors.New("chat: authorizer required")
	errMissingBroadcaster = errors.New("chat: broadcaster required")
	errMissingIDProvider  = errors.New("chat: id provider required")
)

// MessageStore is the storage view of the broker.
type MessageStore interface {
	PersistMessage(ctx context.Context, message model.Message) error
	FindMessage(ctx context.Context, messageID string) (model.Message, error)
	QueryRootMessages(ctx context.Context, roomID string, before *time.Time, limit int) ([]model.Message, error)
	QueryReplies(ctx context.Context, roomID, rootID string) ([]model.Message, error)
	FindUser(ctx context.Context, userID string) (model.Identity, error)
}

// Authorizer re-checks room access on every send.
type Authorizer interface {
	Authorize(ctx context.Context, identity model.Identity, roomID string) error
}

// Broadcaster delivers an event to the connections joined to a room.
type Broadcaster interface {
	Broadcast(roomID, event string, payload any, exceptConnectionID string) int
}

// Notifier fans project events out to users.
type Notifier interface {
	NotifyProjectEvent(ctx context.Context, roomID string, event notify.Event, excludeUserID string) (int, error)
}

// BrokerConfig describes the collaborators of the Broker.
type BrokerConfig struct {
	Store           MessageStore
	Guard           Authorizer
	Rooms           Broadcaster
	Notifier        Notifier
	IDProvider      model.IDProvider
	Clock           func() time.Time
	MaxMessageRunes int
	DefaultPageSize int
	// Dispatch runs fan-out work detached from the send. Defaults to a new goroutine.
	Dispatch func(task func())
	Logger   *zap.Logger
}

// Broker implements room chat with one level of threading.
type Broker struct {
	store           MessageStore
	guard           Authorizer
	rooms           Broadcaster
	notifier        Notifier
	idProvider      model.IDProvider
	clock           func() time.Time
	maxRunes        int
	defaultPageSize int
	dispatch        func(task func())
	logger          *zap.Logger
}

// NewBroker constructs a Broker.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Guard == nil {
		return nil, errMissingAuthorizer
	}
	if cfg.Rooms == nil {
		return nil, errMissingBroadcaster
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxRunes := cfg.MaxMessageRunes
	if maxRunes <= 0 {
		maxRunes = defaultMaxRunes
	}
	pageSize := cfg.DefaultPageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}
	dispatch := cfg.Dispatch
	if dispatch == nil {
		dispatch = func(task func()) { go task() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		store:           cfg.Store,
		guard:           cfg.Guard,
		rooms:           cfg.Rooms,
		notifier:        cfg.Notifier,
		idProvider:      cfg.IDProvider,
		clock:           clock,
		maxRunes:        maxRunes,
		defaultPageSize: pageSize,
		dispatch:        dispatch,
		logger:          logger,
	}, nil
}

// PostMessage validates, stores and broadcasts a message, then schedules notifications.
// Nothing is broadcast or fanned out unless the message was stored.
func (b *Broker) PostMessage(ctx context.Context, identity model.Identity, request PostRequest) (MessagePayload, error) {
	text, err := normalizeText(request.Text, b.maxRunes)
	if err != nil {
		return MessagePayload{}, err
	}

	parentID, err := b.resolveParent(ctx, request.RoomID, request.ParentMessageID)
	if err != nil {
		return MessagePayload{}, err
	}

	if err := b.guard.Authorize(ctx, identity, request.RoomID); err != nil {
		return MessagePayload{}, err
	}

	messageID, err := b.idProvider.NewID()
	if err != nil {
		b.logger.Error("message id generation failed", zap.Error(err))
		return MessagePayload{}, err
	}
	message := model.Message{
		ID:              messageID,
		RoomID:          request.RoomID,
		SenderID:        identity.ID,
		Text:            text,
		ParentMessageID: parentID,
		CreatedAt:       b.clock().UTC(),
	}
	if err := b.store.PersistMessage(ctx, message); err != nil {
		b.logger.Error("message not persisted",
			zap.String("room_id", request.RoomID),
			zap.String("user_id", identity.ID),
			zap.Error(err))
		return MessagePayload{}, err
	}

	sender := Sender{ID: identity.ID, Name: identity.Name}
	payload := toPayload(message, sender)
	b.rooms.Broadcast(request.RoomID, EventMessageNew, payload, "")

	if b.notifier != nil {
		fanoutCtx := context.WithoutCancel(ctx)
		event := notify.Event{
			Type: notify.TypeChatMessage,
			Data: ChatNotification{
				ProjectID:     message.RoomID,
				MessageID:     message.ID,
				SenderID:      sender.ID,
				SenderName:    sender.Name,
				Preview:       preview(message.Text),
				ParentMessage: message.ParentMessageID,
			},
		}
		b.dispatch(func() {
			if _, err := b.notifier.NotifyProjectEvent(fanoutCtx, message.RoomID, event, identity.ID); err != nil {
				b.logger.Warn("chat notification fan-out failed",
					zap.String("room_id", message.RoomID),
					zap.String("message_id", message.ID),
					zap.Error(err))
			}
		})
	}

	return payload, nil
}

func (b *Broker) resolveParent(ctx context.Context, roomID string, rawParentID *string) (*string, error) {
	if rawParentID == nil {
		return nil, nil
	}
	parentID := *rawParentID
	if !model.ValidID(parentID) {
		return nil, ErrInvalidParent
	}
	parent, err := b.store.FindMessage(ctx, parentID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, ErrParentNotFound
		}
		return nil, err
	}
	if err := checkParent(parent, roomID); err != nil {
		return nil, err
	}
	return &parentID, nil
}

// RoomMessages returns up to limit root messages of roomID in chronological order.
// A non-nil before restricts the page to messages created strictly earlier.
func (b *Broker) RoomMessages(ctx context.Context, roomID string, before *time.Time, limit int) ([]MessagePayload, error) {
	if limit <= 0 {
		limit = b.defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	newestFirst, err := b.store.QueryRootMessages(ctx, roomID, before, limit)
	if err != nil {
		return nil, err
	}

	senders := b.senderLookup(ctx)
	payloads := make([]MessagePayload, len(newestFirst))
	for index, message := range newestFirst {
		payloads[len(newestFirst)-1-index] = toPayload(message, senders(message.SenderID))
	}
	return payloads, nil
}

// Thread returns rootID and its direct replies, or ErrThreadNotFound when rootID is not a
// root message of roomID.
func (b *Broker) Thread(ctx context.Context, roomID, rootID string) (ThreadPayload, error) {
	if !model.ValidID(rootID) {
		return ThreadPayload{}, ErrThreadNotFound
	}
	root, err := b.store.FindMessage(ctx, rootID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return ThreadPayload{}, ErrThreadNotFound
		}
		return ThreadPayload{}, err
	}
	if root.RoomID != roomID || !root.IsRoot() {
		return ThreadPayload{}, ErrThreadNotFound
	}
	replies, err := b.store.QueryReplies(ctx, roomID, rootID)
	if err != nil {
		return ThreadPayload{}, err
	}

	senders := b.senderLookup(ctx)
	thread := ThreadPayload{
		Root:    toPayload(root, senders(root.SenderID)),
		Replies: make([]MessagePayload, 0, len(replies)),
	}
	for _, reply := range replies {
		thread.Replies = append(thread.Replies, toPayload(reply, senders(reply.SenderID)))
	}
	return thread, nil
}

// senderLookup resolves display names, memoized for the duration of one call.
func (b *Broker) senderLookup(ctx context.Context) func(userID string) Sender {
	names := make(map[string]string)
	return func(userID string) Sender {
		if name, ok := names[userID]; ok {
			return Sender{ID: userID, Name: name}
		}
		name := unknownSenderLabel
		if identity, err := b.store.FindUser(ctx, userID); err == nil && identity.Name != "" {
			name = identity.Name
		}
		names[userID] = name
		return Sender{ID: userID, Name: name}
	}
}
