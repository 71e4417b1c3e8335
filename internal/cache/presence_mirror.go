// Package cache mirrors room presence into redis so other processes can read it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// PresenceChannel carries a PresenceUpdate for every mirrored transition.
	PresenceChannel = "presence_updates"

	roomKeyPrefix       = "presence:room:"
	defaultQueueSize    = 256
	defaultApplyTimeout = 2 * time.Second
)

var errMissingClient = errors.New("cache: redis client required")

// PresenceUpdate is one 0→1 or 1→0 transition of a user in a room on this process.
type PresenceUpdate struct {
	RoomID string    `json:"roomId"`
	UserID string    `json:"userId"`
	Joined bool      `json:"joined"`
	At     time.Time `json:"at"`
}

// NewRedisClient constructs a go-redis client for the mirror.
func NewRedisClient(address, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
}

// MirrorConfig describes the PresenceMirror.
type MirrorConfig struct {
	Client    *redis.Client
	QueueSize int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// PresenceMirror keeps a per-room hash of user → number of processes where the user is
// present. Transitions are queued without blocking and applied in order by Run.
type PresenceMirror struct {
	client  *redis.Client
	updates chan PresenceUpdate
	clock   func() time.Time
	logger  *zap.Logger
}

// NewPresenceMirror constructs a PresenceMirror.
func NewPresenceMirror(cfg MirrorConfig) (*PresenceMirror, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceMirror{
		client:  cfg.Client,
		updates: make(chan PresenceUpdate, queueSize),
		clock:   clock,
		logger:  logger,
	}, nil
}

// RoomJoined queues a join transition.
func (m *PresenceMirror) RoomJoined(roomID, userID string) {
	m.enqueue(PresenceUpdate{RoomID: roomID, UserID: userID, Joined: true, At: m.clock().UTC()})
}

// RoomLeft queues a leave transition.
func (m *PresenceMirror) RoomLeft(roomID, userID string) {
	m.enqueue(PresenceUpdate{RoomID: roomID, UserID: userID, Joined: false, At: m.clock().UTC()})
}

func (m *PresenceMirror) enqueue(update PresenceUpdate) {
	select {
	case m.updates <- update:
	default:
		m.logger.Warn("presence mirror queue full, dropping update",
			zap.String("room_id", update.RoomID),
			zap.String("user_id", update.UserID),
			zap.Bool("joined", update.Joined))
	}
}

// Run applies queued transitions until ctx is cancelled.
func (m *PresenceMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-m.updates:
			applyCtx, cancel := context.WithTimeout(ctx, defaultApplyTimeout)
			if err := m.Apply(applyCtx, update); err != nil {
				m.logger.Warn("presence mirror update failed",
					zap.String("room_id", update.RoomID),
					zap.String("user_id", update.UserID),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// Apply writes a single transition to redis and publishes it.
func (m *PresenceMirror) Apply(ctx context.Context, update PresenceUpdate) error {
	key := roomKey(update.RoomID)
	delta := int64(-1)
	if update.Joined {
		delta = 1
	}
	count, err := m.client.HIncrBy(ctx, key, update.UserID, delta).Result()
	if err != nil {
		return fmt.Errorf("presence mirror: increment: %w", err)
	}
	if count <= 0 {
		if err := m.client.HDel(ctx, key, update.UserID).Err(); err != nil {
			return fmt.Errorf("presence mirror: delete: %w", err)
		}
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if err := m.client.Publish(ctx, PresenceChannel, payload).Err(); err != nil {
		return fmt.Errorf("presence mirror: publish: %w", err)
	}
	return nil
}

// OnlineUsers returns the users present in roomID on any process, sorted.
func (m *PresenceMirror) OnlineUsers(ctx context.Context, roomID string) ([]string, error) {
	counts, err := m.client.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence mirror: read: %w", err)
	}
	users := make([]string, 0, len(counts))
	for userID, raw := range counts {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || count <= 0 {
			continue
		}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

// Ping checks connectivity.
func (m *PresenceMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close releases the redis client.
func (m *PresenceMirror) Close() error {
	return m.client.Close()
}

func roomKey(roomID string) string {
	return roomKeyPrefix + roomID
}
