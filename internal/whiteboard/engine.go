// Package whiteboard keeps one shared canvas per room in sync across editors.
package whiteboard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"go.uber.org/zap"
)

const (
	EventState         = "whiteboard:state"
	EventCursorUpdated = "cursor_updated"
	EventCursorRemoved = "cursor_removed"
)

var (
	errMissingStore       = errors.New("whiteboard: document store required")
	errMissingBroadcaster = errors.New("whiteboard: broadcaster required")
	errMissingIDProvider  = errors.New("whiteboard: id provider required")
)

// DocumentStore persists whiteboard documents.
type DocumentStore interface {
	LoadOrCreateWhiteboard(ctx context.Context, roomID string) (model.WhiteboardDocument, error)
	SaveWhiteboard(ctx context.Context, document model.WhiteboardDocument) error
}

// Broadcaster delivers an event to the connections joined to a room.
type Broadcaster interface {
	Broadcast(roomID, event string, payload any, exceptConnectionID string) int
	Size(roomID string) int
}

// Origin identifies the connection an operation came from.
type Origin struct {
	ConnectionID string
	Identity     model.Identity
}

// State is the snapshot sent to a joining editor.
type State struct {
	RoomID     string               `json:"roomId"`
	Objects    []model.CanvasObject `json:"objects"`
	Background string               `json:"background"`
	Settings   map[string]any       `json:"settings"`
	Cursors    []model.Cursor       `json:"cursors"`
}

// OpBroadcast is the payload relayed to other editors after an operation.
type OpBroadcast struct {
	RoomID string              `json:"roomId"`
	UserID string              `json:"userId"`
	Object *model.CanvasObject `json:"object,omitempty"`
	Node   *NodeUpdate         `json:"node,omitempty"`
}

// CursorPosition is the pointer part of a cursor event.
type CursorPosition struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Color string  `json:"color"`
}

// CursorUpdate is broadcast when a collaborator moves their pointer.
type CursorUpdate struct {
	RoomID   string         `json:"roomId"`
	UserID   string         `json:"userId"`
	UserName string         `json:"userName"`
	Cursor   CursorPosition `json:"cursor"`
}

// CursorRemoval is broadcast when a collaborator's pointer goes away.
type CursorRemoval struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// EngineConfig describes the collaborators of the Engine.
type EngineConfig struct {
	Store      DocumentStore
	Rooms      Broadcaster
	IDProvider model.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

type board struct {
	mu       sync.Mutex
	document *model.WhiteboardDocument
	cursors  map[string]model.Cursor
	dirty    bool
	evicted  bool
}

// Engine caches each room's document and serializes operations per room, so the order
// operations are applied is the order they are persisted and relayed. A cached board
// lives until ReleaseRoom finds its room empty.
type Engine struct {
	store      DocumentStore
	rooms      Broadcaster
	idProvider model.IDProvider
	clock      func() time.Time
	logger     *zap.Logger

	mu     sync.Mutex
	boards map[string]*board
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
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
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      cfg.Store,
		rooms:      cfg.Rooms,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		boards:     make(map[string]*board),
	}, nil
}

func (e *Engine) boardFor(roomID string) *board {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.boards[roomID]
	if !ok {
		current = &board{cursors: make(map[string]model.Cursor)}
		e.boards[roomID] = current
	}
	return current
}

// lockBoard returns roomID's board with its lock held.
func (e *Engine) lockBoard(roomID string) *board {
	for {
		b := e.boardFor(roomID)
		b.mu.Lock()
		if !b.evicted {
			return b
		}
		b.mu.Unlock()
	}
}

// ReleaseRoom drops the cached board of roomID when no connection is subscribed to the
// room and no cursor is left. A board holding a change that failed to persist is kept.
// It reports whether the board was dropped.
func (e *Engine) ReleaseRoom(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boards[roomID]
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dirty || len(b.cursors) > 0 || e.rooms.Size(roomID) > 0 {
		return false
	}
	b.evicted = true
	delete(e.boards, roomID)
	e.logger.Debug("whiteboard released", zap.String("room_id", roomID))
	return true
}

// BoardCount returns the number of cached boards.
func (e *Engine) BoardCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.boards)
}

// loadLocked must be called with b.mu held.
func (e *Engine) loadLocked(ctx context.Context, roomID string, b *board) error {
	if b.document != nil {
		return nil
	}
	document, err := e.store.LoadOrCreateWhiteboard(ctx, roomID)
	if err != nil {
		return err
	}
	if document.Objects == nil {
		document.Objects = []model.CanvasObject{}
	}
	b.document = &document
	return nil
}

// JoinBoard returns the current snapshot of roomID, creating the document on first access.
func (e *Engine) JoinBoard(ctx context.Context, roomID string) (State, error) {
	b := e.lockBoard(roomID)
	defer b.mu.Unlock()
	if err := e.loadLocked(ctx, roomID, b); err != nil {
		e.logger.Error("whiteboard load failed", zap.String("room_id", roomID), zap.Error(err))
		return State{}, err
	}
	snapshot := b.document.Clone()
	return State{
		RoomID:     roomID,
		Objects:    snapshot.Objects,
		Background: snapshot.Background,
		Settings:   snapshot.Settings,
		Cursors:    sortedCursors(b.cursors),
	}, nil
}

// ApplyOp applies op to roomID, persists the result and relays it to every other
// connection in the room. A move or edit of an unknown object is relayed without
// being persisted. When persistence fails the cached document keeps the change,
// nothing is relayed and the error is returned to the caller.
func (e *Engine) ApplyOp(ctx context.Context, roomID string, origin Origin, op Op) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.Kind == OpAddObject {
		object := *op.Object
		if object.ID == "" {
			objectID, err := e.idProvider.NewID()
			if err != nil {
				return err
			}
			object.ID = objectID
		}
		object.CreatedBy = origin.Identity.ID
		if object.CreatedAt.IsZero() {
			object.CreatedAt = e.clock().UTC()
		}
		op.Object = &object
	}

	b := e.lockBoard(roomID)
	defer b.mu.Unlock()
	if err := e.loadLocked(ctx, roomID, b); err != nil {
		e.logger.Error("whiteboard load failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}

	next, changed := Apply(*b.document, op)
	if changed {
		next.UpdatedAt = e.clock().UTC()
		b.document = &next
		if err := e.store.SaveWhiteboard(ctx, next); err != nil {
			b.dirty = true
			e.logger.Error("whiteboard operation not persisted",
				zap.String("room_id", roomID),
				zap.String("op", string(op.Kind)),
				zap.String("user_id", origin.Identity.ID),
				zap.Error(err))
			return err
		}
		b.dirty = false
	} else {
		e.logger.Info("whiteboard operation targets unknown object",
			zap.String("room_id", roomID),
			zap.String("op", string(op.Kind)),
			zap.String("object_id", op.Node.ID))
	}

	broadcast := OpBroadcast{RoomID: roomID, UserID: origin.Identity.ID}
	switch op.Kind {
	case OpAddObject:
		broadcast.Object = op.Object
	case OpMoveObject, OpEditText:
		node := op.Node
		broadcast.Node = &node
	}
	e.rooms.Broadcast(roomID, string(op.Kind), broadcast, origin.ConnectionID)
	return nil
}

// UpdateCursor records the origin's pointer in roomID and relays it to the other editors.
func (e *Engine) UpdateCursor(roomID string, origin Origin, position CursorPosition) {
	b := e.lockBoard(roomID)
	b.cursors[origin.ConnectionID] = model.Cursor{
		UserID:   origin.Identity.ID,
		UserName: origin.Identity.Name,
		X:        position.X,
		Y:        position.Y,
		Color:    position.Color,
		LastSeen: e.clock().UTC(),
	}
	e.rooms.Broadcast(roomID, EventCursorUpdated, CursorUpdate{
		RoomID:   roomID,
		UserID:   origin.Identity.ID,
		UserName: origin.Identity.Name,
		Cursor:   position,
	}, origin.ConnectionID)
	b.mu.Unlock()
}

// RemoveCursor forgets the cursor connectionID holds in roomID and tells the room.
// It reports whether a cursor was removed.
func (e *Engine) RemoveCursor(roomID, connectionID string) bool {
	e.mu.Lock()
	b, ok := e.boards[roomID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return e.removeCursor(roomID, b, connectionID)
}

// DropConnection forgets every cursor owned by connectionID and tells the rooms
// it was in. It returns the number of cursors removed.
func (e *Engine) DropConnection(connectionID string) int {
	e.mu.Lock()
	rooms := make(map[string]*board, len(e.boards))
	for roomID, b := range e.boards {
		rooms[roomID] = b
	}
	e.mu.Unlock()

	removed := 0
	for roomID, b := range rooms {
		if e.removeCursor(roomID, b, connectionID) {
			removed++
		}
	}
	return removed
}

func (e *Engine) removeCursor(roomID string, b *board, connectionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cursor, ok := b.cursors[connectionID]
	if !ok {
		return false
	}
	delete(b.cursors, connectionID)
	e.rooms.Broadcast(roomID, EventCursorRemoved, CursorRemoval{RoomID: roomID, UserID: cursor.UserID}, connectionID)
	return true
}

func sortedCursors(cursors map[string]model.Cursor) []model.Cursor {
	connectionIDs := make([]string, 0, len(cursors))
	for connectionID := range cursors {
		connectionIDs = append(connectionIDs, connectionID)
	}
	sort.Strings(connectionIDs)
	sorted := make([]model.Cursor, 0, len(cursors))
	for _, connectionID := range connectionIDs {
		sorted = append(sorted, cursors[connectionID])
	}
	return sorted
}
