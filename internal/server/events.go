package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/whiteboard"
	"go.uber.org/zap"
)

const (
	eventAck            = "ack"
	eventError          = "error"
	eventProjectJoin    = "project:join"
	eventProjectLeave   = "project:leave"
	eventMessageSend    = "message:send"
	eventTyping         = "typing"
	eventWhiteboardJoin = "whiteboard:join"
	eventCursorMove     = "cursor_move"
	eventPing           = "ping"
	eventPong           = "pong"

	eventTimeout = 10 * time.Second
)

// peer is the gateway's view of a connection: a realtime.Connection that can also acknowledge.
type peer interface {
	realtime.Connection
	sendAck(ackID json.RawMessage, payload ackPayload) error
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Ack   json.RawMessage `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type ackPayload struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

type errorPayload struct {
	Reason string `json:"reason"`
	Event  string `json:"event,omitempty"`
}

type pongPayload struct {
	Time time.Time `json:"time"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type joinResult struct {
	RoomID  string   `json:"roomId"`
	Members []string `json:"members"`
}

type messageSendPayload struct {
	RoomID        string  `json:"roomId"`
	Text          string  `json:"text"`
	ParentMessage *string `json:"parentMessage"`
}

type typingPayload struct {
	RoomID   string  `json:"roomId"`
	RootID   *string `json:"rootId,omitempty"`
	IsTyping bool    `json:"isTyping"`
}

// TypingEvent is relayed to the rest of the room.
type TypingEvent struct {
	RoomID   string  `json:"roomId"`
	RootID   *string `json:"rootId,omitempty"`
	IsTyping bool    `json:"isTyping"`
	UserID   string  `json:"userId"`
	UserName string  `json:"userName"`
}

type whiteboardOpPayload struct {
	RoomID string                 `json:"roomId"`
	Object *model.CanvasObject    `json:"object"`
	Node   *whiteboard.NodeUpdate `json:"node"`
}

type cursorMovePayload struct {
	RoomID string  `json:"roomId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Color  string  `json:"color"`
}

// handleFrame decodes and serves one inbound frame. A panic in a handler is reported to
// the originating connection and never ends the connection.
func (h *httpHandler) handleFrame(ctx context.Context, session *realtime.Session, conn peer, frame []byte) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil || strings.TrimSpace(envelope.Event) == "" {
		h.logger.Info("malformed websocket frame", zap.String("connection_id", conn.ID()), zap.Error(err))
		_ = conn.Send(eventError, errorPayload{Reason: reasonInvalidPayload})
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error("websocket event handler panicked",
				zap.String("event", envelope.Event),
				zap.String("connection_id", conn.ID()),
				zap.String("user_id", conn.Identity().ID),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()))
			_ = conn.Send(eventError, errorPayload{Reason: reasonInternalError, Event: envelope.Event})
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	switch envelope.Event {
	case eventPing:
		_ = conn.Send(eventPong, pongPayload{Time: h.clock().UTC()})
	case eventTyping:
		h.logUnacknowledged(conn, envelope.Event, h.handleTyping(session, conn, envelope.Data))
	case eventCursorMove:
		h.logUnacknowledged(conn, envelope.Event, h.handleCursorMove(session, conn, envelope.Data))
	default:
		result, err := h.routeAcknowledged(ctx, session, conn, envelope)
		h.acknowledge(conn, envelope, result, err)
	}
}

func (h *httpHandler) routeAcknowledged(ctx context.Context, session *realtime.Session, conn peer, envelope inboundEnvelope) (any, error) {
	switch envelope.Event {
	case eventProjectJoin:
		return h.handleProjectJoin(ctx, session, conn, envelope.Data)
	case eventProjectLeave:
		return h.handleProjectLeave(session, conn, envelope.Data)
	case eventMessageSend:
		return h.handleMessageSend(ctx, conn, envelope.Data)
	case eventWhiteboardJoin:
		return nil, h.handleWhiteboardJoin(ctx, session, conn, envelope.Data)
	}
	if kind, ok := whiteboard.ParseOpKind(envelope.Event); ok {
		return nil, h.handleWhiteboardOp(ctx, session, conn, kind, envelope.Data)
	}
	return nil, fmt.Errorf("%w: %q", errUnknownEvent, envelope.Event)
}

func (h *httpHandler) acknowledge(conn peer, envelope inboundEnvelope, result any, err error) {
	if err == nil {
		_ = conn.sendAck(envelope.Ack, ackPayload{OK: true, Result: result})
		return
	}
	fields := []zap.Field{
		zap.String("event", envelope.Event),
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.Identity().ID),
		zap.Error(err),
	}
	if isClientError(err) {
		h.logger.Info("websocket event rejected", fields...)
	} else {
		h.logger.Error("websocket event failed", fields...)
	}
	_ = conn.sendAck(envelope.Ack, ackPayload{OK: false, Error: ackReason(err)})
}

func (h *httpHandler) logUnacknowledged(conn peer, event string, err error) {
	if err == nil {
		return
	}
	h.logger.Debug("websocket event dropped",
		zap.String("event", event),
		zap.String("connection_id", conn.ID()),
		zap.String("reason", ackReason(err)))
}

func decodeData(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: data required", errInvalidPayload)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

func requireJoined(session *realtime.Session, roomID string) error {
	if !session.Joined(roomID) {
		return fmt.Errorf("%w: %s", errNotJoined, roomID)
	}
	return nil
}

func (h *httpHandler) handleProjectJoin(ctx context.Context, session *realtime.Session, conn peer, data json.RawMessage) (any, error) {
	var payload roomPayload
	if err := decodeData(data, &payload); err != nil {
		return nil, err
	}
	roomID := strings.TrimSpace(payload.RoomID)
	decision, err := h.guard.CanAccess(ctx, conn.Identity(), roomID)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}
	result := session.Join(roomID)
	h.logger.Debug("room joined",
		zap.String("room_id", roomID),
		zap.String("connection_id", conn.ID()),
		zap.String("access", string(decision.Reason)),
		zap.Bool("already_joined", result.AlreadyJoined),
		zap.Bool("first_for_user", result.FirstForUser))
	return joinResult{RoomID: roomID, Members: h.presence.Members(roomID)}, nil
}

func (h *httpHandler) handleProjectLeave(session *realtime.Session, conn peer, data json.RawMessage) (any, error) {
	var payload roomPayload
	if err := decodeData(data, &payload); err != nil {
		return nil, err
	}
	roomID := strings.TrimSpace(payload.RoomID)
	if !session.Leave(roomID) {
		return nil, fmt.Errorf("%w: %s", errNotJoined, roomID)
	}
	h.whiteboard.RemoveCursor(roomID, conn.ID())
	h.whiteboard.ReleaseRoom(roomID)
	return roomPayload{RoomID: roomID}, nil
}

func (h *httpHandler) handleMessageSend(ctx context.Context, conn peer, data json.RawMessage) (any, error) {
	var payload messageSendPayload
	if err := decodeData(data, &payload); err != nil {
		return nil, err
	}
	return h.broker.PostMessage(ctx, conn.Identity(), chat.PostRequest{
		RoomID:          strings.TrimSpace(payload.RoomID),
		Text:            payload.Text,
		ParentMessageID: payload.ParentMessage,
	})
}

func (h *httpHandler) handleTyping(session *realtime.Session, conn peer, data json.RawMessage) error {
	var payload typingPayload
	if err := decodeData(data, &payload); err != nil {
		return err
	}
	payload.RoomID = strings.TrimSpace(payload.RoomID)
	if err := requireJoined(session, payload.RoomID); err != nil {
		return err
	}
	identity := conn.Identity()
	h.hub.Broadcast(payload.RoomID, eventTyping, TypingEvent{
		RoomID:   payload.RoomID,
		RootID:   payload.RootID,
		IsTyping: payload.IsTyping,
		UserID:   identity.ID,
		UserName: identity.Name,
	}, conn.ID())
	return nil
}

func (h *httpHandler) handleWhiteboardJoin(ctx context.Context, session *realtime.Session, conn peer, data json.RawMessage) error {
	var payload roomPayload
	if err := decodeData(data, &payload); err != nil {
		return err
	}
	payload.RoomID = strings.TrimSpace(payload.RoomID)
	if err := requireJoined(session, payload.RoomID); err != nil {
		return err
	}
	state, err := h.whiteboard.JoinBoard(ctx, payload.RoomID)
	if err != nil {
		return err
	}
	return conn.Send(whiteboard.EventState, state)
}

func (h *httpHandler) handleWhiteboardOp(ctx context.Context, session *realtime.Session, conn peer, kind whiteboard.OpKind, data json.RawMessage) error {
	var payload whiteboardOpPayload
	if err := decodeData(data, &payload); err != nil {
		return err
	}
	payload.RoomID = strings.TrimSpace(payload.RoomID)
	if err := requireJoined(session, payload.RoomID); err != nil {
		return err
	}
	op := whiteboard.Op{Kind: kind, Object: payload.Object}
	if payload.Node != nil {
		op.Node = *payload.Node
	}
	origin := whiteboard.Origin{ConnectionID: conn.ID(), Identity: conn.Identity()}
	return h.whiteboard.ApplyOp(ctx, payload.RoomID, origin, op)
}

func (h *httpHandler) handleCursorMove(session *realtime.Session, conn peer, data json.RawMessage) error {
	var payload cursorMovePayload
	if err := decodeData(data, &payload); err != nil {
		return err
	}
	payload.RoomID = strings.TrimSpace(payload.RoomID)
	if err := requireJoined(session, payload.RoomID); err != nil {
		return err
	}
	origin := whiteboard.Origin{ConnectionID: conn.ID(), Identity: conn.Identity()}
	h.whiteboard.UpdateCursor(payload.RoomID, origin, whiteboard.CursorPosition{
		X:     payload.X,
		Y:     payload.Y,
		Color: payload.Color,
	})
	return nil
}
