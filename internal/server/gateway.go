package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleWebSocket authenticates the upgrade request, then serves the connection until it closes.
// Credentials are checked before the upgrade so a rejected client never reaches a handler.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	identity, err := h.resolver.Resolve(c.Request.Context(), c.Request)
	if err != nil {
		if errors.Is(err, errs.ErrAuthRejected) {
			h.logger.Info("websocket authentication failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reasonUnauthorized})
			return
		}
		h.logger.Error("websocket identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(httpStatus(err), gin.H{"error": ackReason(err)})
		return
	}
	connectionID, err := h.idProvider.NewID()
	if err != nil {
		h.logger.Error("failed to allocate connection id", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": reasonInternalError})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("user_id", identity.ID), zap.Error(err))
		return
	}

	conn := newWSConnection(connectionID, identity, socket, h.sendBuffer, h.logger)
	session := h.coordinator.Attach(conn)
	h.logger.Info("websocket connected",
		zap.String("connection_id", connectionID),
		zap.String("user_id", identity.ID))

	ctx := context.WithoutCancel(c.Request.Context())
	go conn.writePump()
	conn.readPump(h.maxMessageBytes, func(frame []byte) {
		h.handleFrame(ctx, session, conn, frame)
	})
	h.disconnect(session, conn)
}

// disconnect releases everything the connection held: registry entry, room and presence
// memberships, whiteboard cursors and boards left idle.
func (h *httpHandler) disconnect(session *realtime.Session, conn *wsConnection) {
	rooms := session.Close()
	cursors := h.whiteboard.DropConnection(conn.ID())
	for _, roomID := range rooms {
		h.whiteboard.ReleaseRoom(roomID)
	}
	conn.close()
	h.logger.Info("websocket disconnected",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.Identity().ID),
		zap.Strings("rooms_left", rooms),
		zap.Int("cursors_removed", cursors))
}
