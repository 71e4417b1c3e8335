package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// outboundEnvelope is every server→client frame.
type outboundEnvelope struct {
	Event string          `json:"event"`
	Ack   json.RawMessage `json:"ack,omitempty"`
	Data  any             `json:"data"`
}

// wsConnection adapts a gorilla websocket to realtime.Connection. Sends are queued on a
// bounded buffer drained by writePump; a full buffer drops the event.
type wsConnection struct {
	id       string
	identity model.Identity
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

func newWSConnection(id string, identity model.Identity, conn *websocket.Conn, buffer int, logger *zap.Logger) *wsConnection {
	return &wsConnection{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		logger: logger.With(
			zap.String("connection_id", id),
			zap.String("user_id", identity.ID)),
	}
}

func (c *wsConnection) ID() string {
	return c.id
}

func (c *wsConnection) Identity() model.Identity {
	return c.identity
}

func (c *wsConnection) Send(event string, payload any) error {
	return c.enqueue(outboundEnvelope{Event: event, Data: payload})
}

func (c *wsConnection) sendAck(ackID json.RawMessage, payload ackPayload) error {
	return c.enqueue(outboundEnvelope{Event: eventAck, Ack: ackID, Data: payload})
}

func (c *wsConnection) enqueue(envelope outboundEnvelope) error {
	select {
	case <-c.done:
		return realtime.ErrConnectionClosed
	default:
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return realtime.ErrConnectionClosed
	default:
		c.logger.Warn("send buffer full, dropping event", zap.String("event", envelope.Event))
		return realtime.ErrSendBufferFull
	}
}

func (c *wsConnection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump drains the send buffer to the socket and keeps the peer alive with pings.
func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

// readPump reads frames until the socket fails and hands each one to handle in order.
func (c *wsConnection) readPump(maxMessageBytes int64, handle func(frame []byte)) {
	if maxMessageBytes > 0 {
		c.conn.SetReadLimit(maxMessageBytes)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(frame)
	}
}
