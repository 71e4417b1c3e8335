package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/access"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/whiteboard"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	identityContextKey     = "orbit_identity"
	defaultMaxMessageBytes = 64 * 1024
	defaultSendBuffer      = 64
	presenceSourceLocal    = "local"
	presenceSourceRedis    = "redis"
)

var (
	errMissingResolver    = errors.New("identity resolver dependency required")
	errMissingCoordinator = errors.New("realtime coordinator dependency required")
	errMissingHub         = errors.New("room hub dependency required")
	errMissingPresence    = errors.New("presence tracker dependency required")
	errMissingGuard       = errors.New("access guard dependency required")
	errMissingBroker      = errors.New("message broker dependency required")
	errMissingWhiteboard  = errors.New("whiteboard engine dependency required")
	errMissingNotifier    = errors.New("notification service dependency required")
	errMissingTasks       = errors.New("task assigner dependency required")
	errMissingIDProvider  = errors.New("id provider dependency required")
)

// IdentityResolver turns a request credential into an identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, request *http.Request) (model.Identity, error)
}

// PresenceReader reports who is online in a room across processes.
type PresenceReader interface {
	OnlineUsers(ctx context.Context, roomID string) ([]string, error)
}

// TaskAssigner records task assignments and returns the users newly assigned.
type TaskAssigner interface {
	AssignTask(ctx context.Context, roomID, taskID string, userIDs []string) ([]string, error)
}

// Dependencies wires the collaboration core into the HTTP surface.
type Dependencies struct {
	Resolver    IdentityResolver
	Coordinator *realtime.Coordinator
	Hub         *realtime.Hub
	Presence    *realtime.PresenceTracker
	// PresenceMirror is optional. When set, the presence endpoint reads it first.
	PresenceMirror  PresenceReader
	Guard           *access.Guard
	Broker          *chat.Broker
	Whiteboard      *whiteboard.Engine
	Notifier        *notify.Service
	Tasks           TaskAssigner
	IDProvider      model.IDProvider
	AllowedOrigins  []string
	MaxMessageBytes int64
	SendBuffer      int
	Clock           func() time.Time
	Logger          *zap.Logger
}

func (d Dependencies) validate() error {
	switch {
	case d.Resolver == nil:
		return errMissingResolver
	case d.Coordinator == nil:
		return errMissingCoordinator
	case d.Hub == nil:
		return errMissingHub
	case d.Presence == nil:
		return errMissingPresence
	case d.Guard == nil:
		return errMissingGuard
	case d.Broker == nil:
		return errMissingBroker
	case d.Whiteboard == nil:
		return errMissingWhiteboard
	case d.Notifier == nil:
		return errMissingNotifier
	case d.Tasks == nil:
		return errMissingTasks
	case d.IDProvider == nil:
		return errMissingIDProvider
	}
	return nil
}

// NewHTTPHandler builds the gin engine serving the websocket gateway and the REST reads.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	handler := newHTTPHandler(deps)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebSocket)

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.GET("/projects/:projectId/messages", handler.handleRoomMessages)
	api.GET("/projects/:projectId/messages/:messageId/thread", handler.handleThread)
	api.GET("/projects/:projectId/presence", handler.handlePresence)
	api.POST("/projects/:projectId/tasks/:taskId/assignees", handler.handleAssignTask)

	return router, nil
}

type httpHandler struct {
	resolver        IdentityResolver
	coordinator     *realtime.Coordinator
	hub             *realtime.Hub
	presence        *realtime.PresenceTracker
	presenceMirror  PresenceReader
	guard           *access.Guard
	broker          *chat.Broker
	whiteboard      *whiteboard.Engine
	notifier        *notify.Service
	tasks           TaskAssigner
	idProvider      model.IDProvider
	upgrader        websocket.Upgrader
	maxMessageBytes int64
	sendBuffer      int
	clock           func() time.Time
	logger          *zap.Logger
}

func newHTTPHandler(deps Dependencies) *httpHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	maxMessageBytes := deps.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	sendBuffer := deps.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	origins := append([]string(nil), deps.AllowedOrigins...)
	return &httpHandler{
		resolver:       deps.Resolver,
		coordinator:    deps.Coordinator,
		hub:            deps.Hub,
		presence:       deps.Presence,
		presenceMirror: deps.PresenceMirror,
		guard:          deps.Guard,
		broker:         deps.Broker,
		whiteboard:     deps.Whiteboard,
		notifier:       deps.Notifier,
		tasks:          deps.Tasks,
		idProvider:     deps.IDProvider,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(origins, r.Header.Get("Origin"))
			},
		},
		maxMessageBytes: maxMessageBytes,
		sendBuffer:      sendBuffer,
		clock:           clock,
		logger:          logger,
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.resolver.Resolve(c.Request.Context(), c.Request)
	if err != nil {
		if errors.Is(err, errs.ErrAuthRejected) {
			h.logger.Info("request authentication failed", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reasonUnauthorized})
			return
		}
		h.logger.Error("identity resolution failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(httpStatus(err), gin.H{"error": ackReason(err)})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

// roomRequest authorizes the caller for the :projectId room. It writes the error response and
// returns false when the request must stop.
func (h *httpHandler) roomRequest(c *gin.Context) (model.Identity, string, bool) {
	value, ok := c.Get(identityContextKey)
	identity, typed := value.(model.Identity)
	if !ok || !typed {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reasonUnauthorized})
		return model.Identity{}, "", false
	}
	roomID := strings.TrimSpace(c.Param("projectId"))
	if err := h.guard.Authorize(c.Request.Context(), identity, roomID); err != nil {
		h.respondError(c, "room access denied", err, zap.String("room_id", roomID), zap.String("user_id", identity.ID))
		return model.Identity{}, "", false
	}
	return identity, roomID, true
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("path", c.FullPath()), zap.Error(err))
	if isClientError(err) {
		h.logger.Info(message, fields...)
	} else {
		h.logger.Error(message, fields...)
	}
	c.AbortWithStatusJSON(httpStatus(err), gin.H{"error": ackReason(err)})
}

type roomMessagesResponse struct {
	RoomID   string               `json:"roomId"`
	Messages []chat.MessagePayload `json:"messages"`
}

func (h *httpHandler) handleRoomMessages(c *gin.Context) {
	_, roomID, ok := h.roomRequest(c)
	if !ok {
		return
	}

	var before *time.Time
	if raw := strings.TrimSpace(c.Query("before")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.respondError(c, "invalid message cursor", fmt.Errorf("%w: before: %v", errInvalidPayload, err))
			return
		}
		before = &parsed
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.respondError(c, "invalid message limit", fmt.Errorf("%w: limit %q", errInvalidPayload, raw))
			return
		}
		limit = parsed
	}

	messages, err := h.broker.RoomMessages(c.Request.Context(), roomID, before, limit)
	if err != nil {
		h.respondError(c, "room messages query failed", err, zap.String("room_id", roomID))
		return
	}
	c.JSON(http.StatusOK, roomMessagesResponse{RoomID: roomID, Messages: messages})
}

func (h *httpHandler) handleThread(c *gin.Context) {
	_, roomID, ok := h.roomRequest(c)
	if !ok {
		return
	}
	thread, err := h.broker.Thread(c.Request.Context(), roomID, strings.TrimSpace(c.Param("messageId")))
	if err != nil {
		h.respondError(c, "thread query failed", err, zap.String("room_id", roomID))
		return
	}
	c.JSON(http.StatusOK, thread)
}

type presenceResponse struct {
	RoomID string   `json:"roomId"`
	Users  []string `json:"users"`
	Source string   `json:"source"`
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	_, roomID, ok := h.roomRequest(c)
	if !ok {
		return
	}
	if h.presenceMirror != nil {
		users, err := h.presenceMirror.OnlineUsers(c.Request.Context(), roomID)
		if err == nil {
			c.JSON(http.StatusOK, presenceResponse{RoomID: roomID, Users: users, Source: presenceSourceRedis})
			return
		}
		h.logger.Warn("presence mirror read failed, using local presence", zap.String("room_id", roomID), zap.Error(err))
	}
	c.JSON(http.StatusOK, presenceResponse{RoomID: roomID, Users: h.presence.Members(roomID), Source: presenceSourceLocal})
}

type assignTaskRequest struct {
	UserIDs []string `json:"userIds"`
}

type assignTaskResponse struct {
	TaskID string   `json:"taskId"`
	Added  []string `json:"added"`
}

// TaskAssignedNotification is the data of a task assignment notification.
type TaskAssignedNotification struct {
	ProjectID  string `json:"projectId"`
	TaskID     string `json:"taskId"`
	AssignedBy string `json:"assignedBy"`
}

func (h *httpHandler) handleAssignTask(c *gin.Context) {
	identity, roomID, ok := h.roomRequest(c)
	if !ok {
		return
	}
	var request assignTaskRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.UserIDs) == 0 {
		h.respondError(c, "invalid task assignment", fmt.Errorf("%w: userIds required", errInvalidPayload))
		return
	}
	taskID := strings.TrimSpace(c.Param("taskId"))

	added, err := h.tasks.AssignTask(c.Request.Context(), roomID, taskID, request.UserIDs)
	if err != nil {
		h.respondError(c, "task assignment failed", err, zap.String("room_id", roomID), zap.String("task_id", taskID))
		return
	}
	delivered := h.notifier.NotifyUsers(added, notify.Event{
		Type: notify.TypeTaskAssigned,
		Data: TaskAssignedNotification{ProjectID: roomID, TaskID: taskID, AssignedBy: identity.ID},
	}, identity.ID)
	h.logger.Info("task assigned",
		zap.String("room_id", roomID),
		zap.String("task_id", taskID),
		zap.Int("assignees_added", len(added)),
		zap.Int("notifications_delivered", delivered))

	if added == nil {
		added = []string{}
	}
	c.JSON(http.StatusOK, assignTaskResponse{TaskID: taskID, Added: added})
}
