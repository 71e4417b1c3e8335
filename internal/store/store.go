package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultWhiteboardBackground = "#ffffff"

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an "<operation>.<reason>" code and unwraps to the driver error.
// Every ServiceError also matches errs.ErrPersistence.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is matches errs.ErrPersistence so callers can classify storage failures.
func (e *ServiceError) Is(target error) bool {
	return target == errs.ErrPersistence
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew            = "store.new"
	opFindUser            = "store.find_user"
	opRoomExists          = "store.room_exists"
	opFindRoomMembership  = "store.find_room_membership"
	opUserHasAssignedTask = "store.user_has_assigned_task"
	opListAssigneeIDs     = "store.list_assignee_ids"
	opPersistMessage      = "store.persist_message"
	opFindMessage         = "store.find_message"
	opQueryRootMessages   = "store.query_root_messages"
	opQueryReplies        = "store.query_replies"
	opLoadWhiteboard      = "store.load_or_create_whiteboard"
	opSaveWhiteboard      = "store.save_whiteboard"
	opAssignTask          = "store.assign_task"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", errs.ErrNotFound, what, id)
}

// Config describes the dependencies of the Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the gorm-backed storage collaborator of the collaboration core.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// FindUser returns the identity stored for userID or an errs.ErrNotFound error.
func (s *Store) FindUser(ctx context.Context, userID string) (model.Identity, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Identity{}, notFound("user", userID)
	}
	if err != nil {
		s.logError(opFindUser, "query_failed", err, zap.String("user_id", userID))
		return model.Identity{}, newServiceError(opFindUser, "query_failed", err)
	}
	return model.Identity{
		ID:    user.ID,
		Name:  user.Name,
		Email: user.Email,
		Role:  model.NormalizeRole(user.Role),
	}, nil
}

// RoomExists reports whether a project with roomID is stored.
func (s *Store) RoomExists(ctx context.Context, roomID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Project{}).Where("id = ?", roomID).Count(&count).Error; err != nil {
		s.logError(opRoomExists, "query_failed", err, zap.String("room_id", roomID))
		return false, newServiceError(opRoomExists, "query_failed", err)
	}
	return count > 0, nil
}

// FindRoomMembership returns the members and manager of roomID.
func (s *Store) FindRoomMembership(ctx context.Context, roomID string) (model.Membership, error) {
	var project Project
	err := s.db.WithContext(ctx).Where("id = ?", roomID).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Membership{}, notFound("room", roomID)
	}
	if err != nil {
		s.logError(opFindRoomMembership, "project_select_failed", err, zap.String("room_id", roomID))
		return model.Membership{}, newServiceError(opFindRoomMembership, "project_select_failed", err)
	}

	var memberIDs []string
	if err := s.db.WithContext(ctx).
		Model(&ProjectMember{}).
		Where("project_id = ?", roomID).
		Order("user_id ASC").
		Pluck("user_id", &memberIDs).Error; err != nil {
		s.logError(opFindRoomMembership, "members_select_failed", err, zap.String("room_id", roomID))
		return model.Membership{}, newServiceError(opFindRoomMembership, "members_select_failed", err)
	}

	return model.Membership{RoomID: project.ID, Members: memberIDs, ManagerID: project.ManagerID}, nil
}

// UserHasAssignedTask reports whether userID holds at least one task in roomID.
func (s *Store) UserHasAssignedTask(ctx context.Context, userID, roomID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&TaskAssignment{}).
		Where("project_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error; err != nil {
		s.logError(opUserHasAssignedTask, "query_failed", err,
			zap.String("room_id", roomID),
			zap.String("user_id", userID))
		return false, newServiceError(opUserHasAssignedTask, "query_failed", err)
	}
	return count > 0, nil
}

// ListAssigneeIDs returns the distinct users holding any task in roomID.
func (s *Store) ListAssigneeIDs(ctx context.Context, roomID string) ([]string, error) {
	var userIDs []string
	if err := s.db.WithContext(ctx).
		Model(&TaskAssignment{}).
		Distinct("user_id").
		Where("project_id = ?", roomID).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		s.logError(opListAssigneeIDs, "query_failed", err, zap.String("room_id", roomID))
		return nil, newServiceError(opListAssigneeIDs, "query_failed", err)
	}
	return userIDs, nil
}

// PersistMessage stores a new chat message.
func (s *Store) PersistMessage(ctx context.Context, message model.Message) error {
	record := ChatMessage{
		ID:              message.ID,
		ProjectID:       message.RoomID,
		ParentMessageID: message.ParentMessageID,
		SenderID:        message.SenderID,
		Text:            message.Text,
		CreatedAtNanos:  message.CreatedAt.UTC().UnixNano(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opPersistMessage, "insert_failed", err,
			zap.String("room_id", message.RoomID),
			zap.String("message_id", message.ID))
		return newServiceError(opPersistMessage, "insert_failed", err)
	}
	return nil
}

// FindMessage returns the message with messageID or an errs.ErrNotFound error.
func (s *Store) FindMessage(ctx context.Context, messageID string) (model.Message, error) {
	var record ChatMessage
	err := s.db.WithContext(ctx).Where("id = ?", messageID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Message{}, notFound("message", messageID)
	}
	if err != nil {
		s.logError(opFindMessage, "query_failed", err, zap.String("message_id", messageID))
		return model.Message{}, newServiceError(opFindMessage, "query_failed", err)
	}
	return record.toModel(), nil
}

// QueryRootMessages returns up to limit root messages of roomID, newest first.
// When before is set only messages created strictly before it are returned.
func (s *Store) QueryRootMessages(ctx context.Context, roomID string, before *time.Time, limit int) ([]model.Message, error) {
	query := s.db.WithContext(ctx).
		Where("project_id = ? AND parent_message_id IS NULL", roomID)
	if before != nil {
		query = query.Where("created_at_ns < ?", before.UTC().UnixNano())
	}
	var records []ChatMessage
	if err := query.
		Order("created_at_ns DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opQueryRootMessages, "query_failed", err, zap.String("room_id", roomID))
		return nil, newServiceError(opQueryRootMessages, "query_failed", err)
	}
	return toModels(records), nil
}

// QueryReplies returns every reply to rootID in roomID in chronological order.
func (s *Store) QueryReplies(ctx context.Context, roomID, rootID string) ([]model.Message, error) {
	var records []ChatMessage
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND parent_message_id = ?", roomID, rootID).
		Order("created_at_ns ASC").
		Order("id ASC").
		Find(&records).Error; err != nil {
		s.logError(opQueryReplies, "query_failed", err,
			zap.String("room_id", roomID),
			zap.String("root_id", rootID))
		return nil, newServiceError(opQueryReplies, "query_failed", err)
	}
	return toModels(records), nil
}

// LoadOrCreateWhiteboard returns the whiteboard of roomID, creating an empty one on first access.
func (s *Store) LoadOrCreateWhiteboard(ctx context.Context, roomID string) (model.WhiteboardDocument, error) {
	record := Whiteboard{
		ProjectID:        roomID,
		ObjectsJSON:      "[]",
		Background:       defaultWhiteboardBackground,
		SettingsJSON:     "{}",
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
			return err
		}
		return tx.Where("project_id = ?", roomID).Take(&record).Error
	})
	if txErr != nil {
		s.logError(opLoadWhiteboard, "upsert_failed", txErr, zap.String("room_id", roomID))
		return model.WhiteboardDocument{}, newServiceError(opLoadWhiteboard, "upsert_failed", txErr)
	}

	document, err := record.toModel()
	if err != nil {
		s.logError(opLoadWhiteboard, "decode_failed", err, zap.String("room_id", roomID))
		return model.WhiteboardDocument{}, newServiceError(opLoadWhiteboard, "decode_failed", err)
	}
	return document, nil
}

// SaveWhiteboard replaces the stored whiteboard with document.
func (s *Store) SaveWhiteboard(ctx context.Context, document model.WhiteboardDocument) error {
	objects := document.Objects
	if objects == nil {
		objects = []model.CanvasObject{}
	}
	objectsJSON, err := json.Marshal(objects)
	if err != nil {
		return newServiceError(opSaveWhiteboard, "encode_failed", err)
	}
	settings := document.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return newServiceError(opSaveWhiteboard, "encode_failed", err)
	}

	updatedAt := document.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.clock()
	}
	record := Whiteboard{
		ProjectID:        document.RoomID,
		ObjectsJSON:      string(objectsJSON),
		Background:       document.Background,
		SettingsJSON:     string(settingsJSON),
		UpdatedAtSeconds: updatedAt.UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		s.logError(opSaveWhiteboard, "save_failed", err, zap.String("room_id", document.RoomID))
		return newServiceError(opSaveWhiteboard, "save_failed", err)
	}
	return nil
}

// AssignTask records userIDs as assignees of taskID in roomID and returns the users
// that were not assigned before.
func (s *Store) AssignTask(ctx context.Context, roomID, taskID string, userIDs []string) ([]string, error) {
	added := make([]string, 0, len(userIDs))
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task Task
		err := tx.Where("id = ? AND project_id = ?", taskID, roomID).Take(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("task", taskID)
		}
		if err != nil {
			return newServiceError(opAssignTask, "task_select_failed", err)
		}
		for _, userID := range userIDs {
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&TaskAssignment{
				TaskID:    taskID,
				UserID:    userID,
				ProjectID: roomID,
			})
			if result.Error != nil {
				return newServiceError(opAssignTask, "insert_failed", result.Error)
			}
			if result.RowsAffected > 0 {
				added = append(added, userID)
			}
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, errs.ErrNotFound) {
			s.logError(opAssignTask, "transaction_failed", txErr,
				zap.String("room_id", roomID),
				zap.String("task_id", taskID))
		}
		return nil, txErr
	}
	return added, nil
}

func (m ChatMessage) toModel() model.Message {
	return model.Message{
		ID:              m.ID,
		RoomID:          m.ProjectID,
		SenderID:        m.SenderID,
		Text:            m.Text,
		ParentMessageID: m.ParentMessageID,
		CreatedAt:       time.Unix(0, m.CreatedAtNanos).UTC(),
	}
}

func toModels(records []ChatMessage) []model.Message {
	messages := make([]model.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, record.toModel())
	}
	return messages
}

func (w Whiteboard) toModel() (model.WhiteboardDocument, error) {
	objects := []model.CanvasObject{}
	if w.ObjectsJSON != "" {
		if err := json.Unmarshal([]byte(w.ObjectsJSON), &objects); err != nil {
			return model.WhiteboardDocument{}, err
		}
	}
	settings := map[string]any{}
	if w.SettingsJSON != "" {
		if err := json.Unmarshal([]byte(w.SettingsJSON), &settings); err != nil {
			return model.WhiteboardDocument{}, err
		}
	}
	return model.WhiteboardDocument{
		RoomID:     w.ProjectID,
		Objects:    objects,
		Background: w.Background,
		Settings:   settings,
		UpdatedAt:  time.Unix(w.UpdatedAtSeconds, 0).UTC(),
	}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
