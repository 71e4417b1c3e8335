package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := New(Config{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1_700_000_000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func seed(t *testing.T, db *gorm.DB, records ...any) {
	t.Helper()
	for _, record := range records {
		if err := db.Create(record).Error; err != nil {
			t.Fatalf("failed to seed %T: %v", record, err)
		}
	}
}

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(Config{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "store.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestFindUserNormalizesRole(t *testing.T) {
	store, db := newTestStore(t)
	seed(t, db, &User{ID: "u-1", Name: "Ada", Email: "ada@example.com", Role: "ADMIN"})

	identity, err := store.FindUser(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.Role != model.RoleAdmin || identity.Name != "Ada" {
		t.Fatalf("unexpected identity %+v", identity)
	}

	if _, err := store.FindUser(context.Background(), "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMembershipAndAssignments(t *testing.T) {
	store, db := newTestStore(t)
	seed(t, db,
		&Project{ID: "p-1", Name: "Launch", ManagerID: "manager"},
		&ProjectMember{ProjectID: "p-1", UserID: "alice"},
		&ProjectMember{ProjectID: "p-1", UserID: "bob"},
		&Task{ID: "t-1", ProjectID: "p-1", Title: "Write copy"},
	)
	ctx := context.Background()

	exists, err := store.RoomExists(ctx, "p-1")
	if err != nil || !exists {
		t.Fatalf("expected room to exist, got %v %v", exists, err)
	}
	if exists, _ := store.RoomExists(ctx, "p-2"); exists {
		t.Fatalf("expected unknown room to be absent")
	}

	membership, err := store.FindRoomMembership(ctx, "p-1")
	if err != nil {
		t.Fatalf("unexpected membership error: %v", err)
	}
	if membership.ManagerID != "manager" || len(membership.Members) != 2 {
		t.Fatalf("unexpected membership %+v", membership)
	}
	if _, err := store.FindRoomMembership(ctx, "p-2"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found for unknown room, got %v", err)
	}

	added, err := store.AssignTask(ctx, "p-1", "t-1", []string{"carol", "dave"})
	if err != nil {
		t.Fatalf("unexpected assign error: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("expected two new assignees, got %v", added)
	}
	added, err = store.AssignTask(ctx, "p-1", "t-1", []string{"carol", "erin"})
	if err != nil {
		t.Fatalf("unexpected assign error: %v", err)
	}
	if len(added) != 1 || added[0] != "erin" {
		t.Fatalf("expected only erin to be new, got %v", added)
	}
	if _, err := store.AssignTask(ctx, "p-2", "t-1", []string{"carol"}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected task outside room to be not found, got %v", err)
	}

	assigned, err := store.UserHasAssignedTask(ctx, "carol", "p-1")
	if err != nil || !assigned {
		t.Fatalf("expected carol to be assigned, got %v %v", assigned, err)
	}
	assigned, _ = store.UserHasAssignedTask(ctx, "alice", "p-1")
	if assigned {
		t.Fatalf("expected alice to have no assignment")
	}

	assignees, err := store.ListAssigneeIDs(ctx, "p-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if strings.Join(assignees, ",") != "carol,dave,erin" {
		t.Fatalf("unexpected assignees %v", assignees)
	}
}

func TestMessageQueries(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	for index := 0; index < 4; index++ {
		message := model.Message{
			ID:        fmt.Sprintf("root-%d", index),
			RoomID:    "p-1",
			SenderID:  "alice",
			Text:      fmt.Sprintf("hello %d", index),
			CreatedAt: base.Add(time.Duration(index) * time.Minute),
		}
		if err := store.PersistMessage(ctx, message); err != nil {
			t.Fatalf("persist failed: %v", err)
		}
	}
	parent := "root-1"
	for index := 1; index >= 0; index-- {
		reply := model.Message{
			ID:              fmt.Sprintf("reply-%d", index),
			RoomID:          "p-1",
			SenderID:        "bob",
			Text:            "reply",
			ParentMessageID: &parent,
			CreatedAt:       base.Add(time.Hour + time.Duration(index)*time.Second),
		}
		if err := store.PersistMessage(ctx, reply); err != nil {
			t.Fatalf("persist reply failed: %v", err)
		}
	}

	roots, err := store.QueryRootMessages(ctx, "p-1", nil, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(roots) != 4 || roots[0].ID != "root-3" {
		t.Fatalf("expected newest-first roots only, got %+v", roots)
	}

	before := base.Add(2 * time.Minute)
	page, err := store.QueryRootMessages(ctx, "p-1", &before, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "root-1" || page[1].ID != "root-0" {
		t.Fatalf("expected strict before cursor, got %+v", page)
	}

	replies, err := store.QueryReplies(ctx, "p-1", "root-1")
	if err != nil {
		t.Fatalf("replies failed: %v", err)
	}
	if len(replies) != 2 || replies[0].ID != "reply-0" || replies[1].ID != "reply-1" {
		t.Fatalf("expected chronological replies, got %+v", replies)
	}

	found, err := store.FindMessage(ctx, "reply-0")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if found.IsRoot() || *found.ParentMessageID != "root-1" || !found.CreatedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected reply %+v", found)
	}
	if _, err := store.FindMessage(ctx, "nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWhiteboardLoadOrCreateAndSave(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	document, err := store.LoadOrCreateWhiteboard(ctx, "p-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(document.Objects) != 0 || document.Background != defaultWhiteboardBackground {
		t.Fatalf("expected empty default board, got %+v", document)
	}

	document.Objects = append(document.Objects, model.CanvasObject{ID: "o-1", Type: "rect", X: 3, Y: 4, Points: []float64{1, 2}})
	document.Settings["grid"] = true
	if err := store.SaveWhiteboard(ctx, document); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reloaded, err := store.LoadOrCreateWhiteboard(ctx, "p-1")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(reloaded.Objects) != 1 || reloaded.Objects[0].X != 3 || len(reloaded.Objects[0].Points) != 2 {
		t.Fatalf("unexpected objects %+v", reloaded.Objects)
	}
	if reloaded.Settings["grid"] != true {
		t.Fatalf("expected settings to round trip, got %+v", reloaded.Settings)
	}
}

func TestServiceErrorMatchesPersistence(t *testing.T) {
	store, db := newTestStore(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	_ = sqlDB.Close()

	err = store.PersistMessage(context.Background(), model.Message{ID: "m", RoomID: "p", SenderID: "u", Text: "x"})
	if !errors.Is(err, errs.ErrPersistence) {
		t.Fatalf("expected persistence classification, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "store.persist_message.insert_failed" {
		t.Fatalf("unexpected service error %v", err)
	}
}
