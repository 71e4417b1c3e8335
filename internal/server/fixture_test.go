package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/access"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/config"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/database"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/store"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/whiteboard"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "orbit_session"

	testRoomID      = "0190f0a0-0000-7000-8000-000000000001"
	testOtherRoomID = "0190f0a0-0000-7000-8000-000000000002"
	testMissingRoom = "0190f0a0-0000-7000-8000-0000000000ff"
	testTaskID      = "task-1"

	userAda     = "u-ada"
	userBob     = "u-bob"
	userCid     = "u-cid"
	userManager = "u-manager"
	userOutside = "u-outside"
	userAdmin   = "u-admin"
)

// sequentialIDs hands out deterministic ids for connections, messages and shapes.
type sequentialIDs struct {
	counter atomic.Int64
}

func (s *sequentialIDs) NewID() (string, error) {
	next := s.counter.Add(1)
	return fmt.Sprintf("0190f0a0-0000-7000-9000-%012d", next), nil
}

// testClock reads the wall clock until frozen.
type testClock struct {
	mu     sync.Mutex
	frozen time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen.IsZero() {
		return c.frozen
	}
	return time.Now().UTC()
}

func (c *testClock) Freeze(at time.Time) {
	c.mu.Lock()
	c.frozen = at
	c.mu.Unlock()
}

type testStack struct {
	clock       *testClock
	db          *gorm.DB
	store       *store.Store
	issuer      *auth.SessionIssuer
	registry    *realtime.Registry
	hub         *realtime.Hub
	presence    *realtime.PresenceTracker
	coordinator *realtime.Coordinator
	broker      *chat.Broker
	engine      *whiteboard.Engine
	deps        Dependencies
}

func newTestStack(t *testing.T, logger *zap.Logger) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.Open(config.DriverSQLite, dsn, logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	seedRooms(t, db)

	clock := func() time.Time { return time.Now().UTC() }
	documentStore, err := store.New(store.Config{Database: db, Clock: clock, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	resolver, err := identity.NewResolver(identity.ResolverConfig{Verifier: validator, Users: documentStore, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}

	registry := realtime.NewRegistry(logger)
	hub := realtime.NewHub(logger)
	presence := realtime.NewPresenceTracker()
	coordinator := realtime.NewCoordinator(registry, hub, presence, logger)

	guard, err := access.NewGuard(documentStore, logger)
	if err != nil {
		t.Fatalf("failed to construct guard: %v", err)
	}
	notifier, err := notify.NewService(notify.Config{Rooms: documentStore, Deliverer: registry, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct notifier: %v", err)
	}
	ids := &sequentialIDs{}
	brokerClock := &testClock{}
	broker, err := chat.NewBroker(chat.BrokerConfig{
		Store:      documentStore,
		Guard:      guard,
		Rooms:      hub,
		Notifier:   notifier,
		IDProvider: ids,
		Clock:      brokerClock.Now,
		Dispatch:   func(task func()) { task() },
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct broker: %v", err)
	}
	engine, err := whiteboard.NewEngine(whiteboard.EngineConfig{
		Store:      documentStore,
		Rooms:      hub,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct whiteboard engine: %v", err)
	}

	return &testStack{
		clock:       brokerClock,
		db:          db,
		store:       documentStore,
		issuer:      issuer,
		registry:    registry,
		hub:         hub,
		presence:    presence,
		coordinator: coordinator,
		broker:      broker,
		engine:      engine,
		deps: Dependencies{
			Resolver:       resolver,
			Coordinator:    coordinator,
			Hub:            hub,
			Presence:       presence,
			Guard:          guard,
			Broker:         broker,
			Whiteboard:     engine,
			Notifier:       notifier,
			Tasks:          documentStore,
			IDProvider:     ids,
			AllowedOrigins: []string{"*"},
			Logger:         logger,
		},
	}
}

func seedRooms(t *testing.T, db *gorm.DB) {
	t.Helper()
	records := []any{
		&store.User{ID: userAda, Name: "Ada", Email: "ada@example.com", Role: string(model.RoleUser)},
		&store.User{ID: userBob, Name: "Bob", Email: "bob@example.com", Role: string(model.RoleUser)},
		&store.User{ID: userCid, Name: "Cid", Email: "cid@example.com", Role: string(model.RoleUser)},
		&store.User{ID: userManager, Name: "Mona", Email: "mona@example.com", Role: string(model.RoleProjectManager)},
		&store.User{ID: userOutside, Name: "Otto", Email: "otto@example.com", Role: string(model.RoleUser)},
		&store.User{ID: userAdmin, Name: "Root", Email: "root@example.com", Role: string(model.RoleAdmin)},
		&store.Project{ID: testRoomID, Name: "Apollo", ManagerID: userManager},
		&store.Project{ID: testOtherRoomID, Name: "Gemini", ManagerID: userManager},
		&store.ProjectMember{ProjectID: testRoomID, UserID: userAda},
		&store.ProjectMember{ProjectID: testRoomID, UserID: userBob},
		&store.ProjectMember{ProjectID: testRoomID, UserID: userCid},
		&store.Task{ID: testTaskID, ProjectID: testRoomID, Title: "Draft launch plan"},
	}
	for _, record := range records {
		if err := db.Create(record).Error; err != nil {
			t.Fatalf("failed to seed %T: %v", record, err)
		}
	}
}

// router returns the full gin engine.
func (s *testStack) router(t *testing.T) http.Handler {
	t.Helper()
	handler, err := NewHTTPHandler(s.deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler
}

// sessionToken mints a session credential for userID.
func (s *testStack) sessionToken(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.SessionSubject{UserID: userID})
	if err != nil {
		t.Fatalf("failed to issue session token: %v", err)
	}
	return token
}

func (s *testStack) authorize(t *testing.T, request *http.Request, userID string) {
	t.Helper()
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: s.sessionToken(t, userID)})
}
