package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/realtime/realtimetest"
	"github.com/google/uuid"
)

var (
	roomID      = uuid.NewString()
	otherRoomID = uuid.NewString()
	alice       = model.Identity{ID: "alice", Name: "Alice"}
	stranger    = model.Identity{ID: "stranger", Name: "Stranger"}
)

type memoryStore struct {
	mu         sync.Mutex
	messages   map[string]model.Message
	users      map[string]model.Identity
	persistErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		messages: map[string]model.Message{},
		users:    map[string]model.Identity{"alice": alice, "bob": {ID: "bob", Name: "Bob"}},
	}
}

func (s *memoryStore) PersistMessage(_ context.Context, message model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return s.persistErr
	}
	s.messages[message.ID] = message
	return nil
}

func (s *memoryStore) FindMessage(_ context.Context, messageID string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[messageID]
	if !ok {
		return model.Message{}, fmt.Errorf("%w: message", errs.ErrNotFound)
	}
	return message, nil
}

func (s *memoryStore) sorted(filter func(model.Message) bool) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []model.Message
	for _, message := range s.messages {
		if filter(message) {
			matched = append(matched, message)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched
}

func (s *memoryStore) QueryRootMessages(_ context.Context, room string, before *time.Time, limit int) ([]model.Message, error) {
	ascending := s.sorted(func(message model.Message) bool {
		return message.RoomID == room && message.IsRoot() && (before == nil || message.CreatedAt.Before(*before))
	})
	newestFirst := make([]model.Message, 0, limit)
	for index := len(ascending) - 1; index >= 0 && len(newestFirst) < limit; index-- {
		newestFirst = append(newestFirst, ascending[index])
	}
	return newestFirst, nil
}

func (s *memoryStore) QueryReplies(_ context.Context, room, rootID string) ([]model.Message, error) {
	return s.sorted(func(message model.Message) bool {
		return message.RoomID == room && message.ParentMessageID != nil && *message.ParentMessageID == rootID
	}), nil
}

func (s *memoryStore) FindUser(_ context.Context, userID string) (model.Identity, error) {
	identity, ok := s.users[userID]
	if !ok {
		return model.Identity{}, fmt.Errorf("%w: user", errs.ErrNotFound)
	}
	return identity, nil
}

type allowList map[string]bool

func (a allowList) Authorize(_ context.Context, identity model.Identity, room string) error {
	if a[room+"/"+identity.ID] {
		return nil
	}
	return fmt.Errorf("%w: denied", errs.ErrForbidden)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	rooms  []string
	err    error
}

func (n *recordingNotifier) NotifyProjectEvent(_ context.Context, room string, event notify.Event, _ string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.rooms = append(n.rooms, room)
	return len(n.events), n.err
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", s.next), nil
}

type fixture struct {
	broker   *Broker
	store    *memoryStore
	notifier *recordingNotifier
	hub      *realtime.Hub
	origin   *realtimetest.Connection
	peer     *realtimetest.Connection
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemoryStore(),
		notifier: &recordingNotifier{},
		hub:      realtime.NewHub(nil),
		origin:   realtimetest.NewConnection("c-alice", alice),
		peer:     realtimetest.NewConnection("c-bob", model.Identity{ID: "bob", Name: "Bob"}),
		now:      time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC),
	}
	f.hub.Join(roomID, f.origin)
	f.hub.Join(roomID, f.peer)

	broker, err := NewBroker(BrokerConfig{
		Store:           f.store,
		Guard:           allowList{roomID + "/alice": true, roomID + "/bob": true, otherRoomID + "/alice": true},
		Rooms:           f.hub,
		Notifier:        f.notifier,
		IDProvider:      &sequentialIDs{},
		MaxMessageRunes: 10,
		Clock: func() time.Time {
			f.now = f.now.Add(time.Second)
			return f.now
		},
		Dispatch: func(task func()) { task() },
	})
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	f.broker = broker
	return f
}

func (f *fixture) post(t *testing.T, identity model.Identity, room, text string, parent *string) MessagePayload {
	t.Helper()
	payload, err := f.broker.PostMessage(context.Background(), identity, PostRequest{RoomID: room, Text: text, ParentMessageID: parent})
	if err != nil {
		t.Fatalf("post %q failed: %v", text, err)
	}
	return payload
}

func TestPostMessageBroadcastsToWholeRoomAndNotifies(t *testing.T) {
	f := newFixture(t)

	payload := f.post(t, alice, roomID, "  hello  ", nil)
	if payload.Text != "hello" || payload.Sender.Name != "Alice" || payload.ParentMessage != nil {
		t.Fatalf("unexpected payload %+v", payload)
	}
	for _, conn := range []*realtimetest.Connection{f.origin, f.peer} {
		events := conn.Named(EventMessageNew)
		if len(events) != 1 || events[0].Payload.(MessagePayload).ID != payload.ID {
			t.Fatalf("%s: expected message:new, got %v", conn.ID(), conn.Events())
		}
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].Type != notify.TypeChatMessage {
		t.Fatalf("expected one chat notification, got %+v", f.notifier.events)
	}
	data := f.notifier.events[0].Data.(ChatNotification)
	if data.MessageID != payload.ID || data.Preview != "hello" {
		t.Fatalf("unexpected notification data %+v", data)
	}
}

func TestPostMessageValidation(t *testing.T) {
	f := newFixture(t)
	root := f.post(t, alice, roomID, "root", nil)
	reply := f.post(t, alice, roomID, "reply", &root.ID)
	foreignRoot := f.post(t, alice, otherRoomID, "elsewhere", nil)
	f.origin.Reset()
	f.peer.Reset()
	f.notifier.events = nil

	malformed := "not-an-id"
	missing := uuid.NewString()
	testCases := []struct {
		name     string
		identity model.Identity
		text     string
		parent   *string
		want     error
		category error
	}{
		{name: "blank text", identity: alice, text: "   ", want: ErrEmptyMessage, category: errs.ErrValidation},
		{name: "too long", identity: alice, text: strings.Repeat("é", 11), want: ErrMessageTooLong, category: errs.ErrValidation},
		{name: "malformed parent", identity: alice, text: "hi", parent: &malformed, want: ErrInvalidParent, category: errs.ErrValidation},
		{name: "missing parent", identity: alice, text: "hi", parent: &missing, want: ErrParentNotFound, category: errs.ErrNotFound},
		{name: "parent in another room", identity: alice, text: "hi", parent: &foreignRoot.ID, want: ErrParentNotFound, category: errs.ErrNotFound},
		{name: "reply to reply", identity: alice, text: "hi", parent: &reply.ID, want: ErrInvalidParent, category: errs.ErrValidation},
		{name: "stranger", identity: stranger, text: "hi", category: errs.ErrForbidden},
		{name: "empty text wins over access", identity: stranger, text: "", want: ErrEmptyMessage, category: errs.ErrValidation},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			before := len(f.store.messages)
			_, err := f.broker.PostMessage(context.Background(), testCase.identity, PostRequest{RoomID: roomID, Text: testCase.text, ParentMessageID: testCase.parent})
			if testCase.want != nil && !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
			if !errors.Is(err, testCase.category) {
				t.Fatalf("expected category %v, got %v", testCase.category, err)
			}
			if len(f.store.messages) != before || len(f.origin.Events()) != 0 || len(f.peer.Events()) != 0 || len(f.notifier.events) != 0 {
				t.Fatalf("expected no side effects on rejection")
			}
		})
	}

	exact := f.post(t, alice, roomID, strings.Repeat("é", 10), nil)
	if exact.Text != strings.Repeat("é", 10) {
		t.Fatalf("expected text at the limit to be kept intact")
	}
}

func TestPostMessagePersistenceFailureHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.store.persistErr = fmt.Errorf("%w: disk full", errs.ErrPersistence)

	_, err := f.broker.PostMessage(context.Background(), alice, PostRequest{RoomID: roomID, Text: "hello"})
	if !errors.Is(err, errs.ErrPersistence) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if len(f.origin.Events()) != 0 || len(f.peer.Events()) != 0 || len(f.notifier.events) != 0 {
		t.Fatalf("expected no broadcast or fan-out")
	}
}

func TestPostMessageSurvivesFanoutFailure(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = fmt.Errorf("%w: directory down", errs.ErrPersistence)

	payload := f.post(t, alice, roomID, "hello", nil)
	if len(f.peer.Named(EventMessageNew)) != 1 {
		t.Fatalf("expected broadcast despite fan-out failure")
	}
	if _, err := f.store.FindMessage(context.Background(), payload.ID); err != nil {
		t.Fatalf("expected message to be stored: %v", err)
	}
}

func TestRoomMessagesPaginatesRootsChronologically(t *testing.T) {
	f := newFixture(t)
	var roots []MessagePayload
	for index := 0; index < 5; index++ {
		roots = append(roots, f.post(t, alice, roomID, fmt.Sprintf("m%d", index), nil))
	}
	f.post(t, alice, roomID, "reply", &roots[0].ID)

	latest, err := f.broker.RoomMessages(context.Background(), roomID, nil, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(latest) != 3 || latest[0].Text != "m2" || latest[2].Text != "m4" {
		t.Fatalf("unexpected latest page %+v", latest)
	}
	if latest[0].Sender.Name != "Alice" {
		t.Fatalf("expected sender name to be inlined")
	}

	cursor := latest[0].CreatedAt
	older, err := f.broker.RoomMessages(context.Background(), roomID, &cursor, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(older) != 2 || older[0].Text != "m0" || older[1].Text != "m1" {
		t.Fatalf("unexpected older page %+v", older)
	}
}

func TestThread(t *testing.T) {
	f := newFixture(t)
	root := f.post(t, alice, roomID, "root", nil)
	first := f.post(t, alice, roomID, "first", &root.ID)
	second := f.post(t, alice, roomID, "second", &root.ID)

	thread, err := f.broker.Thread(context.Background(), roomID, root.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if thread.Root.ID != root.ID || len(thread.Replies) != 2 || thread.Replies[0].ID != first.ID || thread.Replies[1].ID != second.ID {
		t.Fatalf("unexpected thread %+v", thread)
	}
	for _, reply := range thread.Replies {
		if reply.ParentMessage == nil || *reply.ParentMessage != root.ID {
			t.Fatalf("reply %s does not point at the root", reply.ID)
		}
	}

	for _, rootID := range []string{first.ID, uuid.NewString(), "garbage"} {
		if _, err := f.broker.Thread(context.Background(), roomID, rootID); !errors.Is(err, ErrThreadNotFound) {
			t.Fatalf("expected thread not found for %s, got %v", rootID, err)
		}
	}
	if _, err := f.broker.Thread(context.Background(), otherRoomID, root.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected thread lookup to be scoped to the room, got %v", err)
	}
}
