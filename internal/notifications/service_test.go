package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/presence"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type recordingLive struct {
	mu     sync.Mutex
	events map[string][]presence.Event
}

func (l *recordingLive) SendToUser(userID string, event presence.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events == nil {
		l.events = make(map[string][]presence.Event)
	}
	l.events[userID] = append(l.events[userID], event)
	return 1
}

func (l *recordingLive) count(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events[userID])
}

type staticDirectory struct{}

func (staticDirectory) FirstName(_ context.Context, userID string) string {
	return "name-" + userID
}

type fakePushSender struct {
	mu       sync.Mutex
	failures map[string]error
	sent     []string
	bodies   [][]byte
}

func (s *fakePushSender) Send(_ context.Context, subscription PushSubscription, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, subscription.Endpoint)
	s.bodies = append(s.bodies, append([]byte(nil), body...))
	return s.failures[subscription.Endpoint]
}

func (s *fakePushSender) attempts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, endpoint := range s.sent {
		counts[endpoint]++
	}
	return counts
}

type serviceFixture struct {
	service *Service
	store   *Store
	live    *recordingLive
	push    *fakePushSender
	logs    *observer.ObservedLogs
}

func newServiceFixture(t *testing.T, withPush bool) serviceFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Notification{}, &PushSubscription{}); err != nil {
		t.Fatalf("failed to migrate notification schema: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db, IDs: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	core, logs := observer.New(zap.DebugLevel)
	live := &recordingLive{}
	push := &fakePushSender{failures: map[string]error{}}
	cfg := ServiceConfig{
		Store:     store,
		Live:      live,
		Directory: staticDirectory{},
		Logger:    zap.New(core),
	}
	if withPush {
		cfg.Push = push
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return serviceFixture{service: service, store: store, live: live, push: push, logs: logs}
}

func (f serviceFixture) subscribe(t *testing.T, userID, endpoint string) {
	t.Helper()
	if _, err := f.service.Subscribe(context.Background(), PushSubscription{UserID: userID, Endpoint: endpoint, P256dh: "key", Auth: "auth"}); err != nil {
		t.Fatalf("subscribe %s: %v", endpoint, err)
	}
}

func resource(id string) *string {
	return &id
}

func TestNotifySkipsSelfTargetedRequests(t *testing.T) {
	fixture := newServiceFixture(t, true)
	fixture.subscribe(t, "alice", "https://push.example/alice")

	_, created, err := fixture.service.Notify(context.Background(), Request{RecipientID: "alice", ActorID: "alice", Kind: KindReply, Message: "replied"})
	if err != nil || created {
		t.Fatalf("expected self notification to be a no-op, created=%v err=%v", created, err)
	}
	if fixture.live.count("alice") != 0 || len(fixture.push.attempts()) != 0 {
		t.Fatalf("expected no deliveries for self notification")
	}
}

func TestNotifyRejectsIncompleteRequests(t *testing.T) {
	fixture := newServiceFixture(t, false)
	if _, _, err := fixture.service.Notify(context.Background(), Request{RecipientID: "alice", Kind: KindReply}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestNotifySuppressesDuplicateUnreadUpvotes(t *testing.T) {
	fixture := newServiceFixture(t, false)
	ctx := context.Background()
	request := Request{RecipientID: "alice", ActorID: "bob", Kind: KindUpvote, Message: "bob upvoted your question", ResourceID: resource("question-1")}

	first, created, err := fixture.service.Notify(ctx, request)
	if err != nil || !created {
		t.Fatalf("expected first upvote notification, created=%v err=%v", created, err)
	}
	if _, created, err := fixture.service.Notify(ctx, request); err != nil || created {
		t.Fatalf("expected duplicate to be suppressed, created=%v err=%v", created, err)
	}

	other := request
	other.ResourceID = resource("question-2")
	if _, created, err := fixture.service.Notify(ctx, other); err != nil || !created {
		t.Fatalf("expected a different resource to notify, created=%v err=%v", created, err)
	}

	if err := fixture.service.MarkRead(ctx, "alice", first.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if _, created, err := fixture.service.Notify(ctx, request); err != nil || !created {
		t.Fatalf("expected notification after dismissal, created=%v err=%v", created, err)
	}

	listed, err := fixture.service.List(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected three stored notifications, got %d", len(listed))
	}
	if fixture.live.count("alice") != 3 {
		t.Fatalf("expected three live deliveries, got %d", fixture.live.count("alice"))
	}
}

func TestConcurrentDuplicateUpvotesPersistOnce(t *testing.T) {
	fixture := newServiceFixture(t, false)
	request := Request{RecipientID: "alice", ActorID: "bob", Kind: KindUpvote, Message: "upvoted", ResourceID: resource("question-1")}

	var waitGroup sync.WaitGroup
	for index := 0; index < 8; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, _, err := fixture.service.Notify(context.Background(), request); err != nil {
				t.Errorf("notify: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	listed, err := fixture.store.List(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(listed))
	}
}

func TestRepliesAreNotDeduplicated(t *testing.T) {
	fixture := newServiceFixture(t, false)
	request := Request{RecipientID: "alice", ActorID: "bob", Kind: KindReply, Message: "replied", ResourceID: resource("question-1")}
	for index := 0; index < 2; index++ {
		if _, created, err := fixture.service.Notify(context.Background(), request); err != nil || !created {
			t.Fatalf("reply %d: created=%v err=%v", index, created, err)
		}
	}
}

func TestNotifyPrunesGoneSubscriptionsWithoutAffectingOthers(t *testing.T) {
	fixture := newServiceFixture(t, true)
	ctx := context.Background()
	gone := "https://push.example/gone"
	healthy := "https://push.example/healthy"
	flaky := "https://push.example/flaky"
	for _, endpoint := range []string{gone, healthy, flaky} {
		fixture.subscribe(t, "alice", endpoint)
	}
	fixture.push.failures[gone] = fmt.Errorf("%w: status 410", ErrSubscriptionGone)
	fixture.push.failures[flaky] = errors.New("connection reset")

	payload, created, err := fixture.service.Notify(ctx, Request{RecipientID: "alice", ActorID: "bob", Kind: KindReply, Message: "bob replied"})
	if err != nil || !created {
		t.Fatalf("notify: created=%v err=%v", created, err)
	}
	if payload.Actor.FirstName != "name-bob" {
		t.Fatalf("expected actor summary, got %+v", payload.Actor)
	}

	attempts := fixture.push.attempts()
	for _, endpoint := range []string{gone, healthy, flaky} {
		if attempts[endpoint] != 1 {
			t.Fatalf("expected one attempt to %s, got %d", endpoint, attempts[endpoint])
		}
	}
	remaining, err := fixture.store.Subscriptions(ctx, "alice")
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected two remaining subscriptions, got %d", len(remaining))
	}
	for _, subscription := range remaining {
		if subscription.Endpoint == gone {
			t.Fatalf("expected gone subscription to be pruned")
		}
	}
	if fixture.logs.FilterMessage("push delivery failed").Len() != 1 {
		t.Fatalf("expected transient failure to be logged once")
	}
	if fixture.live.count("alice") != 1 {
		t.Fatalf("expected live delivery alongside push")
	}
}

func TestNotifyWithoutPushSenderOnlyDeliversLive(t *testing.T) {
	fixture := newServiceFixture(t, false)
	fixture.subscribe(t, "alice", "https://push.example/alice")
	if fixture.service.PushEnabled() {
		t.Fatalf("expected push disabled")
	}
	if _, _, err := fixture.service.Notify(context.Background(), Request{RecipientID: "alice", ActorID: "bob", Kind: KindMention, Message: "mentioned you"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(fixture.push.attempts()) != 0 {
		t.Fatalf("expected no push attempts")
	}
	if fixture.live.count("alice") != 1 {
		t.Fatalf("expected live delivery")
	}
}

func TestSubscribeUpsertsByEndpoint(t *testing.T) {
	fixture := newServiceFixture(t, true)
	ctx := context.Background()
	fixture.subscribe(t, "alice", "https://push.example/shared")
	fixture.subscribe(t, "bob", "https://push.example/shared")

	aliceSubs, err := fixture.store.Subscriptions(ctx, "alice")
	if err != nil {
		t.Fatalf("alice subscriptions: %v", err)
	}
	bobSubs, err := fixture.store.Subscriptions(ctx, "bob")
	if err != nil {
		t.Fatalf("bob subscriptions: %v", err)
	}
	if len(aliceSubs) != 0 || len(bobSubs) != 1 {
		t.Fatalf("expected endpoint to move to bob, alice=%d bob=%d", len(aliceSubs), len(bobSubs))
	}

	if _, err := fixture.service.Subscribe(ctx, PushSubscription{UserID: "bob", Endpoint: "https://push.example/x"}); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("expected ErrInvalidSubscription, got %v", err)
	}
	removed, err := fixture.service.Unsubscribe(ctx, "bob", "https://push.example/shared")
	if err != nil || !removed {
		t.Fatalf("expected unsubscribe to remove endpoint, removed=%v err=%v", removed, err)
	}
}

func TestMarkReadAndMarkAllRead(t *testing.T) {
	fixture := newServiceFixture(t, false)
	ctx := context.Background()
	for index := 0; index < 3; index++ {
		if _, _, err := fixture.service.Notify(ctx, Request{RecipientID: "alice", ActorID: "bob", Kind: KindReply, Message: fmt.Sprintf("reply %d", index)}); err != nil {
			t.Fatalf("notify %d: %v", index, err)
		}
	}
	if err := fixture.service.MarkRead(ctx, "alice", "missing"); !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("expected ErrNotificationNotFound, got %v", err)
	}
	updated, err := fixture.service.MarkAllRead(ctx, "alice")
	if err != nil || updated != 3 {
		t.Fatalf("expected three updated, got %d err=%v", updated, err)
	}
	listed, err := fixture.service.List(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, payload := range listed {
		if !payload.IsRead {
			t.Fatalf("expected every notification read, got %+v", payload)
		}
	}
	if err := fixture.service.MarkRead(ctx, "bob", listed[0].ID); !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("expected other users to be unable to mark alice's notification, got %v", err)
	}
}

func TestStoreListOrdersNewestFirst(t *testing.T) {
	fixture := newServiceFixture(t, false)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixture.store.clock = func() time.Time { return current }
	ctx := context.Background()
	for index := 0; index < 3; index++ {
		current = current.Add(time.Minute)
		if _, _, err := fixture.store.Create(ctx, Request{RecipientID: "alice", ActorID: "bob", Kind: KindReply, Message: fmt.Sprintf("m%d", index)}, false); err != nil {
			t.Fatalf("create %d: %v", index, err)
		}
	}
	listed, err := fixture.store.List(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].Message != "m2" || listed[1].Message != "m1" {
		t.Fatalf("unexpected order %+v", listed)
	}
}

func TestPushPayloadCarriesTitleMessageAndURL(t *testing.T) {
	fixture := newServiceFixture(t, true)
	fixture.service.linkBaseURL = "https://batchline.example/r/"
	fixture.subscribe(t, "alice", "https://push.example/alice")
	ctx := context.Background()

	testCases := []struct {
		name     string
		resource *string
		wantURL  string
	}{
		{name: "with resource", resource: resource("question 1"), wantURL: "https://batchline.example/r/question%201"},
		{name: "without resource", resource: nil, wantURL: "https://batchline.example/r/"},
	}
	for index, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			message := fmt.Sprintf("bob replied %d", index)
			if _, _, err := fixture.service.Notify(ctx, Request{RecipientID: "alice", ActorID: "bob", Kind: KindReply, Message: message, ResourceID: testCase.resource}); err != nil {
				t.Fatalf("notify: %v", err)
			}
			fixture.push.mu.Lock()
			body := fixture.push.bodies[len(fixture.push.bodies)-1]
			fixture.push.mu.Unlock()

			var decoded map[string]interface{}
			if err := json.Unmarshal(body, &decoded); err != nil {
				t.Fatalf("decode push body: %v", err)
			}
			if len(decoded) != 3 {
				t.Fatalf("expected exactly title, message and url, got %v", decoded)
			}
			if decoded["title"] != pushTitle {
				t.Fatalf("unexpected title %v", decoded["title"])
			}
			if decoded["message"] != message {
				t.Fatalf("unexpected message %v", decoded["message"])
			}
			if decoded["url"] != testCase.wantURL {
				t.Fatalf("expected url %q, got %v", testCase.wantURL, decoded["url"])
			}
		})
	}
}
