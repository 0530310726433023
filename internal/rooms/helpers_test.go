package rooms

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeConn struct {
	id       string
	identity auth.Identity

	mu     sync.Mutex
	events []presence.Event
}

func newFakeConn(id, userID string, year int, branch string) *fakeConn {
	return &fakeConn{id: id, identity: auth.Identity{UserID: userID, Role: "student", Year: year, Branch: branch}}
}

func (c *fakeConn) ID() string              { return c.id }
func (c *fakeConn) Identity() auth.Identity { return c.identity }

func (c *fakeConn) Deliver(event presence.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return true
}

func (c *fakeConn) eventsNamed(name string) []presence.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []presence.Event
	for _, event := range c.events {
		if event.Name == name {
			matched = append(matched, event)
		}
	}
	return matched
}

type stubDirectory struct{}

func (stubDirectory) FirstName(_ context.Context, userID string) string {
	return strings.ToUpper(userID)
}

func (d stubDirectory) Summaries(ctx context.Context, userIDs []string) []users.Summary {
	summaries := make([]users.Summary, 0, len(userIDs))
	for _, userID := range userIDs {
		summaries = append(summaries, users.Summary{UserID: userID, FirstName: d.FirstName(ctx, userID)})
	}
	return summaries
}

type failingMessageStore struct{}

func (failingMessageStore) SaveMessage(context.Context, MessageDraft) (Message, error) {
	return Message{}, errors.New("disk full")
}

func (failingMessageStore) RecentMessages(context.Context, string, int) ([]Message, error) {
	return nil, errors.New("disk full")
}

type recordingObserver struct {
	mu      sync.Mutex
	changes map[string][]int
}

func (o *recordingObserver) RoomMembershipChanged(roomID string, members int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.changes == nil {
		o.changes = make(map[string][]int)
	}
	o.changes[roomID] = append(o.changes[roomID], members)
}

func (o *recordingObserver) last(roomID string) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	changes := o.changes[roomID]
	if len(changes) == 0 {
		return 0, false
	}
	return changes[len(changes)-1], true
}

func openTestDatabase(t *testing.T) *gorm.DB {
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
	if err := db.AutoMigrate(&Channel{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate room schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Database:   openTestDatabase(t),
		MessageIDs: ids.NewULIDProvider(clock),
		ChannelIDs: ids.NewUUIDProvider(),
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

type routerFixture struct {
	router   *Router
	store    *Store
	registry *presence.Registry
	observer *recordingObserver
}

func newRouterFixture(t *testing.T, limit int) routerFixture {
	t.Helper()
	store := newTestStore(t, time.Now)
	registry := presence.NewRegistry(nil)
	observer := &recordingObserver{}
	registry.SetObserver(observer)
	router, err := NewRouter(Config{
		Messages:  store,
		Channels:  store,
		Registry:  registry,
		Limiter:   ratelimit.NewLimiter(ratelimit.Config{Limit: limit, Window: time.Minute}),
		Directory: stubDirectory{},
	})
	if err != nil {
		t.Fatalf("failed to create router: %v", err)
	}
	return routerFixture{router: router, store: store, registry: registry, observer: observer}
}

func (f routerFixture) connect(t *testing.T, conn *fakeConn) {
	t.Helper()
	if err := f.registry.Register(conn); err != nil {
		t.Fatalf("register %s: %v", conn.id, err)
	}
	if _, err := f.router.JoinBatchRoom(conn); err != nil {
		t.Fatalf("join batch room %s: %v", conn.id, err)
	}
}
