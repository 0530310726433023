package presence

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/auth"
)

type fakeConn struct {
	id       string
	identity auth.Identity
	mu       sync.Mutex
	events   []Event
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, identity: auth.Identity{UserID: userID, Year: 2024, Branch: "CSE"}}
}

func (c *fakeConn) ID() string              { return c.id }
func (c *fakeConn) Identity() auth.Identity { return c.identity }
func (c *fakeConn) Deliver(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return true
}

func (c *fakeConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

type recordingObserver struct {
	counts map[string]int
	calls  int
}

func (o *recordingObserver) RoomMembershipChanged(roomID string, members int) {
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[roomID] = members
	o.calls++
}

func mustRegister(t *testing.T, registry *Registry, conn Conn) {
	t.Helper()
	if err := registry.Register(conn); err != nil {
		t.Fatalf("register failed: %v", err)
	}
}

func mustJoin(t *testing.T, registry *Registry, connID string, room RoomRef) {
	t.Helper()
	if _, err := registry.JoinRoom(connID, room); err != nil {
		t.Fatalf("join failed: %v", err)
	}
}

func TestRegistryCountsDistinctUsersAcrossDevices(t *testing.T) {
	registry := NewRegistry(nil)
	room := RoomRef{ID: "channel-1", Reclaimable: true}

	phone := newFakeConn("conn-phone", "user-a")
	laptop := newFakeConn("conn-laptop", "user-a")
	other := newFakeConn("conn-b", "user-b")
	for _, conn := range []Conn{phone, laptop, other} {
		mustRegister(t, registry, conn)
		mustJoin(t, registry, conn.ID(), room)
	}

	if count := registry.MemberCount(room.ID); count != 2 {
		t.Fatalf("expected 2 distinct members, got %d", count)
	}

	if _, err := registry.LeaveRoom(phone.ID(), room.ID); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if count := registry.MemberCount(room.ID); count != 2 {
		t.Fatalf("user-a still joined from laptop, expected 2 members, got %d", count)
	}

	registry.Unregister(laptop.ID())
	members := registry.MembersOf(room.ID)
	if len(members) != 1 || members[0] != "user-b" {
		t.Fatalf("unexpected members %v", members)
	}
}

func TestRegistryJoinIsIdempotent(t *testing.T) {
	registry := NewRegistry(nil)
	conn := newFakeConn("conn-1", "user-a")
	mustRegister(t, registry, conn)

	added, err := registry.JoinRoom(conn.ID(), RoomRef{ID: "batch_2024_cse"})
	if err != nil || !added {
		t.Fatalf("expected first join to add, got %v %v", added, err)
	}
	added, err = registry.JoinRoom(conn.ID(), RoomRef{ID: "batch_2024_cse"})
	if err != nil || added {
		t.Fatalf("expected second join to be a no-op, got %v %v", added, err)
	}
	if count := registry.MemberCount("batch_2024_cse"); count != 1 {
		t.Fatalf("expected single membership, got %d", count)
	}
}

func TestRegistryUnregisterRemovesFromEveryRoom(t *testing.T) {
	registry := NewRegistry(nil)
	conn := newFakeConn("conn-1", "user-a")
	mustRegister(t, registry, conn)
	mustJoin(t, registry, conn.ID(), RoomRef{ID: "batch_2024_cse"})
	mustJoin(t, registry, conn.ID(), RoomRef{ID: "channel-1", Reclaimable: true})

	vacated := registry.Unregister(conn.ID())
	if len(vacated) != 2 {
		t.Fatalf("expected two vacated rooms, got %v", vacated)
	}
	for _, roomID := range []string{"batch_2024_cse", "channel-1"} {
		if len(registry.ConnectionsIn(roomID)) != 0 {
			t.Fatalf("connection still present in %s", roomID)
		}
	}
	if registry.IsUserOnline("user-a") {
		t.Fatalf("user should be offline")
	}
	if again := registry.Unregister(conn.ID()); again != nil {
		t.Fatalf("second unregister should be a no-op, got %v", again)
	}
}

func TestRegistryLeaveWithoutJoinIsRejected(t *testing.T) {
	registry := NewRegistry(nil)
	conn := newFakeConn("conn-1", "user-a")
	mustRegister(t, registry, conn)

	if _, err := registry.LeaveRoom(conn.ID(), "channel-9"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected not-a-member error, got %v", err)
	}
	if _, err := registry.JoinRoom("missing", RoomRef{ID: "channel-9"}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected not-registered error, got %v", err)
	}
}

func TestRegistryRejectsDuplicateAndAnonymousConnections(t *testing.T) {
	registry := NewRegistry(nil)
	conn := newFakeConn("conn-1", "user-a")
	mustRegister(t, registry, conn)
	if err := registry.Register(conn); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := registry.Register(newFakeConn("conn-2", "")); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("expected missing identity error, got %v", err)
	}
	if err := registry.Register(nil); !errors.Is(err, ErrNilConnection) {
		t.Fatalf("expected nil connection error, got %v", err)
	}
}

func TestRegistryNotifiesObserverOnlyForReclaimableRooms(t *testing.T) {
	registry := NewRegistry(nil)
	observer := &recordingObserver{}
	registry.SetObserver(observer)

	conn := newFakeConn("conn-1", "user-a")
	mustRegister(t, registry, conn)
	mustJoin(t, registry, conn.ID(), RoomRef{ID: "batch_2024_cse"})
	if observer.calls != 0 {
		t.Fatalf("batch rooms must not be observed")
	}

	registry.TrackRoom("channel-1")
	if observer.counts["channel-1"] != 0 || observer.calls != 1 {
		t.Fatalf("tracking an empty room should report zero members")
	}
	mustJoin(t, registry, conn.ID(), RoomRef{ID: "channel-1", Reclaimable: true})
	if observer.counts["channel-1"] != 1 {
		t.Fatalf("expected observer to see one member, got %d", observer.counts["channel-1"])
	}
	registry.Unregister(conn.ID())
	if observer.counts["channel-1"] != 0 {
		t.Fatalf("expected observer to see empty room after disconnect")
	}
}

func TestRegistryRetireRejectsJoinsUntilReopened(t *testing.T) {
	registry := NewRegistry(nil)
	conn := newFakeConn("conn-1", "user-a")
	mustRegister(t, registry, conn)
	mustJoin(t, registry, conn.ID(), RoomRef{ID: "channel-1", Reclaimable: true})

	if registry.RetireIfEmpty("channel-1", func() bool { return true }) {
		t.Fatalf("occupied room must not retire")
	}
	if _, err := registry.LeaveRoom(conn.ID(), "channel-1"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if registry.RetireIfEmpty("channel-1", func() bool { return false }) {
		t.Fatalf("retire must honour a declining confirm")
	}
	if !registry.RetireIfEmpty("channel-1", func() bool { return true }) {
		t.Fatalf("expected empty room to retire")
	}
	if _, err := registry.JoinRoom(conn.ID(), RoomRef{ID: "channel-1", Reclaimable: true}); !errors.Is(err, ErrRoomRetired) {
		t.Fatalf("expected retired error, got %v", err)
	}

	registry.ReopenRoom("channel-1")
	mustJoin(t, registry, conn.ID(), RoomRef{ID: "channel-1", Reclaimable: true})
}

func TestRegistryPruneRetiredForgetsOldTombstones(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry(func() time.Time { return now })
	conn := newFakeConn("conn-1", "user-a")
	mustRegister(t, registry, conn)

	if !registry.RetireIfEmpty("old", nil) {
		t.Fatalf("expected old room to retire")
	}
	now = now.Add(time.Hour)
	if !registry.RetireIfEmpty("recent", nil) {
		t.Fatalf("expected recent room to retire")
	}

	if pruned := registry.PruneRetired(now.Add(-30 * time.Minute)); pruned != 1 {
		t.Fatalf("expected one tombstone pruned, got %d", pruned)
	}
	if registry.RetiredCount() != 1 {
		t.Fatalf("expected one tombstone left, got %d", registry.RetiredCount())
	}
	mustJoin(t, registry, conn.ID(), RoomRef{ID: "old", Reclaimable: true})
	if _, err := registry.JoinRoom(conn.ID(), RoomRef{ID: "recent", Reclaimable: true}); !errors.Is(err, ErrRoomRetired) {
		t.Fatalf("expected recent room still retired, got %v", err)
	}
}

func TestRegistryBroadcastReachesOnlyJoinedConnections(t *testing.T) {
	registry := NewRegistry(nil)
	senderPhone := newFakeConn("a-phone", "user-a")
	senderLaptop := newFakeConn("a-laptop", "user-a")
	member := newFakeConn("b", "user-b")
	outsider := newFakeConn("c", "user-c")
	for _, conn := range []Conn{senderPhone, senderLaptop, member, outsider} {
		mustRegister(t, registry, conn)
	}
	for _, conn := range []Conn{senderPhone, senderLaptop, member} {
		mustJoin(t, registry, conn.ID(), RoomRef{ID: "batch_2024_cse"})
	}

	delivered := registry.Broadcast("batch_2024_cse", Event{Name: "newMessage"}, "")
	if delivered != 3 {
		t.Fatalf("expected 3 deliveries, got %d", delivered)
	}
	if len(outsider.received()) != 0 {
		t.Fatalf("outsider must not receive room traffic")
	}
	registry.Broadcast("batch_2024_cse", Event{Name: "userTyping"}, senderPhone.ID())
	if len(senderPhone.received()) != 1 || len(senderLaptop.received()) != 2 {
		t.Fatalf("exclusion should only skip the named connection")
	}
}

func TestRegistryConcurrentJoinLeaveKeepsCountsConsistent(t *testing.T) {
	registry := NewRegistry(nil)
	room := RoomRef{ID: "channel-1", Reclaimable: true}
	var wg sync.WaitGroup
	for index := 0; index < 20; index++ {
		conn := newFakeConn(fmt.Sprintf("conn-%d", index), fmt.Sprintf("user-%d", index%5))
		mustRegister(t, registry, conn)
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			for round := 0; round < 50; round++ {
				_, _ = registry.JoinRoom(connID, room)
				_, _ = registry.LeaveRoom(connID, room.ID)
			}
			_, _ = registry.JoinRoom(connID, room)
		}(conn.ID())
	}
	wg.Wait()
	if count := registry.MemberCount(room.ID); count != 5 {
		t.Fatalf("expected 5 distinct users, got %d", count)
	}
}
