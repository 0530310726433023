package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/auth"
)

var (
	ErrNilConnection       = errors.New("presence: connection required")
	ErrMissingIdentity     = errors.New("presence: connection identity required")
	ErrDuplicateConnection = errors.New("presence: connection already registered")
	ErrNotRegistered       = errors.New("presence: connection not registered")
	ErrNotAMember          = errors.New("presence: connection not joined to room")
	ErrRoomRetired         = errors.New("presence: room retired")
)

// Event is an outbound in-band event addressed to one or more connections.
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data"`
}

// Conn is a live duplex session as seen by the registry.
type Conn interface {
	ID() string
	Identity() auth.Identity
	// Deliver enqueues the event without blocking and reports whether it was accepted.
	Deliver(Event) bool
}

// RoomRef names a room. Reclaimable rooms report membership changes to the
// RoomObserver so they can be retired once empty.
type RoomRef struct {
	ID          string
	Reclaimable bool
}

// RoomObserver is notified, under the registry lock, after every membership
// change of a reclaimable room. Implementations must not block or call back
// into the Registry.
type RoomObserver interface {
	RoomMembershipChanged(roomID string, members int)
}

type connEntry struct {
	conn      Conn
	userID    string
	rooms     map[string]struct{}
	createdAt time.Time
}

type roomState struct {
	members     map[string]int
	reclaimable bool
}

// Registry maps users to live connections and rooms to their member sets.
// State is process-local and is lost on restart.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*connEntry
	users    map[string]map[string]*connEntry
	rooms    map[string]*roomState
	retired  map[string]time.Time
	observer RoomObserver
	clock    func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		conns:   make(map[string]*connEntry),
		users:   make(map[string]map[string]*connEntry),
		rooms:   make(map[string]*roomState),
		retired: make(map[string]time.Time),
		clock:   clock,
	}
}

// SetObserver installs the membership observer for reclaimable rooms.
func (r *Registry) SetObserver(observer RoomObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = observer
}

// Register adds a connection. Other connections of the same user are untouched.
func (r *Registry) Register(conn Conn) error {
	if conn == nil {
		return ErrNilConnection
	}
	userID := conn.Identity().UserID
	if userID == "" {
		return ErrMissingIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	entry := &connEntry{
		conn:      conn,
		userID:    userID,
		rooms:     make(map[string]struct{}),
		createdAt: r.clock(),
	}
	r.conns[conn.ID()] = entry
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]*connEntry)
	}
	r.users[userID][conn.ID()] = entry
	return nil
}

// Unregister removes the connection from every room it joined in one step and
// returns the rooms in which its user is no longer counted. Unknown connections
// are ignored.
func (r *Registry) Unregister(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.conns[connID]
	if !exists {
		return nil
	}

	var vacated []string
	for roomID := range entry.rooms {
		if r.removeLocked(entry, roomID) {
			vacated = append(vacated, roomID)
		}
	}
	sort.Strings(vacated)

	delete(r.conns, connID)
	if userConns := r.users[entry.userID]; userConns != nil {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.users, entry.userID)
		}
	}
	return vacated
}

// JoinRoom adds the connection to the room. It reports whether the connection
// was newly added; joining twice is a no-op.
func (r *Registry) JoinRoom(connID string, room RoomRef) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.conns[connID]
	if !exists {
		return false, ErrNotRegistered
	}
	if _, retired := r.retired[room.ID]; retired {
		return false, ErrRoomRetired
	}
	if _, joined := entry.rooms[room.ID]; joined {
		return false, nil
	}

	state := r.ensureRoomLocked(room)
	entry.rooms[room.ID] = struct{}{}
	state.members[entry.userID]++
	r.notifyLocked(room.ID, state)
	return true, nil
}

// LeaveRoom removes the connection from the room. It reports whether the
// connection's user stopped being a member.
func (r *Registry) LeaveRoom(connID, roomID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.conns[connID]
	if !exists {
		return false, ErrNotRegistered
	}
	if _, joined := entry.rooms[roomID]; !joined {
		return false, ErrNotAMember
	}
	return r.removeLocked(entry, roomID), nil
}

// TrackRoom records a reclaimable room that may have no members yet, so an
// empty room is observed from creation.
func (r *Registry) TrackRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, retired := r.retired[roomID]; retired {
		return
	}
	state := r.ensureRoomLocked(RoomRef{ID: roomID, Reclaimable: true})
	r.notifyLocked(roomID, state)
}

// RetireIfEmpty marks the room retired when it has no members and confirm
// agrees. Retired rooms reject further joins.
func (r *Registry) RetireIfEmpty(roomID string, confirm func() bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, retired := r.retired[roomID]; retired {
		return false
	}
	if state := r.rooms[roomID]; state != nil && len(state.members) > 0 {
		return false
	}
	if confirm != nil && !confirm() {
		return false
	}
	r.retired[roomID] = r.clock()
	delete(r.rooms, roomID)
	return true
}

// ReopenRoom undoes RetireIfEmpty after a failed deletion.
func (r *Registry) ReopenRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.retired, roomID)
	state := r.ensureRoomLocked(RoomRef{ID: roomID, Reclaimable: true})
	r.notifyLocked(roomID, state)
}

// PruneRetired forgets rooms retired before cutoff and returns how many were
// dropped. Joins to a pruned room id are no longer rejected.
func (r *Registry) PruneRetired(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for roomID, retiredAt := range r.retired {
		if retiredAt.Before(cutoff) {
			delete(r.retired, roomID)
			pruned++
		}
	}
	return pruned
}

// RetiredCount returns the number of retired rooms still remembered.
func (r *Registry) RetiredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.retired)
}

// MembersOf returns the distinct user ids joined to the room, sorted.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := r.rooms[roomID]
	if state == nil {
		return []string{}
	}
	members := make([]string, 0, len(state.members))
	for userID := range state.members {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members
}

// MemberCount returns the number of distinct users joined to the room.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if state := r.rooms[roomID]; state != nil {
		return len(state.members)
	}
	return 0
}

// IsMember reports whether the connection is joined to the room.
func (r *Registry) IsMember(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.conns[connID]
	if !exists {
		return false
	}
	_, joined := entry.rooms[roomID]
	return joined
}

// IsUserOnline reports whether the user holds at least one live connection.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionsOf returns every live connection of the user.
func (r *Registry) ConnectionsOf(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userConns := r.users[userID]
	conns := make([]Conn, 0, len(userConns))
	for _, entry := range userConns {
		conns = append(conns, entry.conn)
	}
	return conns
}

// ConnectionsIn returns every connection joined to the room.
func (r *Registry) ConnectionsIn(roomID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectionsInLocked(roomID)
}

// Broadcast delivers the event to every connection in the room except
// excludeConnID and returns the number of accepted deliveries.
func (r *Registry) Broadcast(roomID string, event Event, excludeConnID string) int {
	return deliverAll(r.ConnectionsIn(roomID), event, excludeConnID)
}

// SendToUser delivers the event to every live connection of the user.
func (r *Registry) SendToUser(userID string, event Event) int {
	return deliverAll(r.ConnectionsOf(userID), event, "")
}

// BroadcastAll delivers the event to every live connection.
func (r *Registry) BroadcastAll(event Event) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, entry := range r.conns {
		conns = append(conns, entry.conn)
	}
	r.mu.RUnlock()
	return deliverAll(conns, event, "")
}

// Stats summarises registry occupancy.
type Stats struct {
	Connections int
	Users       int
	Rooms       int
}

// Stats returns current registry occupancy.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.conns), Users: len(r.users), Rooms: len(r.rooms)}
}

func (r *Registry) ensureRoomLocked(room RoomRef) *roomState {
	state := r.rooms[room.ID]
	if state == nil {
		state = &roomState{members: make(map[string]int)}
		r.rooms[room.ID] = state
	}
	if room.Reclaimable {
		state.reclaimable = true
	}
	return state
}

// removeLocked drops roomID from entry and reports whether the user left the member set.
func (r *Registry) removeLocked(entry *connEntry, roomID string) bool {
	delete(entry.rooms, roomID)
	state := r.rooms[roomID]
	if state == nil {
		return false
	}
	userRemoved := false
	state.members[entry.userID]--
	if state.members[entry.userID] <= 0 {
		delete(state.members, entry.userID)
		userRemoved = true
	}
	if len(state.members) == 0 && !state.reclaimable {
		delete(r.rooms, roomID)
		return userRemoved
	}
	r.notifyLocked(roomID, state)
	return userRemoved
}

func (r *Registry) notifyLocked(roomID string, state *roomState) {
	if r.observer == nil || !state.reclaimable {
		return
	}
	r.observer.RoomMembershipChanged(roomID, len(state.members))
}

func (r *Registry) connectionsInLocked(roomID string) []Conn {
	state := r.rooms[roomID]
	if state == nil {
		return nil
	}
	var conns []Conn
	for userID := range state.members {
		for _, entry := range r.users[userID] {
			if _, joined := entry.rooms[roomID]; joined {
				conns = append(conns, entry.conn)
			}
		}
	}
	return conns
}

func deliverAll(conns []Conn, event Event, excludeConnID string) int {
	delivered := 0
	for _, conn := range conns {
		if excludeConnID != "" && conn.ID() == excludeConnID {
			continue
		}
		if conn.Deliver(event) {
			delivered++
		}
	}
	return delivered
}
