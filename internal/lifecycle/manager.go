// Package lifecycle retires empty community rooms after a grace period.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/rooms"
	"go.uber.org/zap"
)

const (
	DefaultGracePeriod   = 60 * time.Minute
	DefaultSweepInterval = 30 * time.Minute

	deleteTimeout      = 10 * time.Second
	operationTimerFire = "lifecycle.timer_fire"
	operationSweep     = "lifecycle.sweep"
	operationRestore   = "lifecycle.restore"
	retirePathTimer    = "timer"
	retirePathSweep    = "sweep"
)

// RoomStore deletes and enumerates reclaimable rooms.
type RoomStore interface {
	DeleteChannel(ctx context.Context, channelID string) (bool, error)
	ListIdleChannels(ctx context.Context, cutoff time.Time) ([]rooms.Channel, error)
	ListReclaimableChannels(ctx context.Context) ([]rooms.Channel, error)
}

// Registry is the slice of the presence registry the manager drives.
type Registry interface {
	SetObserver(observer presence.RoomObserver)
	TrackRoom(roomID string)
	RetireIfEmpty(roomID string, confirm func() bool) bool
	ReopenRoom(roomID string)
	PruneRetired(cutoff time.Time) int
	BroadcastAll(event presence.Event) int
}

// Timer is a cancelable pending callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Config wires the manager.
type Config struct {
	Store         RoomStore
	Registry      Registry
	GracePeriod   time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	AfterFunc     AfterFunc
	Logger        *zap.Logger
}

// DeletedPayload is broadcast when a room is retired.
type DeletedPayload struct {
	ChannelID string `json:"channelId"`
}

type armedTimer struct {
	timer      Timer
	generation uint64
	deadline   time.Time
}

// Manager keeps at most one deletion timer per empty reclaimable room and runs
// a periodic sweep for rooms whose timers were lost.
type Manager struct {
	store         RoomStore
	registry      Registry
	gracePeriod   time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	afterFunc     AfterFunc
	logger        *zap.Logger

	mu         sync.Mutex
	timers     map[string]*armedTimer
	generation uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager constructs a Manager and installs it as the registry's room observer.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("lifecycle: room store required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("lifecycle: registry required")
	}
	gracePeriod := cfg.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{
		store:         cfg.Store,
		registry:      cfg.Registry,
		gracePeriod:   gracePeriod,
		sweepInterval: sweepInterval,
		clock:         clock,
		afterFunc:     afterFunc,
		logger:        logger,
		timers:        make(map[string]*armedTimer),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	cfg.Registry.SetObserver(manager)
	return manager, nil
}

// RoomMembershipChanged arms a timer when the room becomes empty and cancels
// it when the room gains a member. The registry calls it under its own lock.
func (m *Manager) RoomMembershipChanged(roomID string, members int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.timers[roomID]
	if members > 0 {
		if existing != nil {
			existing.timer.Stop()
			delete(m.timers, roomID)
			metrics.ChannelTimersArmed.Dec()
		}
		return
	}
	if existing != nil {
		return
	}
	m.generation++
	generation := m.generation
	m.timers[roomID] = &armedTimer{
		timer:      m.afterFunc(m.gracePeriod, func() { m.fire(roomID, generation) }),
		generation: generation,
		deadline:   m.clock().Add(m.gracePeriod),
	}
	metrics.ChannelTimersArmed.Inc()
}

// Deadline reports when the room's armed timer fires.
func (m *Manager) Deadline(roomID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	armed := m.timers[roomID]
	if armed == nil {
		return time.Time{}, false
	}
	return armed.deadline, true
}

// ArmedTimers returns the number of live timers.
func (m *Manager) ArmedTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manager) fire(roomID string, generation uint64) {
	retired := m.registry.RetireIfEmpty(roomID, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		armed := m.timers[roomID]
		if armed == nil || armed.generation != generation {
			return false
		}
		delete(m.timers, roomID)
		metrics.ChannelTimersArmed.Dec()
		return true
	})
	if !retired {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	m.deleteRetired(ctx, roomID, retirePathTimer, operationTimerFire)
}

// Sweep deletes every eligible room that is idle past the grace period and
// currently empty. It returns the number of rooms deleted.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.clock().Add(-m.gracePeriod)
	idle, err := m.store.ListIdleChannels(ctx, cutoff)
	if err != nil {
		m.logError(operationSweep, "list_failed", err)
		return 0, err
	}
	deletedCount := 0
	for _, channel := range idle {
		if channel.IsDefault {
			continue
		}
		retired := m.registry.RetireIfEmpty(channel.ID, func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			if armed := m.timers[channel.ID]; armed != nil {
				armed.timer.Stop()
				delete(m.timers, channel.ID)
				metrics.ChannelTimersArmed.Dec()
			}
			return true
		})
		if !retired {
			continue
		}
		if m.deleteRetired(ctx, channel.ID, retirePathSweep, operationSweep) {
			deletedCount++
		}
	}
	if deletedCount > 0 {
		m.logger.Info("idle rooms swept", zap.Int("deleted", deletedCount))
	}
	if pruned := m.registry.PruneRetired(cutoff); pruned > 0 {
		m.logger.Debug("retired rooms forgotten", zap.Int("pruned", pruned))
	}
	return deletedCount, nil
}

// deleteRetired removes a room already retired in the registry. A failed
// delete reopens the room, which re-arms its timer.
func (m *Manager) deleteRetired(ctx context.Context, roomID, path, operation string) bool {
	deleted, err := m.store.DeleteChannel(ctx, roomID)
	if err != nil {
		m.logError(operation, "delete_failed", err, zap.String("room_id", roomID))
		m.registry.ReopenRoom(roomID)
		return false
	}
	if !deleted {
		return false
	}
	metrics.ChannelsRetired.WithLabelValues(path).Inc()
	m.registry.BroadcastAll(presence.Event{Name: presence.EventChannelDeleted, Data: DeletedPayload{ChannelID: roomID}})
	m.logger.Info("room retired", zap.String("room_id", roomID), zap.String("path", path))
	return true
}

// Restore tracks every surviving reclaimable room so empty ones get a timer.
func (m *Manager) Restore(ctx context.Context) error {
	channels, err := m.store.ListReclaimableChannels(ctx)
	if err != nil {
		m.logError(operationRestore, "list_failed", err)
		return err
	}
	for _, channel := range channels {
		m.registry.TrackRoom(channel.ID)
	}
	return nil
}

// Start sweeps once, restores timers, then sweeps every interval until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) {
	_, _ = m.Sweep(ctx)
	_ = m.Restore(ctx)
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			_, _ = m.Sweep(ctx)
		}
	}
}

// Stop halts the sweep loop and cancels every armed timer.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	for roomID, armed := range m.timers {
		armed.timer.Stop()
		delete(m.timers, roomID)
		metrics.ChannelTimersArmed.Dec()
	}
}

// Wait blocks until the sweep loop started by Start has exited.
func (m *Manager) Wait() {
	<-m.done
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	if m.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	m.logger.Error("room lifecycle operation failed", allFields...)
}
