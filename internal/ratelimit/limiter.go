package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultLimit  = 30
	DefaultWindow = time.Minute
)

// Config bounds message emission per user.
type Config struct {
	Limit  int
	Window time.Duration
	Clock  func() time.Time
}

type budget struct {
	count     int
	windowEnd time.Time
}

// Limiter is a per-user fixed window counter. Budgets reset lazily on the
// first call after their window ends and are never swept.
type Limiter struct {
	mu      sync.Mutex
	budgets map[string]*budget
	limit   int
	window  time.Duration
	clock   func() time.Time
}

// NewLimiter constructs a limiter, applying defaults for unset fields.
func NewLimiter(cfg Config) *Limiter {
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		budgets: make(map[string]*budget),
		limit:   limit,
		window:  window,
		clock:   clock,
	}
}

// Allow consumes one unit of the user's budget and reports whether it was available.
// A denied call leaves the budget untouched.
func (l *Limiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	current, exists := l.budgets[userID]
	if !exists || !now.Before(current.windowEnd) {
		l.budgets[userID] = &budget{count: 1, windowEnd: now.Add(l.window)}
		return true
	}
	if current.count >= l.limit {
		return false
	}
	current.count++
	return true
}

// Remaining reports how many sends the user has left in the current window.
func (l *Limiter) Remaining(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, exists := l.budgets[userID]
	if !exists || !l.clock().Before(current.windowEnd) {
		return l.limit
	}
	return l.limit - current.count
}
