// Package keylock provides a fixed set of mutexes addressed by string key.
package keylock

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 64

// Striped serializes work per key. Distinct keys may share a stripe.
type Striped struct {
	stripes []sync.Mutex
}

// New returns a Striped lock with n stripes (64 when n <= 0).
func New(n int) *Striped {
	if n <= 0 {
		n = defaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key and returns its release func.
func (s *Striped) Lock(key string) func() {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	stripe := &s.stripes[hasher.Sum32()%uint32(len(s.stripes))]
	stripe.Lock()
	return stripe.Unlock
}

// Keyed holds one mutex per key in use. An entry is dropped once no holder
// or waiter remains, so distinct keys never contend.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed returns an empty Keyed lock.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its release func.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	entry := k.entries[key]
	if entry == nil {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// Len reports the number of keys currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
