package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Provider issues unique identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ULIDProvider issues lexically sortable identifiers. Identifiers minted within
// the same millisecond are strictly increasing.
type ULIDProvider struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	clock   func() time.Time
}

// NewULIDProvider constructs a monotonic ULID provider.
func NewULIDProvider(clock func() time.Time) *ULIDProvider {
	if clock == nil {
		clock = time.Now
	}
	return &ULIDProvider{
		entropy: ulid.Monotonic(rand.Reader, 0),
		clock:   clock,
	}
}

func (p *ULIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, err := ulid.New(ulid.Timestamp(p.clock()), p.entropy)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
