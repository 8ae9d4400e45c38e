// Package replay tracks consumed request nonces per agent connection so a
// captured signed request cannot be resubmitted inside its validity window.
package replay

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTL is how long a consumed nonce stays claimed. It matches the
	// default timestamp skew window but the two are configured independently.
	DefaultTTL = time.Minute

	maxTTL          = 10 * time.Minute
	defaultCapacity = 4096
	maxCapacity     = 65536
)

// Guard is the replay-protection contract. Seen is a read-only lookup used
// before signature verification; Commit is the atomic claim recorded after
// the signature passes. Commit returns false when the pair is already
// claimed and unexpired, without extending the existing claim.
type Guard interface {
	Seen(ctx context.Context, connectionID uuid.UUID, nonce string, now time.Time) (bool, error)
	Commit(ctx context.Context, connectionID uuid.UUID, nonce string, now time.Time) (bool, error)
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl
}

// MemoryStore is an in-process Guard for unit tests and single-instance
// deployments. Entries are held in insertion order so expiry eviction and
// capacity eviction both walk from the front.
type MemoryStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type memoryEntry struct {
	key       string
	expiresAt time.Time
}

// NewMemoryStore builds a MemoryStore with the given TTL and capacity,
// clamping both to hard maxima.
func NewMemoryStore(ttl time.Duration, capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if capacity > maxCapacity {
		capacity = maxCapacity
	}
	return &MemoryStore{
		ttl:      clampTTL(ttl),
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func memoryKey(connectionID uuid.UUID, nonce string) string {
	return connectionID.String() + "|" + nonce
}

// Seen reports whether the pair is claimed and unexpired. Expired entries
// are evicted opportunistically on every call.
func (m *MemoryStore) Seen(_ context.Context, connectionID uuid.UUID, nonce string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(now)
	_, exists := m.entries[memoryKey(connectionID, nonce)]
	return exists, nil
}

// Commit claims the pair, returning false if it is already claimed and
// unexpired. The existing claim's expiry is never extended on a replay. At
// capacity the oldest claim is evicted even when unexpired, which reopens
// that nonce's replay window; capacity must exceed the claims expected
// within one TTL.
func (m *MemoryStore) Commit(_ context.Context, connectionID uuid.UUID, nonce string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(now)
	key := memoryKey(connectionID, nonce)
	if _, exists := m.entries[key]; exists {
		return false, nil
	}
	for m.capacity > 0 && m.order.Len() >= m.capacity {
		m.evictFront()
	}
	elem := m.order.PushBack(memoryEntry{key: key, expiresAt: now.Add(m.ttl)})
	m.entries[key] = elem
	return true, nil
}

func (m *MemoryStore) evictExpired(now time.Time) {
	for {
		front := m.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(memoryEntry)
		if entry.expiresAt.After(now) {
			return
		}
		m.order.Remove(front)
		delete(m.entries, entry.key)
	}
}

func (m *MemoryStore) evictFront() {
	front := m.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(memoryEntry)
	m.order.Remove(front)
	delete(m.entries, entry.key)
}
