package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds the in-memory backend when no capacity is configured.
const DefaultCapacity = 10000

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryProvider is a bounded in-process LRU with per-entry expiry. Expired
// entries are evicted on access.
type MemoryProvider struct {
	// mu makes read-modify-write sequences (expiry eviction, sliding re-arm)
	// atomic with respect to Set.
	mu    sync.Mutex
	items *lru.Cache[string, memoryItem]
	Clock func() time.Time
}

// NewMemoryProvider creates an LRU backend holding at most capacity entries.
func NewMemoryProvider(capacity int) (*MemoryProvider, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	items, err := lru.New[string, memoryItem](capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &MemoryProvider{items: items}, nil
}

func (m *MemoryProvider) Name() string { return "memory" }

func (m *MemoryProvider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	if m.expired(item) {
		m.items.Remove(key)
		return nil, false, nil
	}
	return item.value, true, nil
}

func (m *MemoryProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items.Add(key, item)
	return nil
}

func (m *MemoryProvider) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items.Peek(key)
	if !ok || m.expired(item) {
		return nil
	}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	} else {
		item.expiresAt = time.Time{}
	}
	m.items.Add(key, item)
	return nil
}

func (m *MemoryProvider) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items.Peek(key)
	if !ok {
		return false, nil
	}
	m.items.Remove(key)
	return !m.expired(item), nil
}

func (m *MemoryProvider) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items.Purge()
	return nil
}

// Len counts live entries and drops expired ones it meets.
func (m *MemoryProvider) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := 0
	for _, key := range m.items.Keys() {
		item, ok := m.items.Peek(key)
		if !ok {
			continue
		}
		if m.expired(item) {
			m.items.Remove(key)
			continue
		}
		live++
	}
	return live, nil
}

func (m *MemoryProvider) expired(item memoryItem) bool {
	return !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt)
}

func (m *MemoryProvider) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}
