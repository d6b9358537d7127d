package store

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// MemoryKV is an in-memory KV for tests and single-process runs.
// Expiry is evaluated lazily on access.
type MemoryKV struct {
	lock  sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

// get returns the live item for a key. The lock must be held.
func (m *MemoryKV) get(key string) (memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if item.expired(m.now()) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (m *MemoryKV) expiry(ttl time.Duration) time.Time {
	if ttl == 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	item, ok := m.get(key)
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}
	value := make([]byte, len(item.value))
	copy(value, item.value)
	return value, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.items[key] = memoryItem{
		value:     append([]byte(nil), value...),
		expiresAt: m.expiry(ttl),
	}
	return nil
}

func (m *MemoryKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.items[key] = memoryItem{
		value:     append([]byte(nil), value...),
		expiresAt: m.expiry(ttl),
	}
	return true, nil
}

func (m *MemoryKV) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	item, ok := m.get(key)
	if !ok || !bytes.Equal(item.value, old) {
		return false, nil
	}
	m.items[key] = memoryItem{
		value:     append([]byte(nil), new...),
		expiresAt: m.expiry(ttl),
	}
	return true, nil
}

func (m *MemoryKV) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	item, ok := m.get(key)
	if !ok || !bytes.Equal(item.value, old) {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.items, key)
	return nil
}

func (m *MemoryKV) Close() error {
	return nil
}
