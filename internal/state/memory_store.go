package state

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Handles created with Share see the same
// slots, and each handle's watchers are told about writes made through the
// other handles, the way one browser tab hears about another's storage writes.
type MemoryStore struct {
	backend *memoryBackend
}

type memoryBackend struct {
	mu          sync.RWMutex
	slots       map[string]string
	subscribers map[*MemoryStore][]chan Change
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		backend: &memoryBackend{
			slots:       make(map[string]string),
			subscribers: make(map[*MemoryStore][]chan Change),
		},
	}
}

// Share returns another handle onto the same slots.
func (m *MemoryStore) Share() *MemoryStore {
	return &MemoryStore{backend: m.backend}
}

// Get returns the value for key.
func (m *MemoryStore) Get(key string) (string, error) {
	m.backend.mu.RLock()
	defer m.backend.mu.RUnlock()

	value, ok := m.backend.slots[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// Set stores value under key.
func (m *MemoryStore) Set(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	m.backend.slots[key] = value
	m.notifyLocked(Change{Key: key})
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(key string) error {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	if _, ok := m.backend.slots[key]; !ok {
		return nil
	}
	delete(m.backend.slots, key)
	m.notifyLocked(Change{Key: key, Deleted: true})
	return nil
}

// Keys returns all keys in sorted order.
func (m *MemoryStore) Keys() ([]string, error) {
	m.backend.mu.RLock()
	defer m.backend.mu.RUnlock()

	keys := make([]string, 0, len(m.backend.slots))
	for k := range m.backend.slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch subscribes to writes made through other handles.
func (m *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 16)

	m.backend.mu.Lock()
	m.backend.subscribers[m] = append(m.backend.subscribers[m], ch)
	m.backend.mu.Unlock()

	go func() {
		<-ctx.Done()

		m.backend.mu.Lock()
		defer m.backend.mu.Unlock()

		subs := m.backend.subscribers[m]
		for i, c := range subs {
			if c == ch {
				m.backend.subscribers[m] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// Clear removes all slots without notifying watchers (test setup).
func (m *MemoryStore) Clear() {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	m.backend.slots = make(map[string]string)
}

// notifyLocked fans a change out without blocking; a full subscriber drops it.
func (m *MemoryStore) notifyLocked(change Change) {
	for handle, subs := range m.backend.subscribers {
		if handle == m {
			continue
		}
		for _, ch := range subs {
			select {
			case ch <- change:
			default:
			}
		}
	}
}
