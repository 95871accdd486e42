package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowKey struct {
	key         string
	route       string
	windowStart time.Time
}

// MemoryStore is an in-memory window store for development and testing.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[windowKey]*Window
}

// NewMemoryStore creates a new in-memory window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[windowKey]*Window)}
}

func (m *MemoryStore) Increment(_ context.Context, key, route string, windowStart, windowEnd time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := windowKey{key: key, route: route, windowStart: windowStart}
	w, ok := m.windows[k]
	if !ok {
		w = &Window{
			Key:         key,
			Route:       route,
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
			WindowMS:    window.Milliseconds(),
		}
		m.windows[k] = w
	}
	w.Count++
	return w.Count, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for k, w := range m.windows {
		if w.WindowEnd.Before(cutoff) {
			delete(m.windows, k)
			purged++
		}
	}
	return purged, nil
}

var _ Store = (*MemoryStore)(nil)
