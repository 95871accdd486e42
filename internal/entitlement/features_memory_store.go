package entitlement

import (
	"context"
	"sync"

	"github.com/halcyonchat/halcyon/internal/user"
)

// MemoryFeatureStore is an in-memory feature store for demo/development.
type MemoryFeatureStore struct {
	mu   sync.RWMutex
	rows map[user.Tier]*Features
}

// NewMemoryFeatureStore creates an empty in-memory feature store.
func NewMemoryFeatureStore() *MemoryFeatureStore {
	return &MemoryFeatureStore{rows: make(map[user.Tier]*Features)}
}

// NewSeededMemoryFeatureStore creates a feature store pre-populated with the
// default catalogue.
func NewSeededMemoryFeatureStore() *MemoryFeatureStore {
	s := NewMemoryFeatureStore()
	for tier, f := range Defaults {
		cp := f
		s.rows[tier] = &cp
	}
	return s
}

func (m *MemoryFeatureStore) GetFeatures(_ context.Context, tier user.Tier) (*Features, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.rows[tier]
	if !ok {
		return nil, ErrConfigMissing
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryFeatureStore) PutFeatures(_ context.Context, f *Features) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *f
	m.rows[f.Tier] = &cp
	return nil
}

var _ FeatureStore = (*MemoryFeatureStore)(nil)
