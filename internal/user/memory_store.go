package user

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory user store for demo/development. The mutex
// stands in for the database's statement-level atomicity, so the conditional
// operations keep the same semantics under concurrent access.
type MemoryStore struct {
	mu     sync.Mutex
	users  map[string]*User
	teams  map[string]*Team
	emails map[string]string // email → ID
}

// NewMemoryStore creates a new in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*User),
		teams:  make(map[string]*Team),
		emails: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[u.ID]; exists {
		return ErrExists
	}
	if _, exists := m.emails[u.Email]; exists {
		return ErrExists
	}
	cp := *u
	m.users[u.ID] = &cp
	m.emails[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByStripeCustomer(_ context.Context, customerID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.StripeCustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	cp := *u
	cp.UpdatedAt = time.Now()
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateTeam(_ context.Context, t *Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.teams[t.ID]; exists {
		return ErrExists
	}
	cp := *t
	m.teams[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTeam(_ context.Context, id string) (*Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.teams[id]
	if !ok {
		return nil, ErrTeamNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ConsumeFreeMessage(_ context.Context, id string, allowance int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return false, nil
	}
	if u.MessagesUsed >= allowance {
		return false, nil
	}
	u.MessagesUsed++
	u.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) DeductCredits(_ context.Context, id string, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok || u.CreditsBalance < amount {
		return false, nil
	}
	u.CreditsBalance -= amount
	u.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) DeductTeamCredits(_ context.Context, teamID string, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.teams[teamID]
	if !ok || t.PooledCredits < amount {
		return false, nil
	}
	t.PooledCredits -= amount
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) AddCredits(_ context.Context, id string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.CreditsBalance += amount
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AddTeamCredits(_ context.Context, teamID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.teams[teamID]
	if !ok {
		return ErrTeamNotFound
	}
	t.PooledCredits += amount
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ResetIfDue(_ context.Context, id string, monthStart time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return false, nil
	}
	if !u.MessagesResetAt.Before(monthStart) {
		return false, nil
	}
	u.MessagesUsed = 0
	u.MessagesResetAt = monthStart
	u.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ResetAllDue(_ context.Context, monthStart time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, u := range m.users {
		if u.MessagesResetAt.Before(monthStart) {
			u.MessagesUsed = 0
			u.MessagesResetAt = monthStart
			u.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) SetSubscription(_ context.Context, id string, tier Tier, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Tier = tier
	u.Status = status
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetOverride(_ context.Context, id string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.AccessOverride = true
	u.OverrideExpiresAt = expiresAt
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ClearOverride(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.AccessOverride = false
	u.OverrideExpiresAt = nil
	u.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
