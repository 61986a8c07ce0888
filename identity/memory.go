package identity

import (
	"context"
	"sync"
)

// MemoryStore is an in-process [Store] for tests and examples.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Identity
	byEmail map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Identity),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryStore) FindByEmail(_ context.Context, email string) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return m.byID[id], nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.byID[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return ident, nil
}

func (m *MemoryStore) Create(_ context.Context, ident Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[ident.Email]; ok {
		return ErrExists
	}
	if _, ok := m.byID[ident.ID]; ok {
		return ErrExists
	}
	m.byID[ident.ID] = ident
	m.byEmail[ident.Email] = ident.ID
	return nil
}

func (m *MemoryStore) SetPasswordDigest(_ context.Context, id, digest string) error {
	return m.update(id, func(ident *Identity) { ident.PasswordDigest = digest })
}

func (m *MemoryStore) MarkEmailVerified(_ context.Context, id string) error {
	return m.update(id, func(ident *Identity) { ident.EmailVerified = true })
}

func (m *MemoryStore) LinkFederation(_ context.Context, id string, provider Provider) error {
	return m.update(id, func(ident *Identity) {
		ident.Provider = provider
		ident.EmailVerified = true
	})
}

func (m *MemoryStore) SetSecondFactorEnabled(_ context.Context, id string, enabled bool) error {
	return m.update(id, func(ident *Identity) { ident.SecondFactorEnabled = enabled })
}

// SetStatus changes the account status. It is not part of [Store]; status is
// owned by the account administration layer.
func (m *MemoryStore) SetStatus(id string, status Status) error {
	return m.update(id, func(ident *Identity) { ident.Status = status })
}

// Len returns the number of stored identities.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *MemoryStore) update(id string, fn func(*Identity)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(&ident)
	m.byID[id] = ident
	return nil
}
