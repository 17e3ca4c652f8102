package market

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
)

// MemoryStore keeps all market state in process memory, mainly for tests.
type MemoryStore struct {
	mu           sync.RWMutex
	requests     map[uint64]*Record
	secrets      map[uint64]string
	earnings     map[uint64]map[Role]Earning
	registration *Registration
	cursors      map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[uint64]*Record),
		secrets:  make(map[uint64]string),
		earnings: make(map[uint64]map[Role]Earning),
		cursors:  make(map[string]string),
	}
}

// UpsertRequest implements Store.
func (m *MemoryStore) UpsertRequest(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record must not be nil")
	}
	if !IsValidStatus(record.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "unsupported request status")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	clone := cloneRecord(record)
	if existing, ok := m.requests[record.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.requests[record.ID] = clone
	return nil
}

// GetRequest implements Store.
func (m *MemoryStore) GetRequest(_ context.Context, id uint64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return cloneRecord(record), nil
}

// ListRequests implements Store.
func (m *MemoryStore) ListRequests(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	opts.applyDefaults()

	results := make([]*Record, 0, len(m.requests))
	for _, record := range m.requests {
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, cloneRecord(record))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].ID < results[j].ID
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// PutSecret implements Store.
func (m *MemoryStore) PutSecret(_ context.Context, id uint64, secretHex string) error {
	if secretHex == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "secret must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[id] = secretHex
	return nil
}

// GetSecret implements Store.
func (m *MemoryStore) GetSecret(_ context.Context, id uint64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[id]
	if !ok {
		return "", ErrSecretNotFound
	}
	return secret, nil
}

// DeleteSecret implements Store.
func (m *MemoryStore) DeleteSecret(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, id)
	return nil
}

// AppendEarning implements Store.
func (m *MemoryStore) AppendEarning(_ context.Context, earning Earning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRole, ok := m.earnings[earning.RequestID]
	if !ok {
		byRole = make(map[Role]Earning)
		m.earnings[earning.RequestID] = byRole
	}
	if _, exists := byRole[earning.Role]; exists {
		return nil
	}
	if earning.SettledAt == 0 {
		earning.SettledAt = time.Now().Unix()
	}
	byRole[earning.Role] = earning
	return nil
}

// ListEarnings implements Store.
func (m *MemoryStore) ListEarnings(_ context.Context) ([]Earning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []Earning
	for _, byRole := range m.earnings {
		for _, earning := range byRole {
			results = append(results, earning)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].RequestID == results[j].RequestID {
			return results[i].Role < results[j].Role
		}
		return results[i].RequestID < results[j].RequestID
	})
	return results, nil
}

// GetRegistration implements Store.
func (m *MemoryStore) GetRegistration(_ context.Context) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.registration == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "no registration recorded")
	}
	clone := *m.registration
	return &clone, nil
}

// PutRegistration implements Store.
func (m *MemoryStore) PutRegistration(_ context.Context, registration *Registration) error {
	if registration == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "registration must not be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *registration
	m.registration = &clone
	return nil
}

// GetCursor implements Store.
func (m *MemoryStore) GetCursor(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[name], nil
}

// PutCursor implements Store.
func (m *MemoryStore) PutCursor(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = value
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
