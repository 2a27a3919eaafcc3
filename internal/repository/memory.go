package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"scm-relay/internal/domain"
)

// MemoryDirectory is an in-process ContactDirectory for tests and local runs.
type MemoryDirectory struct {
	mu      sync.RWMutex
	records map[string]domain.ContactRecord
	now     func() time.Time
	// Fail, when set, is returned from every operation.
	Fail error
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		records: make(map[string]domain.ContactRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (m *MemoryDirectory) WithClock(now func() time.Time) *MemoryDirectory {
	m.now = now
	return m
}

func (m *MemoryDirectory) Upsert(_ context.Context, identity, displayName string, ref domain.ConversationReference, subscriptions []string) (domain.ContactRecord, error) {
	identity, err := validIdentity(identity)
	if err != nil {
		return domain.ContactRecord{}, err
	}
	if m.Fail != nil {
		return domain.ContactRecord{}, storageErr("upsert", m.Fail)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	registered := now
	if prev, ok := m.records[identity]; ok {
		registered = prev.RegisteredDate
	}
	rec := newRecord(identity, displayName, ref, subscriptions, registered, now)
	m.records[identity] = rec
	return rec, nil
}

func (m *MemoryDirectory) Get(_ context.Context, identity string) (domain.ContactRecord, bool, error) {
	if m.Fail != nil {
		return domain.ContactRecord{}, false, storageErr("get", m.Fail)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[identity]
	return rec, ok, nil
}

func (m *MemoryDirectory) FindByIdentities(_ context.Context, identities []string) ([]domain.ContactRecord, error) {
	if m.Fail != nil {
		return nil, storageErr("find by identities", m.Fail)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ContactRecord
	for _, id := range uniqueIdentities(identities) {
		if rec, ok := m.records[id]; ok {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryDirectory) FilterBySubscription(ctx context.Context, identities []string, tag string) ([]string, error) {
	found, err := m.FindByIdentities(ctx, identities)
	if err != nil {
		return nil, err
	}
	return notSubscribed(identities, found, tag), nil
}

func (m *MemoryDirectory) ListIdentities(_ context.Context) ([]string, error) {
	if m.Fail != nil {
		return nil, storageErr("list identities", m.Fail)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.records))
	for id := range m.records {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}
