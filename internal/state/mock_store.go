package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/expensync/internal/models"
)

type mockTarget struct {
	lastFullSync time.Time
	states       map[string]*models.SyncState
	log          map[string][]models.LogEntry
}

// MockStore provides an in-memory implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	targets map[string]*mockTarget

	// SaveErr, when set, fails every Save.
	SaveErr error
}

// NewMockStore creates a mock state store.
func NewMockStore() *MockStore {
	return &MockStore{
		targets: make(map[string]*mockTarget),
	}
}

func (m *MockStore) target(name string) *mockTarget {
	t, ok := m.targets[name]
	if !ok {
		t = &mockTarget{
			states: make(map[string]*models.SyncState),
			log:    make(map[string][]models.LogEntry),
		}
		m.targets[name] = t
	}
	return t
}

// LoadMetadata returns copies of all states of a target.
func (m *MockStore) LoadMetadata(ctx context.Context, target string) (*models.SyncMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.targets[target]
	if !ok {
		return nil, ErrStateNotFound
	}

	meta := models.NewSyncMetadata(target)
	meta.LastFullSync = t.lastFullSync
	for _, st := range t.states {
		copy := *st
		meta.States = append(meta.States, &copy)
	}
	meta.SortStates()
	return meta, nil
}

// Get returns a copy of one state.
func (m *MockStore) Get(ctx context.Context, target, expenseID string) (*models.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t, ok := m.targets[target]; ok {
		if st, ok := t.states[expenseID]; ok {
			copy := *st
			return &copy, nil
		}
	}
	return nil, ErrStateNotFound
}

// Save stores copies of states and extends their logs.
func (m *MockStore) Save(ctx context.Context, target string, states ...*models.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}

	t := m.target(target)
	now := time.Now().UTC()
	for _, st := range states {
		action := models.ActionCreate
		if _, ok := t.states[st.ExpenseID]; ok {
			action = models.ActionUpdate
		}

		entry := nextEntry(lastEntry(t.log[st.ExpenseID]), target, st.ExpenseID, action, st.ContentHash, now)
		t.log[st.ExpenseID] = append(t.log[st.ExpenseID], entry)

		st.Target = target
		st.ChainHash = entry.ChainHash
		if st.LastSynced.IsZero() {
			st.LastSynced = now
		}
		copy := *st
		t.states[st.ExpenseID] = &copy
	}
	return nil
}

// Delete removes states and logs the deletion.
func (m *MockStore) Delete(ctx context.Context, target string, expenseIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.targets[target]
	if !ok {
		return nil
	}

	now := time.Now().UTC()
	for _, id := range expenseIDs {
		st, ok := t.states[id]
		if !ok {
			continue
		}
		entry := nextEntry(lastEntry(t.log[id]), target, id, models.ActionDelete, st.ContentHash, now)
		t.log[id] = append(t.log[id], entry)
		delete(t.states, id)
	}
	return nil
}

// MarkFullSync records the last clean run.
func (m *MockStore) MarkFullSync(ctx context.Context, target string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.target(target).lastFullSync = at
	return nil
}

// Reset removes all state for a target.
func (m *MockStore) Reset(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.targets, target)
	return nil
}

// Targets returns all known targets.
func (m *MockStore) Targets(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targets := make([]string, 0, len(m.targets))
	for name := range m.targets {
		targets = append(targets, name)
	}
	sort.Strings(targets)
	return targets, nil
}

// History returns a copy of one expense's log.
func (m *MockStore) History(ctx context.Context, target, expenseID string) ([]models.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.targets[target]
	if !ok {
		return nil, nil
	}
	return append([]models.LogEntry(nil), t.log[expenseID]...), nil
}

// VerifyChain recomputes one expense's log.
func (m *MockStore) VerifyChain(ctx context.Context, target, expenseID string) error {
	entries, _ := m.History(ctx, target, expenseID)
	current, err := m.Get(ctx, target, expenseID)
	if err != nil {
		current = nil
	}
	return verifyEntries(target, expenseID, entries, current)
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func lastEntry(entries []models.LogEntry) *models.LogEntry {
	if len(entries) == 0 {
		return nil
	}
	return &entries[len(entries)-1]
}
