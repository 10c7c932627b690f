// Package memory provides an in-memory Store, used for tests and for
// embedders that do not need state to survive the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sorryhyun/DiPeO-sub017/store"
)

// MemoryStore implements store.Store with a map guarded by per-execution
// locks. Reads return snapshots; callers never observe partial mutations.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*store.ExecutionState
	locks  map[string]*sync.Mutex
}

var _ store.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*store.ExecutionState),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// CreateExecution registers a new execution in STARTED status.
func (m *MemoryStore) CreateExecution(_ context.Context, id, diagramID string, variables map[string]any) (*store.ExecutionState, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.states[id]; exists {
		return nil, &store.StorageError{Op: "create", Err: fmt.Errorf("execution %s already exists", id)}
	}

	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	state := &store.ExecutionState{
		ID:          id,
		Status:      store.StatusStarted,
		DiagramID:   diagramID,
		StartedAt:   time.Now().UTC(),
		NodeStates:  make(map[string]*store.NodeState),
		NodeOutputs: make(map[string]*store.NodeOutput),
		Variables:   vars,
	}
	m.states[id] = state
	return state.Clone(), nil
}

// GetState returns a snapshot of the execution.
func (m *MemoryStore) GetState(_ context.Context, id string) (*store.ExecutionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[id]
	if !ok {
		return nil, store.ErrExecutionNotFound
	}
	return state.Clone(), nil
}

// SaveState upserts the full execution state.
func (m *MemoryStore) SaveState(_ context.Context, state *store.ExecutionState) error {
	lock := m.lockFor(state.ID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ID] = state.Clone()
	return nil
}

func (m *MemoryStore) mutate(id string, fn func(state *store.ExecutionState) error) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return store.ErrExecutionNotFound
	}
	return fn(state)
}

// UpdateStatus transitions the execution status.
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status store.Status, execErr string) error {
	return m.mutate(id, func(state *store.ExecutionState) error {
		state.Status = status
		if execErr != "" {
			state.Error = execErr
		}
		if status.Terminal() {
			t := time.Now().UTC()
			state.EndedAt = &t
		}
		return nil
	})
}

// UpdateNodeStatus transitions one node within the execution.
func (m *MemoryStore) UpdateNodeStatus(_ context.Context, id, nodeID string, status store.NodeStatus, output *store.NodeOutput, nodeErr string, reason store.SkipReason) error {
	return m.mutate(id, func(state *store.ExecutionState) error {
		store.ApplyNodeTransition(state, nodeID, status, output, nodeErr, reason, time.Now().UTC())
		return nil
	})
}

// UpdateVariables shallow-merges patch into the execution variables.
func (m *MemoryStore) UpdateVariables(_ context.Context, id string, patch map[string]any) error {
	return m.mutate(id, func(state *store.ExecutionState) error {
		if state.Variables == nil {
			state.Variables = make(map[string]any, len(patch))
		}
		for k, v := range patch {
			state.Variables[k] = v
		}
		return nil
	})
}

// AddTokenUsage accumulates delta into the execution totals.
func (m *MemoryStore) AddTokenUsage(_ context.Context, id string, delta store.TokenUsage) error {
	return m.mutate(id, func(state *store.ExecutionState) error {
		state.TokenUsage.Add(delta)
		return nil
	})
}

// ListExecutions returns summaries, newest first.
func (m *MemoryStore) ListExecutions(_ context.Context, limit, offset int) ([]store.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*store.ExecutionState, 0, len(m.states))
	for _, s := range m.states {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].ID > all[j].ID
	})

	if offset >= len(all) {
		return []store.Summary{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	summaries := make([]store.Summary, 0, len(all))
	for _, s := range all {
		summaries = append(summaries, store.Summary{
			ID:        s.ID,
			Status:    s.Status,
			DiagramID: s.DiagramID,
			StartedAt: s.StartedAt,
			EndedAt:   s.EndedAt,
			Error:     s.Error,
		})
	}
	return summaries, nil
}

// CleanupOldStates deletes executions started more than days ago.
func (m *MemoryStore) CleanupOldStates(_ context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.states {
		if s.StartedAt.Before(cutoff) {
			delete(m.states, id)
			delete(m.locks, id)
			removed++
		}
	}
	return removed, nil
}

// Close releases all state.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*store.ExecutionState)
	m.locks = make(map[string]*sync.Mutex)
	return nil
}
