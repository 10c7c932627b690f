package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorryhyun/DiPeO-sub017/store"
)

func TestCreateAndGet(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	state, err := m.CreateExecution(ctx, "exec-1", "diag-1", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, store.StatusStarted, state.Status)
	assert.True(t, state.IsActive())

	loaded, err := m.GetState(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "diag-1", loaded.DiagramID)
	assert.Equal(t, 1, loaded.Variables["x"])

	_, err = m.GetState(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrExecutionNotFound))
}

func TestCreateDuplicateFails(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, err := m.CreateExecution(ctx, "exec-1", "", nil)
	require.NoError(t, err)
	_, err = m.CreateExecution(ctx, "exec-1", "", nil)

	var serr *store.StorageError
	assert.True(t, errors.As(err, &serr))
}

func TestSnapshotIsolation(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, err := m.CreateExecution(ctx, "exec-1", "", map[string]any{"k": "v"})
	require.NoError(t, err)

	snap, err := m.GetState(ctx, "exec-1")
	require.NoError(t, err)
	snap.Variables["k"] = "mutated"
	snap.Status = store.StatusFailed

	fresh, err := m.GetState(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "v", fresh.Variables["k"])
	assert.Equal(t, store.StatusStarted, fresh.Status)
}

func TestUpdateStatusTerminalSetsEndedAt(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_, err := m.CreateExecution(ctx, "exec-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.UpdateStatus(ctx, "exec-1", store.StatusRunning, ""))
	state, _ := m.GetState(ctx, "exec-1")
	assert.Nil(t, state.EndedAt)

	require.NoError(t, m.UpdateStatus(ctx, "exec-1", store.StatusFailed, "boom"))
	state, _ = m.GetState(ctx, "exec-1")
	require.NotNil(t, state.EndedAt)
	assert.Equal(t, "boom", state.Error)
	assert.False(t, state.IsActive())
}

func TestNodeTransitions(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_, err := m.CreateExecution(ctx, "exec-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.UpdateNodeStatus(ctx, "exec-1", "a", store.NodeRunning, nil, "", ""))
	state, _ := m.GetState(ctx, "exec-1")
	ns := state.NodeStates["a"]
	require.NotNil(t, ns)
	assert.Equal(t, store.NodeRunning, ns.Status)
	require.NotNil(t, ns.StartedAt)
	firstStart := *ns.StartedAt

	out := &store.NodeOutput{
		Value: map[string]any{"x": 1},
		Metadata: map[string]any{
			"tokenUsage": store.TokenUsage{Input: 10, Output: 5, Total: 15},
		},
	}
	require.NoError(t, m.UpdateNodeStatus(ctx, "exec-1", "a", store.NodeCompleted, out, "", ""))

	state, _ = m.GetState(ctx, "exec-1")
	ns = state.NodeStates["a"]
	assert.Equal(t, store.NodeCompleted, ns.Status)
	require.NotNil(t, ns.EndedAt)
	assert.Equal(t, firstStart, *ns.StartedAt)
	require.NotNil(t, ns.TokenUsage)
	assert.Equal(t, 15, ns.TokenUsage.Total)
	assert.Equal(t, 15, state.TokenUsage.Total)
	assert.Equal(t, map[string]any{"x": 1}, state.NodeOutputs["a"].Value)
}

func TestNodeSkipRecordsReason(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_, err := m.CreateExecution(ctx, "exec-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.UpdateNodeStatus(ctx, "exec-1", "c", store.NodeSkipped, nil, "", store.SkipConditionNotMet))
	state, _ := m.GetState(ctx, "exec-1")
	assert.Equal(t, store.SkipConditionNotMet, state.NodeStates["c"].SkipReason)
	require.NotNil(t, state.NodeStates["c"].EndedAt)
}

func TestIterativeNodeAccumulatesTokens(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_, err := m.CreateExecution(ctx, "exec-1", "", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.UpdateNodeStatus(ctx, "exec-1", "p", store.NodeRunning, nil, "", ""))
		out := &store.NodeOutput{
			Value:    i,
			Metadata: map[string]any{"tokenUsage": map[string]any{"input": 2, "output": 3}},
		}
		require.NoError(t, m.UpdateNodeStatus(ctx, "exec-1", "p", store.NodeCompleted, out, "", ""))
	}

	state, _ := m.GetState(ctx, "exec-1")
	assert.Equal(t, 15, state.NodeStates["p"].TokenUsage.Total)
	assert.Equal(t, 15, state.TokenUsage.Total)
	// Latest output wins; history is not retained.
	assert.Equal(t, 2, state.NodeOutputs["p"].Value)
}

func TestUpdateVariablesShallowMerge(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_, err := m.CreateExecution(ctx, "exec-1", "", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)

	require.NoError(t, m.UpdateVariables(ctx, "exec-1", map[string]any{"b": 20, "c": 30}))
	state, _ := m.GetState(ctx, "exec-1")
	assert.Equal(t, 1, state.Variables["a"])
	assert.Equal(t, 20, state.Variables["b"])
	assert.Equal(t, 30, state.Variables["c"])
}

func TestAddTokenUsage(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_, err := m.CreateExecution(ctx, "exec-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.AddTokenUsage(ctx, "exec-1", store.TokenUsage{Input: 1, Output: 2, Total: 3}))
	require.NoError(t, m.AddTokenUsage(ctx, "exec-1", store.TokenUsage{Input: 10, Output: 20, Total: 30}))
	state, _ := m.GetState(ctx, "exec-1")
	assert.Equal(t, store.TokenUsage{Input: 11, Output: 22, Total: 33}, state.TokenUsage)
}

func TestListExecutionsNewestFirst(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		state := &store.ExecutionState{
			ID:          fmt.Sprintf("exec-%d", i),
			Status:      store.StatusCompleted,
			StartedAt:   time.Now().UTC().Add(time.Duration(i) * time.Minute),
			NodeStates:  map[string]*store.NodeState{},
			NodeOutputs: map[string]*store.NodeOutput{},
		}
		require.NoError(t, m.SaveState(ctx, state))
	}

	summaries, err := m.ListExecutions(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, "exec-4", summaries[0].ID)
	assert.Equal(t, "exec-2", summaries[2].ID)

	page2, err := m.ListExecutions(ctx, 3, 3)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "exec-1", page2[0].ID)

	empty, err := m.ListExecutions(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCleanupOldStates(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	old := &store.ExecutionState{
		ID:          "old",
		Status:      store.StatusCompleted,
		StartedAt:   time.Now().UTC().AddDate(0, 0, -10),
		NodeStates:  map[string]*store.NodeState{},
		NodeOutputs: map[string]*store.NodeOutput{},
	}
	require.NoError(t, m.SaveState(ctx, old))
	_, err := m.CreateExecution(ctx, "fresh", "", nil)
	require.NoError(t, err)

	removed, err := m.CleanupOldStates(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.GetState(ctx, "old")
	assert.True(t, errors.Is(err, store.ErrExecutionNotFound))
	_, err = m.GetState(ctx, "fresh")
	assert.NoError(t, err)
}

func TestConcurrentNodeUpdates(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_, err := m.CreateExecution(ctx, "exec-1", "", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			nodeID := fmt.Sprintf("n%d", n)
			_ = m.UpdateNodeStatus(ctx, "exec-1", nodeID, store.NodeRunning, nil, "", "")
			_ = m.UpdateNodeStatus(ctx, "exec-1", nodeID, store.NodeCompleted, &store.NodeOutput{Value: n}, "", "")
			_ = m.AddTokenUsage(ctx, "exec-1", store.TokenUsage{Total: 1})
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	state, _ := m.GetState(ctx, "exec-1")
	assert.Len(t, state.NodeStates, 10)
	assert.Equal(t, 10, state.TokenUsage.Total)
}
