// Package postgres provides a durable Store on PostgreSQL for deployments
// where executions must be shared across processes.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sorryhyun/DiPeO-sub017/store"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements store.Store using PostgreSQL with JSONB columns.
type PostgresStore struct {
	pool      DBPool
	tableName string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ store.Store = (*PostgresStore)(nil)

// PostgresOptions configuration for Postgres connection
type PostgresOptions struct {
	ConnString string
	TableName  string // Default "execution_states"
}

// NewPostgresStore creates a new Postgres execution store
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, &store.StorageError{Op: "open", Err: err}
	}

	s := NewPostgresStoreWithPool(pool, opts.TableName)
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithPool creates a new Postgres execution store with an
// existing pool. Useful for testing with mocks.
func NewPostgresStoreWithPool(pool DBPool, tableName string) *PostgresStore {
	if tableName == "" {
		tableName = "execution_states"
	}
	return &PostgresStore{
		pool:      pool,
		tableName: tableName,
		locks:     make(map[string]*sync.Mutex),
	}
}

// InitSchema creates the necessary table if it doesn't exist
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			execution_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			diagram_id TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			node_states JSONB NOT NULL,
			node_outputs JSONB NOT NULL,
			token_usage JSONB NOT NULL,
			variables JSONB NOT NULL,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status);
		CREATE INDEX IF NOT EXISTS idx_%s_started_at ON %s (started_at);
	`, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return &store.StorageError{Op: "init", Err: err}
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// CreateExecution registers a new execution in STARTED status.
func (s *PostgresStore) CreateExecution(ctx context.Context, id, diagramID string, variables map[string]any) (*store.ExecutionState, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.load(ctx, id); err == nil {
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
	if err := s.persist(ctx, state); err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

// GetState returns a snapshot of the execution.
func (s *PostgresStore) GetState(ctx context.Context, id string) (*store.ExecutionState, error) {
	return s.load(ctx, id)
}

// SaveState upserts the full execution state.
func (s *PostgresStore) SaveState(ctx context.Context, state *store.ExecutionState) error {
	lock := s.lockFor(state.ID)
	lock.Lock()
	defer lock.Unlock()
	return s.persist(ctx, state)
}

func (s *PostgresStore) mutate(ctx context.Context, id string, fn func(state *store.ExecutionState)) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	fn(state)
	return s.persist(ctx, state)
}

// UpdateStatus transitions the execution status.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status store.Status, execErr string) error {
	return s.mutate(ctx, id, func(state *store.ExecutionState) {
		state.Status = status
		if execErr != "" {
			state.Error = execErr
		}
		if status.Terminal() {
			t := time.Now().UTC()
			state.EndedAt = &t
		}
	})
}

// UpdateNodeStatus transitions one node within the execution.
func (s *PostgresStore) UpdateNodeStatus(ctx context.Context, id, nodeID string, status store.NodeStatus, output *store.NodeOutput, nodeErr string, reason store.SkipReason) error {
	return s.mutate(ctx, id, func(state *store.ExecutionState) {
		store.ApplyNodeTransition(state, nodeID, status, output, nodeErr, reason, time.Now().UTC())
	})
}

// UpdateVariables shallow-merges patch into the execution variables.
func (s *PostgresStore) UpdateVariables(ctx context.Context, id string, patch map[string]any) error {
	return s.mutate(ctx, id, func(state *store.ExecutionState) {
		if state.Variables == nil {
			state.Variables = make(map[string]any, len(patch))
		}
		for k, v := range patch {
			state.Variables[k] = v
		}
	})
}

// AddTokenUsage accumulates delta into the execution totals.
func (s *PostgresStore) AddTokenUsage(ctx context.Context, id string, delta store.TokenUsage) error {
	return s.mutate(ctx, id, func(state *store.ExecutionState) {
		state.TokenUsage.Add(delta)
	})
}

// ListExecutions returns summaries, newest first.
func (s *PostgresStore) ListExecutions(ctx context.Context, limit, offset int) ([]store.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT execution_id, status, diagram_id, started_at, ended_at, error
		FROM %s
		ORDER BY started_at DESC, execution_id DESC
		LIMIT $1 OFFSET $2
	`, s.tableName)

	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, &store.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	summaries := []store.Summary{}
	for rows.Next() {
		var sum store.Summary
		var diagramID, execErr *string
		var endedAt *time.Time

		if err := rows.Scan(&sum.ID, &sum.Status, &diagramID, &sum.StartedAt, &endedAt, &execErr); err != nil {
			return nil, &store.StorageError{Op: "list", Err: err}
		}
		if diagramID != nil {
			sum.DiagramID = *diagramID
		}
		if execErr != nil {
			sum.Error = *execErr
		}
		sum.EndedAt = endedAt
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "list", Err: err}
	}
	return summaries, nil
}

// CleanupOldStates deletes executions started more than days ago.
func (s *PostgresStore) CleanupOldStates(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	query := fmt.Sprintf("DELETE FROM %s WHERE started_at < $1", s.tableName)

	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, &store.StorageError{Op: "cleanup", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) persist(ctx context.Context, state *store.ExecutionState) error {
	nodeStates, err := json.Marshal(state.NodeStates)
	if err != nil {
		return &store.StorageError{Op: "save", Err: err}
	}
	nodeOutputs, err := json.Marshal(state.NodeOutputs)
	if err != nil {
		return &store.StorageError{Op: "save", Err: err}
	}
	tokenUsage, err := json.Marshal(state.TokenUsage)
	if err != nil {
		return &store.StorageError{Op: "save", Err: err}
	}
	variables, err := json.Marshal(state.Variables)
	if err != nil {
		return &store.StorageError{Op: "save", Err: err}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (execution_id, status, diagram_id, started_at, ended_at,
			node_states, node_outputs, token_usage, variables, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			diagram_id = EXCLUDED.diagram_id,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			node_states = EXCLUDED.node_states,
			node_outputs = EXCLUDED.node_outputs,
			token_usage = EXCLUDED.token_usage,
			variables = EXCLUDED.variables,
			error = EXCLUDED.error
	`, s.tableName)

	_, err = s.pool.Exec(ctx, query,
		state.ID,
		string(state.Status),
		state.DiagramID,
		state.StartedAt.UTC(),
		state.EndedAt,
		nodeStates,
		nodeOutputs,
		tokenUsage,
		variables,
		state.Error,
		time.Now().UTC(),
	)
	if err != nil {
		return &store.StorageError{Op: "save", Err: err}
	}
	return nil
}

func (s *PostgresStore) load(ctx context.Context, id string) (*store.ExecutionState, error) {
	query := fmt.Sprintf(`
		SELECT execution_id, status, diagram_id, started_at, ended_at,
			node_states, node_outputs, token_usage, variables, error
		FROM %s
		WHERE execution_id = $1
	`, s.tableName)

	var state store.ExecutionState
	var diagramID, execErr *string
	var endedAt *time.Time
	var nodeStates, nodeOutputs, tokenUsage, variables []byte

	err := s.pool.QueryRow(ctx, query, id).Scan(
		&state.ID,
		&state.Status,
		&diagramID,
		&state.StartedAt,
		&endedAt,
		&nodeStates,
		&nodeOutputs,
		&tokenUsage,
		&variables,
		&execErr,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrExecutionNotFound
		}
		return nil, &store.StorageError{Op: "load", Err: err}
	}

	if diagramID != nil {
		state.DiagramID = *diagramID
	}
	if execErr != nil {
		state.Error = *execErr
	}
	state.EndedAt = endedAt
	if err := json.Unmarshal(nodeStates, &state.NodeStates); err != nil {
		return nil, &store.StorageError{Op: "load", Err: err}
	}
	if err := json.Unmarshal(nodeOutputs, &state.NodeOutputs); err != nil {
		return nil, &store.StorageError{Op: "load", Err: err}
	}
	if err := json.Unmarshal(tokenUsage, &state.TokenUsage); err != nil {
		return nil, &store.StorageError{Op: "load", Err: err}
	}
	if err := json.Unmarshal(variables, &state.Variables); err != nil {
		return nil, &store.StorageError{Op: "load", Err: err}
	}
	if state.NodeStates == nil {
		state.NodeStates = make(map[string]*store.NodeState)
	}
	if state.NodeOutputs == nil {
		state.NodeOutputs = make(map[string]*store.NodeOutput)
	}
	if state.Variables == nil {
		state.Variables = make(map[string]any)
	}
	return &state, nil
}
