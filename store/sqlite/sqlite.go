// Package sqlite provides the default durable Store on an embedded SQLite
// database with write-ahead logging.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sorryhyun/DiPeO-sub017/store"
)

// SqliteStore implements store.Store using SQLite. Mutations are serialized
// per execution by keyed mutexes and flushed before the call returns.
type SqliteStore struct {
	db        *sql.DB
	tableName string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ store.Store = (*SqliteStore)(nil)

// SqliteOptions configuration for the SQLite connection
type SqliteOptions struct {
	Path      string
	TableName string // Default "execution_states"
}

// NewSqliteStore opens (or creates) the database and initializes the schema.
func NewSqliteStore(opts SqliteOptions) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, &store.StorageError{Op: "open", Err: err}
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "execution_states"
	}

	s := &SqliteStore{
		db:        db,
		tableName: tableName,
		locks:     make(map[string]*sync.Mutex),
	}

	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SqliteStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		return &store.StorageError{Op: "init", Err: err}
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			execution_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			diagram_id TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			node_states_json TEXT NOT NULL,
			node_outputs_json TEXT NOT NULL,
			token_usage_json TEXT NOT NULL,
			variables_json TEXT NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status);
		CREATE INDEX IF NOT EXISTS idx_%s_started_at ON %s (started_at);
	`, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return &store.StorageError{Op: "init", Err: err}
	}
	return nil
}

// Close closes the database connection.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) lockFor(id string) *sync.Mutex {
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
func (s *SqliteStore) CreateExecution(ctx context.Context, id, diagramID string, variables map[string]any) (*store.ExecutionState, error) {
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
func (s *SqliteStore) GetState(ctx context.Context, id string) (*store.ExecutionState, error) {
	return s.load(ctx, id)
}

// SaveState upserts the full execution state.
func (s *SqliteStore) SaveState(ctx context.Context, state *store.ExecutionState) error {
	lock := s.lockFor(state.ID)
	lock.Lock()
	defer lock.Unlock()
	return s.persist(ctx, state)
}

func (s *SqliteStore) mutate(ctx context.Context, id string, fn func(state *store.ExecutionState)) error {
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
func (s *SqliteStore) UpdateStatus(ctx context.Context, id string, status store.Status, execErr string) error {
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
func (s *SqliteStore) UpdateNodeStatus(ctx context.Context, id, nodeID string, status store.NodeStatus, output *store.NodeOutput, nodeErr string, reason store.SkipReason) error {
	return s.mutate(ctx, id, func(state *store.ExecutionState) {
		store.ApplyNodeTransition(state, nodeID, status, output, nodeErr, reason, time.Now().UTC())
	})
}

// UpdateVariables shallow-merges patch into the execution variables.
func (s *SqliteStore) UpdateVariables(ctx context.Context, id string, patch map[string]any) error {
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
func (s *SqliteStore) AddTokenUsage(ctx context.Context, id string, delta store.TokenUsage) error {
	return s.mutate(ctx, id, func(state *store.ExecutionState) {
		state.TokenUsage.Add(delta)
	})
}

// ListExecutions returns summaries, newest first.
func (s *SqliteStore) ListExecutions(ctx context.Context, limit, offset int) ([]store.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT execution_id, status, diagram_id, started_at, ended_at, error
		FROM %s
		ORDER BY started_at DESC, execution_id DESC
		LIMIT ? OFFSET ?
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, &store.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	summaries := []store.Summary{}
	for rows.Next() {
		var sum store.Summary
		var diagramID, endedAt, execErr sql.NullString
		var startedAt string

		if err := rows.Scan(&sum.ID, &sum.Status, &diagramID, &startedAt, &endedAt, &execErr); err != nil {
			return nil, &store.StorageError{Op: "list", Err: err}
		}
		sum.DiagramID = diagramID.String
		sum.Error = execErr.String
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			sum.StartedAt = t
		}
		if endedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, endedAt.String); err == nil {
				sum.EndedAt = &t
			}
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "list", Err: err}
	}
	return summaries, nil
}

// CleanupOldStates deletes executions started more than days ago.
func (s *SqliteStore) CleanupOldStates(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)
	query := fmt.Sprintf("DELETE FROM %s WHERE started_at < ?", s.tableName)

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, &store.StorageError{Op: "cleanup", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &store.StorageError{Op: "cleanup", Err: err}
	}
	return int(n), nil
}

func (s *SqliteStore) persist(ctx context.Context, state *store.ExecutionState) error {
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

	var endedAt any
	if state.EndedAt != nil {
		endedAt = state.EndedAt.UTC().Format(time.RFC3339Nano)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (execution_id, status, diagram_id, started_at, ended_at,
			node_states_json, node_outputs_json, token_usage_json, variables_json, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			diagram_id = excluded.diagram_id,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			node_states_json = excluded.node_states_json,
			node_outputs_json = excluded.node_outputs_json,
			token_usage_json = excluded.token_usage_json,
			variables_json = excluded.variables_json,
			error = excluded.error
	`, s.tableName)

	_, err = s.db.ExecContext(ctx, query,
		state.ID,
		string(state.Status),
		state.DiagramID,
		state.StartedAt.UTC().Format(time.RFC3339Nano),
		endedAt,
		string(nodeStates),
		string(nodeOutputs),
		string(tokenUsage),
		string(variables),
		state.Error,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &store.StorageError{Op: "save", Err: err}
	}
	return nil
}

func (s *SqliteStore) load(ctx context.Context, id string) (*store.ExecutionState, error) {
	query := fmt.Sprintf(`
		SELECT execution_id, status, diagram_id, started_at, ended_at,
			node_states_json, node_outputs_json, token_usage_json, variables_json, error
		FROM %s
		WHERE execution_id = ?
	`, s.tableName)

	var state store.ExecutionState
	var diagramID, endedAt, execErr sql.NullString
	var startedAt, nodeStates, nodeOutputs, tokenUsage, variables string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&state.ID,
		&state.Status,
		&diagramID,
		&startedAt,
		&endedAt,
		&nodeStates,
		&nodeOutputs,
		&tokenUsage,
		&variables,
		&execErr,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrExecutionNotFound
		}
		return nil, &store.StorageError{Op: "load", Err: err}
	}

	state.DiagramID = diagramID.String
	state.Error = execErr.String
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		state.StartedAt = t
	}
	if endedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, endedAt.String); err == nil {
			state.EndedAt = &t
		}
	}
	if err := json.Unmarshal([]byte(nodeStates), &state.NodeStates); err != nil {
		return nil, &store.StorageError{Op: "load", Err: err}
	}
	if err := json.Unmarshal([]byte(nodeOutputs), &state.NodeOutputs); err != nil {
		return nil, &store.StorageError{Op: "load", Err: err}
	}
	if err := json.Unmarshal([]byte(tokenUsage), &state.TokenUsage); err != nil {
		return nil, &store.StorageError{Op: "load", Err: err}
	}
	if err := json.Unmarshal([]byte(variables), &state.Variables); err != nil {
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
