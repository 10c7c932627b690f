// Package store defines the durable per-execution record keeping: execution
// and node status domains, token usage accounting, and the Store interface
// the engine mutates through. Backends live in the subpackages memory,
// sqlite, and postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an execution. Values serialize as
// lowercase strings.
type Status string

const (
	StatusStarted   Status = "started"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Active reports whether the execution is still in flight.
func (s Status) Active() bool {
	switch s {
	case StatusStarted, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// Terminal reports whether the status ends the execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of one node within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the node status is final for the current
// iteration.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

// SkipReason explains a SKIPPED transition. The set is closed; every skip
// carries exactly one reason.
type SkipReason string

const (
	SkipMaxIterationsReached SkipReason = "max_iterations_reached"
	SkipConditionNotMet      SkipReason = "condition_not_met"
	SkipDependencySkipped    SkipReason = "dependency_skipped"
	SkipDependencyFailed     SkipReason = "dependency_failed"
	SkipUserRequested        SkipReason = "user_requested"
	SkipFirstOnlyConsumed    SkipReason = "first_only_consumed"
)

// TokenUsage tracks LLM token consumption, per node and per execution.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached,omitempty"`
	Total  int `json:"total"`
}

// Add accumulates delta into the totals.
func (t *TokenUsage) Add(delta TokenUsage) {
	t.Input += delta.Input
	t.Output += delta.Output
	t.Cached += delta.Cached
	t.Total += delta.Total
}

// IsZero reports whether no tokens have been recorded.
func (t TokenUsage) IsZero() bool {
	return t.Input == 0 && t.Output == 0 && t.Cached == 0 && t.Total == 0
}

// NodeOutput is the value a handler produced for a node, plus free-form
// metadata. The metadata key "tokenUsage" is recognized for accounting.
type NodeOutput struct {
	Value    any            `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TokenUsage extracts the token usage recorded in the output metadata.
func (o *NodeOutput) TokenUsage() (TokenUsage, bool) {
	if o == nil || o.Metadata == nil {
		return TokenUsage{}, false
	}
	raw, ok := o.Metadata["tokenUsage"]
	if !ok {
		return TokenUsage{}, false
	}
	switch v := raw.(type) {
	case TokenUsage:
		return v, true
	case *TokenUsage:
		return *v, true
	case map[string]any:
		usage := TokenUsage{
			Input:  intFrom(v["input"]),
			Output: intFrom(v["output"]),
			Cached: intFrom(v["cached"]),
			Total:  intFrom(v["total"]),
		}
		if usage.Total == 0 {
			usage.Total = usage.Input + usage.Output
		}
		return usage, true
	}
	return TokenUsage{}, false
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// NodeState is the bookkeeping for one node within an execution. Iterative
// nodes reuse the same NodeState across iterations; StartedAt keeps the
// first RUNNING transition and EndedAt the most recent terminal one.
type NodeState struct {
	Status     NodeStatus  `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	SkipReason SkipReason  `json:"skip_reason,omitempty"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

// ExecutionState is the live record for one run of a diagram. Callers
// receive snapshots and must not mutate them; all mutation goes through
// Store methods.
type ExecutionState struct {
	ID          string                 `json:"id"`
	Status      Status                 `json:"status"`
	DiagramID   string                 `json:"diagram_id,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
	NodeStates  map[string]*NodeState  `json:"node_states"`
	NodeOutputs map[string]*NodeOutput `json:"node_outputs"`
	Variables   map[string]any         `json:"variables"`
	TokenUsage  TokenUsage             `json:"token_usage"`
	Error       string                 `json:"error,omitempty"`
}

// IsActive reports whether the execution is still in flight.
func (s *ExecutionState) IsActive() bool {
	return s.Status.Active()
}

// Clone returns a deep-enough copy for handing to callers: maps are copied,
// output values are shared (treated as immutable once committed).
func (s *ExecutionState) Clone() *ExecutionState {
	cp := *s
	cp.NodeStates = make(map[string]*NodeState, len(s.NodeStates))
	for id, ns := range s.NodeStates {
		n := *ns
		if ns.TokenUsage != nil {
			u := *ns.TokenUsage
			n.TokenUsage = &u
		}
		cp.NodeStates[id] = &n
	}
	cp.NodeOutputs = make(map[string]*NodeOutput, len(s.NodeOutputs))
	for id, out := range s.NodeOutputs {
		o := *out
		cp.NodeOutputs[id] = &o
	}
	cp.Variables = make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		cp.Variables[k] = v
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// Summary is the listing row for an execution.
type Summary struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	DiagramID string     `json:"diagram_id,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ErrExecutionNotFound is returned when the referenced execution does not
// exist in the store.
var ErrExecutionNotFound = errors.New("execution not found")

// StorageError wraps a persistence failure. The engine treats it as
// fail-stop: the execution ends FAILED.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store is the durable per-execution state store. Implementations serialize
// mutation per execution; every mutation is flushed before the call returns.
type Store interface {
	// CreateExecution registers a new execution in STARTED status.
	CreateExecution(ctx context.Context, id, diagramID string, variables map[string]any) (*ExecutionState, error)

	// GetState returns a snapshot of the execution, or ErrExecutionNotFound.
	GetState(ctx context.Context, id string) (*ExecutionState, error)

	// SaveState upserts the full execution state.
	SaveState(ctx context.Context, state *ExecutionState) error

	// UpdateStatus transitions the execution status. Terminal statuses set
	// ended_at; execErr is recorded when non-empty.
	UpdateStatus(ctx context.Context, id string, status Status, execErr string) error

	// UpdateNodeStatus transitions one node, creating its NodeState if
	// missing. started_at is recorded on the first RUNNING transition and
	// ended_at on any terminal one. A non-nil output on COMPLETED is stored
	// as the node's latest output; token usage in its metadata accumulates
	// into the node's and the execution's totals.
	UpdateNodeStatus(ctx context.Context, id, nodeID string, status NodeStatus, output *NodeOutput, nodeErr string, reason SkipReason) error

	// UpdateVariables shallow-merges patch into the execution variables.
	UpdateVariables(ctx context.Context, id string, patch map[string]any) error

	// AddTokenUsage atomically accumulates delta into the execution totals.
	AddTokenUsage(ctx context.Context, id string, delta TokenUsage) error

	// ListExecutions returns summaries, newest first.
	ListExecutions(ctx context.Context, limit, offset int) ([]Summary, error)

	// CleanupOldStates deletes executions started more than days ago and
	// returns how many were removed.
	CleanupOldStates(ctx context.Context, days int) (int, error)

	Close() error
}

// ApplyNodeTransition implements the shared UpdateNodeStatus bookkeeping on
// an in-memory state. Backends load, call this, and persist.
func ApplyNodeTransition(state *ExecutionState, nodeID string, status NodeStatus, output *NodeOutput, nodeErr string, reason SkipReason, now time.Time) {
	ns, ok := state.NodeStates[nodeID]
	if !ok {
		ns = &NodeState{Status: NodePending}
		state.NodeStates[nodeID] = ns
	}

	ns.Status = status
	switch {
	case status == NodeRunning:
		if ns.StartedAt == nil {
			t := now
			ns.StartedAt = &t
		}
		ns.Error = ""
		ns.SkipReason = ""
	case status.Terminal():
		t := now
		ns.EndedAt = &t
		ns.Error = nodeErr
		ns.SkipReason = ""
		if status == NodeSkipped {
			ns.SkipReason = reason
		}
	}

	if status == NodeCompleted && output != nil {
		state.NodeOutputs[nodeID] = output
		if usage, ok := output.TokenUsage(); ok {
			if ns.TokenUsage == nil {
				ns.TokenUsage = &TokenUsage{}
			}
			ns.TokenUsage.Add(usage)
			state.TokenUsage.Add(usage)
		}
	}
}
