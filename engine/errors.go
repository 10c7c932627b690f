package engine

import (
	"errors"
	"fmt"

	"github.com/sorryhyun/DiPeO-sub017/graph"
)

// ErrTimeout marks a handler that exceeded its deadline. The node fails
// with this error; the handler's context is cancelled.
var ErrTimeout = errors.New("TimeoutError")

// ErrDeadlock marks an execution whose ready set emptied while unfinished
// nodes remain, meaning a cycle is not closed through an iterative node.
var ErrDeadlock = errors.New("deadlock: unfinished nodes remain but none can run")

// ErrCancelled marks an externally cancelled execution.
var ErrCancelled = errors.New("execution cancelled")

// ErrNotActive is returned by Pause, Resume, and Cancel when the execution
// is not currently driven by this engine.
var ErrNotActive = errors.New("execution is not active")

// ErrNotPaused is returned by Resume when the execution is running.
var ErrNotPaused = errors.New("execution is not paused")

// NodeError wraps a handler failure with the node that raised it.
type NodeError struct {
	NodeID graph.NodeID
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// ServiceError reports a handler whose required service is missing from the
// engine's service container. Raised before the execution starts.
type ServiceError struct {
	Type    graph.NodeType
	Service string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("handler for %q requires service %q, which is not configured", e.Type, e.Service)
}
