package engine

import (
	"runtime"
	"time"

	"github.com/sorryhyun/DiPeO-sub017/log"
)

// ExecutionOptions tunes one execution.
type ExecutionOptions struct {
	// ExecutionID is the caller-supplied ID; empty means a generated UUID.
	ExecutionID string

	// DiagramID tags the stored state with the diagram it ran.
	DiagramID string

	// Variables seed the execution context. The start node's output is this
	// map; condition expressions resolve names against it.
	Variables map[string]any

	// Debug enables verbose engine logging.
	Debug bool

	// NodeTimeout bounds one handler invocation unless the node overrides it
	// with a "timeout" prop. Default 300s.
	NodeTimeout time.Duration

	// MaxIterations is the global iteration ceiling for iterative nodes that
	// do not declare their own. Default 100.
	MaxIterations int

	// ContinueOnError keeps the execution going past failed nodes; their
	// dependents receive nil for the failed input instead of being skipped.
	ContinueOnError bool

	// WorkerPoolSize bounds concurrent handler invocations for this
	// execution. Default runtime.NumCPU(), min 1.
	WorkerPoolSize int

	Logger log.Logger
}

// DefaultExecutionOptions returns the default tuning.
func DefaultExecutionOptions() ExecutionOptions {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	return ExecutionOptions{
		NodeTimeout:    300 * time.Second,
		MaxIterations:  100,
		WorkerPoolSize: workers,
	}
}

func (o ExecutionOptions) withDefaults() ExecutionOptions {
	def := DefaultExecutionOptions()
	if o.NodeTimeout <= 0 {
		o.NodeTimeout = def.NodeTimeout
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = def.MaxIterations
	}
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = def.WorkerPoolSize
	}
	return o
}
