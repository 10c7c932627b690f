// Package handler defines the contract between the engine and node
// implementations: the Handler interface, the type registry with props
// validation, and the canonical conversation shape passed between LLM nodes.
package handler

import (
	"context"

	"github.com/sorryhyun/DiPeO-sub017/events"
	"github.com/sorryhyun/DiPeO-sub017/graph"
	"github.com/sorryhyun/DiPeO-sub017/store"
)

// Services is the set of named dependencies injected into handlers. Keys
// are service names such as "llm", "http", or "db".
type Services map[string]any

// Get returns the named service, or nil when absent.
func (s Services) Get(name string) any {
	return s[name]
}

// Has reports whether every named service is present.
func (s Services) Has(names ...string) bool {
	for _, name := range names {
		if _, ok := s[name]; !ok {
			return false
		}
	}
	return true
}

// Context carries per-invocation execution context into a handler. It is
// valid only for the duration of one Execute call.
type Context struct {
	ExecutionID string
	NodeID      graph.NodeID
	Iteration   int
	Variables   map[string]any

	emit func(event *events.Event)
}

// NewContext creates a handler context. emit may be nil.
func NewContext(executionID string, nodeID graph.NodeID, iteration int, variables map[string]any, emit func(event *events.Event)) *Context {
	return &Context{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Iteration:   iteration,
		Variables:   variables,
		emit:        emit,
	}
}

// Emit publishes an intermediate event, such as a streamed LLM token or an
// interactive prompt, attributed to the current node.
func (c *Context) Emit(eventType events.Type, data map[string]any) {
	if c.emit == nil {
		return
	}
	c.emit(&events.Event{
		Type:        eventType,
		ExecutionID: c.ExecutionID,
		NodeID:      string(c.NodeID),
		Data:        data,
	})
}

// Handler executes one node type. Implementations must be safe for
// concurrent Execute calls; the engine may run several nodes of the same
// type in parallel.
type Handler interface {
	// NodeType returns the node type this handler serves.
	NodeType() graph.NodeType

	// RequiredServices names the services Execute needs. Registration of an
	// execution fails up front when any is missing.
	RequiredServices() []string

	// Schema returns the JSON Schema for the node's props, or "" when the
	// handler accepts anything.
	Schema() string

	// Execute runs the node. inputs are keyed by input name as resolved from
	// the incoming arrows. The returned output becomes the node's latest
	// output; its "tokenUsage" metadata feeds token accounting.
	Execute(ctx context.Context, hctx *Context, props map[string]any, inputs map[string]any, services Services) (*store.NodeOutput, error)
}
