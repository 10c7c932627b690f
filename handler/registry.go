package handler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sorryhyun/DiPeO-sub017/graph"
)

// NoExecutorError reports a node type with no registered handler.
type NoExecutorError struct {
	Type graph.NodeType
}

func (e *NoExecutorError) Error() string {
	return fmt.Sprintf("no handler registered for node type %q", e.Type)
}

// PropsError reports node props that fail the handler's schema.
type PropsError struct {
	Type   graph.NodeType
	NodeID graph.NodeID
	Err    error
}

func (e *PropsError) Error() string {
	return fmt.Sprintf("invalid props for node %s (%s): %v", e.NodeID, e.Type, e.Err)
}

func (e *PropsError) Unwrap() error {
	return e.Err
}

type registration struct {
	handler Handler
	schema  *jsonschema.Schema
}

// Registry maps node types to handlers. A handler's props schema is
// compiled once at registration and reused for every validation.
type Registry struct {
	mu       sync.RWMutex
	handlers map[graph.NodeType]*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[graph.NodeType]*registration),
	}
}

// Register adds a handler, replacing any previous one for the same type.
// It fails when the handler's schema does not compile.
func (r *Registry) Register(h Handler) error {
	reg := &registration{handler: h}

	if raw := h.Schema(); raw != "" {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("props.json", strings.NewReader(raw)); err != nil {
			return fmt.Errorf("invalid props schema for %q: %w", h.NodeType(), err)
		}
		schema, err := compiler.Compile("props.json")
		if err != nil {
			return fmt.Errorf("invalid props schema for %q: %w", h.NodeType(), err)
		}
		reg.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.NodeType()] = reg
	return nil
}

// Lookup returns the handler for a node type.
func (r *Registry) Lookup(nodeType graph.NodeType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[nodeType]
	if !ok {
		return nil, &NoExecutorError{Type: nodeType}
	}
	return reg.handler, nil
}

// Has reports whether a handler is registered for the type.
func (r *Registry) Has(nodeType graph.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[nodeType]
	return ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []graph.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]graph.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidateProps checks a node's props against its handler's schema. Nodes
// whose handler has no schema always pass.
func (r *Registry) ValidateProps(node *graph.Node) error {
	r.mu.RLock()
	reg, ok := r.handlers[node.Type]
	r.mu.RUnlock()
	if !ok {
		return &NoExecutorError{Type: node.Type}
	}
	if reg.schema == nil {
		return nil
	}

	props := node.Data
	if props == nil {
		props = map[string]any{}
	}
	if err := reg.schema.Validate(normalize(props)); err != nil {
		return &PropsError{Type: node.Type, NodeID: node.ID, Err: err}
	}
	return nil
}

// normalize rewrites props into the value shapes the schema validator
// understands. Diagrams decoded from JSON already satisfy this; props built
// in Go may carry ints where the validator expects json numbers.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
