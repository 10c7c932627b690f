// Package graph holds the normalized, validated diagram model the engine
// executes: typed nodes, arrows between named handles, declared ports,
// person configurations, and a precomputed level order. A Graph is immutable
// once built; Build rejects diagrams that violate the structural invariants.
package graph

import (
	"sort"
	"time"
)

// NodeID uniquely identifies a node within one diagram.
type NodeID string

// NodeType is the operation kind a node performs. Handlers are looked up by
// node type.
type NodeType string

const (
	NodeTypeStart         NodeType = "start"
	NodeTypeEndpoint      NodeType = "endpoint"
	NodeTypePersonJob     NodeType = "person_job"
	NodeTypePersonBatch   NodeType = "person_batch_job"
	NodeTypeCondition     NodeType = "condition"
	NodeTypeCodeJob       NodeType = "code_job"
	NodeTypeAPIJob        NodeType = "api_job"
	NodeTypeDB            NodeType = "db"
	NodeTypeSubDiagram    NodeType = "sub_diagram"
	NodeTypeHook          NodeType = "hook"
	NodeTypeUserResponse  NodeType = "user_response"
	NodeTypeTemplateJob   NodeType = "template_job"
)

// HandleDirection is the direction of a declared port.
type HandleDirection string

const (
	HandleInput  HandleDirection = "input"
	HandleOutput HandleDirection = "output"
)

// DefaultHandle is the port name used when an arrow does not address a
// specific handle.
const DefaultHandle = "default"

// FirstHandle is the port person_job uses for its first-only prompt input.
const FirstHandle = "first"

// Handle is a declared input or output port on a node.
type Handle struct {
	Name      string
	Direction HandleDirection
	DataType  string
}

// HandleRef addresses one handle on one node.
type HandleRef struct {
	Node   NodeID
	Handle string
}

// Position is the node's location on the canvas. The engine ignores it but
// carries it so event payloads can echo it back to GUI clients.
type Position struct {
	X float64
	Y float64
}

// Node is a vertex in the diagram, corresponding to one operation.
type Node struct {
	ID       NodeID
	Type     NodeType
	Data     map[string]any
	Position Position
}

// MaxIterations reports the node's max_iterations setting. The second
// return is false when the node does not declare one.
func (n *Node) MaxIterations() (int, bool) {
	if n.Data == nil {
		return 0, false
	}
	switch v := n.Data["max_iterations"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Timeout reports the node's per-node timeout override in seconds.
func (n *Node) Timeout() (time.Duration, bool) {
	if n.Data == nil {
		return 0, false
	}
	switch v := n.Data["timeout"].(type) {
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	case float64:
		return time.Duration(v * float64(time.Second)), true
	}
	return 0, false
}

// PersonID reports the person configuration a person_job node references.
func (n *Node) PersonID() (string, bool) {
	if n.Data == nil {
		return "", false
	}
	if p, ok := n.Data["person"].(string); ok && p != "" {
		return p, true
	}
	return "", false
}

// ConditionType reports the condition flavor of a condition node.
// Recognized values are "custom" (expression-based, the default) and
// "max_iterations" (true when every registered loop is at its ceiling).
func (n *Node) ConditionType() string {
	if n.Data == nil {
		return "custom"
	}
	if ct, ok := n.Data["condition_type"].(string); ok && ct != "" {
		return ct
	}
	return "custom"
}

// Arrow is a directed edge from a source handle to a target handle.
type Arrow struct {
	ID     string
	Source HandleRef
	Target HandleRef
	// Label names the input the arrow delivers; empty means the target
	// handle name (or "default").
	Label string
	// ContentType declares how the delivered value is coerced; empty means
	// pass-through. "conversation" selects the canonical message-list shape.
	ContentType string
	Data        map[string]any
}

// InputName is the key under which the arrow's value appears in the target
// handler's inputs map.
func (a *Arrow) InputName() string {
	if a.Label != "" {
		return a.Label
	}
	if a.Target.Handle != "" {
		return a.Target.Handle
	}
	return DefaultHandle
}

// FirstOnly reports whether this arrow feeds a person_job first-only prompt.
func (a *Arrow) FirstOnly() bool {
	return a.Target.Handle == FirstHandle
}

// Person is the configuration of an LLM agent referenced by person_job
// nodes. The engine treats it as opaque handler input; Build only checks
// that references resolve.
type Person struct {
	ID           string
	Name         string
	Service      string
	Model        string
	APIKeyID     string
	SystemPrompt string
}

// Graph is the immutable, validated execution graph.
type Graph struct {
	nodes     map[NodeID]*Node
	order     []NodeID
	arrows    []*Arrow
	handles   map[NodeID][]Handle
	persons   map[string]*Person
	incoming  map[NodeID][]*Arrow
	outgoing  map[NodeID][]*Arrow
	backEdges map[string]bool
	levels    [][]NodeID
	start     NodeID
}

// Start returns the ID of the diagram's single start node.
func (g *Graph) Start() NodeID {
	return g.start
}

// Node returns the node with the given ID.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in lexicographic ID order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Arrows returns all arrows in declaration order.
func (g *Graph) Arrows() []*Arrow {
	return g.arrows
}

// Incoming returns the arrows targeting the given node, in declaration order.
func (g *Graph) Incoming(id NodeID) []*Arrow {
	return g.incoming[id]
}

// Outgoing returns the arrows originating at the given node.
func (g *Graph) Outgoing(id NodeID) []*Arrow {
	return g.outgoing[id]
}

// Handles returns the declared ports of the given node.
func (g *Graph) Handles(id NodeID) []Handle {
	return g.handles[id]
}

// Person returns the person configuration with the given ID.
func (g *Graph) Person(id string) (*Person, bool) {
	p, ok := g.persons[id]
	return p, ok
}

// IsBackEdge reports whether the arrow with the given ID closes a loop into
// an iterative node. Back-edges are excluded from the level order and from
// dependency readiness.
func (g *Graph) IsBackEdge(arrowID string) bool {
	return g.backEdges[arrowID]
}

// IsIterative reports whether the node may run more than once per
// execution: person_job and person_batch_job always, condition nodes with
// condition_type max_iterations, and any node declaring a positive
// max_iterations.
func (g *Graph) IsIterative(id NodeID) bool {
	n, ok := g.nodes[id]
	if !ok {
		return false
	}
	return isIterative(n)
}

func isIterative(n *Node) bool {
	switch n.Type {
	case NodeTypePersonJob, NodeTypePersonBatch:
		return true
	case NodeTypeCondition:
		if n.ConditionType() == "max_iterations" {
			return true
		}
	}
	if max, ok := n.MaxIterations(); ok && max > 0 {
		return true
	}
	return false
}

// Levels returns the precomputed level order: each inner slice is a set of
// mutually independent nodes sorted lexicographically; the outer slice is
// dependency-ordered with back-edges excluded.
func (g *Graph) Levels() [][]NodeID {
	return g.levels
}

func sortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
