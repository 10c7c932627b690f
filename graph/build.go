package graph

import (
	"fmt"
	"sort"
)

// Diagram is the normalized input handed to Build by the loader. Authoring
// formats (light/native/readable YAML or JSON) are resolved before this
// point.
type Diagram struct {
	Nodes  []Node
	Arrows []Arrow
	// Handles optionally declares the ports of each node. Nodes without an
	// entry get the default ports for their type.
	Handles map[NodeID][]Handle
	Persons []Person
	// APIKeyIDs optionally lists the API keys known to the embedder; when
	// non-empty, person API-key references must resolve against it.
	APIKeyIDs []string
}

// Build validates the diagram and returns the immutable Graph. On failure
// it returns a *ValidationError listing every violation.
func Build(d *Diagram) (*Graph, error) {
	verr := &ValidationError{}

	if d == nil || len(d.Nodes) == 0 {
		verr.add("diagram has no nodes")
		return nil, verr
	}

	g := &Graph{
		nodes:     make(map[NodeID]*Node, len(d.Nodes)),
		handles:   make(map[NodeID][]Handle, len(d.Nodes)),
		persons:   make(map[string]*Person, len(d.Persons)),
		incoming:  make(map[NodeID][]*Arrow),
		outgoing:  make(map[NodeID][]*Arrow),
		backEdges: make(map[string]bool),
	}

	var startIDs []NodeID
	for i := range d.Nodes {
		n := d.Nodes[i]
		if n.ID == "" {
			verr.add(fmt.Sprintf("node at index %d has an empty ID", i))
			continue
		}
		if _, dup := g.nodes[n.ID]; dup {
			verr.add(fmt.Sprintf("duplicate node ID %q", n.ID))
			continue
		}
		if n.Type == "" {
			verr.add(fmt.Sprintf("node %q has an empty type", n.ID))
			continue
		}
		node := n
		g.nodes[n.ID] = &node
		g.order = append(g.order, n.ID)
		if n.Type == NodeTypeStart {
			startIDs = append(startIDs, n.ID)
		}
	}
	sortNodeIDs(g.order)

	switch len(startIDs) {
	case 1:
		g.start = startIDs[0]
	case 0:
		verr.add("diagram must contain exactly one start node, found none")
	default:
		verr.add(fmt.Sprintf("diagram must contain exactly one start node, found %d", len(startIDs)))
	}

	for id, node := range g.nodes {
		if declared, ok := d.Handles[id]; ok && len(declared) > 0 {
			g.handles[id] = declared
		} else {
			g.handles[id] = defaultHandles(node)
		}
	}

	for i := range d.Persons {
		p := d.Persons[i]
		if p.ID == "" {
			verr.add(fmt.Sprintf("person at index %d has an empty ID", i))
			continue
		}
		if _, dup := g.persons[p.ID]; dup {
			verr.add(fmt.Sprintf("duplicate person ID %q", p.ID))
			continue
		}
		person := p
		g.persons[p.ID] = &person
	}

	if len(d.APIKeyIDs) > 0 {
		keys := make(map[string]bool, len(d.APIKeyIDs))
		for _, k := range d.APIKeyIDs {
			keys[k] = true
		}
		for _, p := range g.persons {
			if p.APIKeyID != "" && !keys[p.APIKeyID] {
				verr.add(fmt.Sprintf("person %q references unknown API key %q", p.ID, p.APIKeyID))
			}
		}
	}

	if len(g.persons) > 0 {
		for _, id := range g.order {
			node := g.nodes[id]
			if pid, ok := node.PersonID(); ok {
				if _, found := g.persons[pid]; !found {
					verr.add(fmt.Sprintf("node %q references unknown person %q", id, pid))
				}
			}
		}
	}

	for i := range d.Arrows {
		a := d.Arrows[i]
		if a.ID == "" {
			a.ID = fmt.Sprintf("arrow_%d", i)
		}
		valid := true
		if src, ok := g.nodes[a.Source.Node]; !ok {
			verr.add(fmt.Sprintf("arrow %q source references unknown node %q", a.ID, a.Source.Node))
			valid = false
		} else if !handleDeclared(g.handles[src.ID], a.Source.Handle, HandleOutput) {
			verr.add(fmt.Sprintf("arrow %q source references undeclared output handle %q on node %q", a.ID, handleName(a.Source.Handle), a.Source.Node))
			valid = false
		}
		if tgt, ok := g.nodes[a.Target.Node]; !ok {
			verr.add(fmt.Sprintf("arrow %q target references unknown node %q", a.ID, a.Target.Node))
			valid = false
		} else if !handleDeclared(g.handles[tgt.ID], a.Target.Handle, HandleInput) {
			verr.add(fmt.Sprintf("arrow %q target references undeclared input handle %q on node %q", a.ID, handleName(a.Target.Handle), a.Target.Node))
			valid = false
		}
		if !valid {
			continue
		}
		arrow := a
		g.arrows = append(g.arrows, &arrow)
		g.incoming[a.Target.Node] = append(g.incoming[a.Target.Node], &arrow)
		g.outgoing[a.Source.Node] = append(g.outgoing[a.Source.Node], &arrow)
	}

	if len(verr.Issues) > 0 {
		return nil, verr
	}

	levels, backEdges, err := levelize(g)
	if err != nil {
		verr.add(err.Error())
		return nil, verr
	}
	g.levels = levels
	g.backEdges = backEdges

	return g, nil
}

func handleName(name string) string {
	if name == "" {
		return DefaultHandle
	}
	return name
}

func handleDeclared(handles []Handle, name string, dir HandleDirection) bool {
	name = handleName(name)
	for _, h := range handles {
		if h.Name == name && h.Direction == dir {
			return true
		}
	}
	return false
}

// defaultHandles synthesizes the ports a node type carries when the loader
// does not declare them explicitly.
func defaultHandles(n *Node) []Handle {
	switch n.Type {
	case NodeTypeStart:
		return []Handle{{Name: DefaultHandle, Direction: HandleOutput}}
	case NodeTypeEndpoint:
		return []Handle{{Name: DefaultHandle, Direction: HandleInput}}
	case NodeTypeCondition:
		return []Handle{
			{Name: DefaultHandle, Direction: HandleInput},
			{Name: DefaultHandle, Direction: HandleOutput, DataType: "boolean"},
			{Name: "true", Direction: HandleOutput, DataType: "boolean"},
			{Name: "false", Direction: HandleOutput, DataType: "boolean"},
		}
	case NodeTypePersonJob, NodeTypePersonBatch:
		return []Handle{
			{Name: DefaultHandle, Direction: HandleInput},
			{Name: FirstHandle, Direction: HandleInput},
			{Name: DefaultHandle, Direction: HandleOutput},
		}
	default:
		return []Handle{
			{Name: DefaultHandle, Direction: HandleInput},
			{Name: DefaultHandle, Direction: HandleOutput},
		}
	}
}

// levelize computes the dependency level order and classifies back-edges.
// An arrow is a back-edge when excluding it is necessary to break a cycle
// and its target is iterative-capable; cycles not covered by an iterative
// target are rejected.
func levelize(g *Graph) ([][]NodeID, map[string]bool, error) {
	back := make(map[string]bool)

	for {
		levels, residual := tryLevels(g, back)
		if len(residual) == 0 {
			return levels, back, nil
		}

		candidate := pickBackEdge(g, back, residual)
		if candidate == "" {
			ids := make([]NodeID, 0, len(residual))
			for id := range residual {
				ids = append(ids, id)
			}
			sortNodeIDs(ids)
			return nil, nil, fmt.Errorf("cycle involving nodes %v is not closed through an iterative node", ids)
		}
		back[candidate] = true
	}
}

// tryLevels runs a level-grouped topological sort over the forward arrows.
// It returns the levels and the set of nodes that could not be placed.
func tryLevels(g *Graph, back map[string]bool) ([][]NodeID, map[NodeID]bool) {
	indegree := make(map[NodeID]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, a := range g.arrows {
		if back[a.ID] {
			continue
		}
		indegree[a.Target.Node]++
	}

	placed := make(map[NodeID]bool, len(g.nodes))
	var levels [][]NodeID

	current := make([]NodeID, 0)
	for id, deg := range indegree {
		if deg == 0 {
			current = append(current, id)
		}
	}
	sortNodeIDs(current)

	for len(current) > 0 {
		levels = append(levels, current)
		var next []NodeID
		for _, id := range current {
			placed[id] = true
			for _, a := range g.outgoing[id] {
				if back[a.ID] {
					continue
				}
				indegree[a.Target.Node]--
				if indegree[a.Target.Node] == 0 {
					next = append(next, a.Target.Node)
				}
			}
		}
		sortNodeIDs(next)
		current = next
	}

	residual := make(map[NodeID]bool)
	for id := range g.nodes {
		if !placed[id] {
			residual[id] = true
		}
	}
	return levels, residual
}

// pickBackEdge deterministically selects the next arrow to classify as a
// back-edge: among residual arrows targeting an iterative node, the
// smallest by (target, source, id).
func pickBackEdge(g *Graph, back map[string]bool, residual map[NodeID]bool) string {
	type cand struct {
		target NodeID
		source NodeID
		id     string
	}
	var candidates []cand
	for _, a := range g.arrows {
		if back[a.ID] {
			continue
		}
		if !residual[a.Target.Node] || !residual[a.Source.Node] {
			continue
		}
		if !g.IsIterative(a.Target.Node) {
			continue
		}
		candidates = append(candidates, cand{a.Target.Node, a.Source.Node, a.ID})
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].target != candidates[j].target {
			return candidates[i].target < candidates[j].target
		}
		if candidates[i].source != candidates[j].source {
			return candidates[i].source < candidates[j].source
		}
		return candidates[i].id < candidates[j].id
	})
	return candidates[0].id
}
