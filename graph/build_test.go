package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearDiagram() *Diagram {
	return &Diagram{
		Nodes: []Node{
			{ID: "start", Type: NodeTypeStart},
			{ID: "a", Type: NodeTypeCodeJob},
			{ID: "end", Type: NodeTypeEndpoint},
		},
		Arrows: []Arrow{
			{ID: "e1", Source: HandleRef{Node: "start"}, Target: HandleRef{Node: "a"}},
			{ID: "e2", Source: HandleRef{Node: "a"}, Target: HandleRef{Node: "end"}},
		},
	}
}

func TestBuildLinearChain(t *testing.T) {
	g, err := Build(linearDiagram())
	require.NoError(t, err)

	assert.Equal(t, NodeID("start"), g.Start())
	assert.Equal(t, 3, g.Len())
	assert.Len(t, g.Incoming("a"), 1)
	assert.Len(t, g.Outgoing("a"), 1)
	assert.Equal(t, [][]NodeID{{"start"}, {"a"}, {"end"}}, g.Levels())
}

func TestBuildSingleNodePair(t *testing.T) {
	g, err := Build(&Diagram{
		Nodes: []Node{
			{ID: "start", Type: NodeTypeStart},
			{ID: "end", Type: NodeTypeEndpoint},
		},
		Arrows: []Arrow{
			{Source: HandleRef{Node: "start"}, Target: HandleRef{Node: "end"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]NodeID{{"start"}, {"end"}}, g.Levels())
}

func TestBuildRejectsMissingStart(t *testing.T) {
	_, err := Build(&Diagram{
		Nodes: []Node{{ID: "a", Type: NodeTypeCodeJob}},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "exactly one start node")
}

func TestBuildRejectsDuplicateStart(t *testing.T) {
	_, err := Build(&Diagram{
		Nodes: []Node{
			{ID: "s1", Type: NodeTypeStart},
			{ID: "s2", Type: NodeTypeStart},
		},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "found 2")
}

func TestBuildAccumulatesIssues(t *testing.T) {
	_, err := Build(&Diagram{
		Nodes: []Node{
			{ID: "a", Type: NodeTypeCodeJob},
			{ID: "a", Type: NodeTypeCodeJob},
		},
		Arrows: []Arrow{
			{ID: "e1", Source: HandleRef{Node: "missing"}, Target: HandleRef{Node: "a"}},
		},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	// duplicate node, missing start, unknown arrow source
	assert.GreaterOrEqual(t, len(verr.Issues), 3)
}

func TestBuildRejectsUndeclaredHandle(t *testing.T) {
	d := linearDiagram()
	d.Arrows[0].Target.Handle = "nonexistent"
	_, err := Build(d)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "undeclared input handle")
}

func TestBuildRejectsUnknownPerson(t *testing.T) {
	_, err := Build(&Diagram{
		Nodes: []Node{
			{ID: "start", Type: NodeTypeStart},
			{ID: "p", Type: NodeTypePersonJob, Data: map[string]any{"person": "ghost"}},
		},
		Arrows: []Arrow{
			{Source: HandleRef{Node: "start"}, Target: HandleRef{Node: "p"}},
		},
		Persons: []Person{{ID: "alice"}},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), `unknown person "ghost"`)
}

func TestBuildRejectsUnknownAPIKey(t *testing.T) {
	_, err := Build(&Diagram{
		Nodes: []Node{
			{ID: "start", Type: NodeTypeStart},
		},
		Persons:   []Person{{ID: "alice", APIKeyID: "key-x"}},
		APIKeyIDs: []string{"key-y"},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), `unknown API key "key-x"`)
}

func TestBuildBackEdgeThroughIterativeNode(t *testing.T) {
	g, err := Build(&Diagram{
		Nodes: []Node{
			{ID: "start", Type: NodeTypeStart},
			{ID: "p", Type: NodeTypePersonJob, Data: map[string]any{"max_iterations": 3}},
			{ID: "end", Type: NodeTypeEndpoint},
		},
		Arrows: []Arrow{
			{ID: "fwd", Source: HandleRef{Node: "start"}, Target: HandleRef{Node: "p"}},
			{ID: "loop", Source: HandleRef{Node: "p"}, Target: HandleRef{Node: "p"}},
			{ID: "out", Source: HandleRef{Node: "p"}, Target: HandleRef{Node: "end"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, g.IsBackEdge("loop"))
	assert.False(t, g.IsBackEdge("fwd"))
	assert.Equal(t, [][]NodeID{{"start"}, {"p"}, {"end"}}, g.Levels())
}

func TestBuildTwoNodeLoop(t *testing.T) {
	g, err := Build(&Diagram{
		Nodes: []Node{
			{ID: "start", Type: NodeTypeStart},
			{ID: "p", Type: NodeTypePersonJob},
			{ID: "check", Type: NodeTypeCondition, Data: map[string]any{"expression": "{{count}} < 3"}},
			{ID: "end", Type: NodeTypeEndpoint},
		},
		Arrows: []Arrow{
			{ID: "e1", Source: HandleRef{Node: "start"}, Target: HandleRef{Node: "p"}},
			{ID: "e2", Source: HandleRef{Node: "p"}, Target: HandleRef{Node: "check"}},
			{ID: "e3", Source: HandleRef{Node: "check", Handle: "true"}, Target: HandleRef{Node: "p"}},
			{ID: "e4", Source: HandleRef{Node: "check", Handle: "false"}, Target: HandleRef{Node: "end"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, g.IsBackEdge("e3"))
	assert.False(t, g.IsBackEdge("e2"))
}

func TestBuildRejectsCycleWithoutIterativeTarget(t *testing.T) {
	_, err := Build(&Diagram{
		Nodes: []Node{
			{ID: "start", Type: NodeTypeStart},
			{ID: "a", Type: NodeTypeCodeJob},
			{ID: "b", Type: NodeTypeCodeJob},
		},
		Arrows: []Arrow{
			{Source: HandleRef{Node: "start"}, Target: HandleRef{Node: "a"}},
			{Source: HandleRef{Node: "a"}, Target: HandleRef{Node: "b"}},
			{Source: HandleRef{Node: "b"}, Target: HandleRef{Node: "a"}},
		},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "not closed through an iterative node")
}

func TestBuildUnreferencedNodesGetOwnLevel(t *testing.T) {
	g, err := Build(&Diagram{
		Nodes: []Node{
			{ID: "start", Type: NodeTypeStart},
			{ID: "island", Type: NodeTypeCodeJob},
		},
	})
	require.NoError(t, err)
	// Both have indegree zero; they share the first level, sorted.
	assert.Equal(t, [][]NodeID{{"island", "start"}}, g.Levels())
}

func TestIsIterative(t *testing.T) {
	g, err := Build(&Diagram{
		Nodes: []Node{
			{ID: "start", Type: NodeTypeStart},
			{ID: "p", Type: NodeTypePersonJob},
			{ID: "c1", Type: NodeTypeCondition, Data: map[string]any{"condition_type": "max_iterations"}},
			{ID: "c2", Type: NodeTypeCondition},
			{ID: "j", Type: NodeTypeCodeJob, Data: map[string]any{"max_iterations": 5}},
			{ID: "k", Type: NodeTypeCodeJob, Data: map[string]any{"max_iterations": 0}},
		},
	})
	require.NoError(t, err)

	assert.True(t, g.IsIterative("p"))
	assert.True(t, g.IsIterative("c1"))
	assert.False(t, g.IsIterative("c2"))
	assert.True(t, g.IsIterative("j"))
	// max_iterations = 0 means the node never runs iteratively.
	assert.False(t, g.IsIterative("k"))
	assert.False(t, g.IsIterative("start"))
	assert.False(t, g.IsIterative("missing"))
}

func TestNodeDataAccessors(t *testing.T) {
	n := &Node{ID: "x", Type: NodeTypeCodeJob, Data: map[string]any{
		"max_iterations": float64(4),
		"timeout":        2,
		"person":         "alice",
	}}

	max, ok := n.MaxIterations()
	assert.True(t, ok)
	assert.Equal(t, 4, max)

	d, ok := n.Timeout()
	assert.True(t, ok)
	assert.Equal(t, "2s", d.String())

	pid, ok := n.PersonID()
	assert.True(t, ok)
	assert.Equal(t, "alice", pid)

	empty := &Node{ID: "y", Type: NodeTypeCodeJob}
	_, ok = empty.MaxIterations()
	assert.False(t, ok)
	_, ok = empty.Timeout()
	assert.False(t, ok)
}

func TestArrowInputName(t *testing.T) {
	a := &Arrow{Label: "payload"}
	assert.Equal(t, "payload", a.InputName())

	b := &Arrow{Target: HandleRef{Handle: "first"}}
	assert.Equal(t, "first", b.InputName())
	assert.True(t, b.FirstOnly())

	c := &Arrow{}
	assert.Equal(t, DefaultHandle, c.InputName())
	assert.False(t, c.FirstOnly())
}

func TestLevelsDeterministicWithinLevel(t *testing.T) {
	g, err := Build(&Diagram{
		Nodes: []Node{
			{ID: "start", Type: NodeTypeStart},
			{ID: "zeta", Type: NodeTypeCodeJob},
			{ID: "alpha", Type: NodeTypeCodeJob},
			{ID: "merge", Type: NodeTypeCodeJob},
		},
		Arrows: []Arrow{
			{Source: HandleRef{Node: "start"}, Target: HandleRef{Node: "zeta"}},
			{Source: HandleRef{Node: "start"}, Target: HandleRef{Node: "alpha"}},
			{Source: HandleRef{Node: "zeta"}, Target: HandleRef{Node: "merge"}},
			{Source: HandleRef{Node: "alpha"}, Target: HandleRef{Node: "merge"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]NodeID{{"start"}, {"alpha", "zeta"}, {"merge"}}, g.Levels())

	// Property: every forward arrow goes strictly downward in level order.
	level := map[NodeID]int{}
	for i, lvl := range g.Levels() {
		for _, id := range lvl {
			level[id] = i
		}
	}
	for _, a := range g.Arrows() {
		if g.IsBackEdge(a.ID) {
			continue
		}
		assert.Less(t, level[a.Source.Node], level[a.Target.Node])
	}
}
