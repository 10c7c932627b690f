package engine

import (
	"sync"

	"github.com/sorryhyun/DiPeO-sub017/graph"
	"github.com/sorryhyun/DiPeO-sub017/store"
)

// SkipController applies the skip rules, in order, to a ready node and
// records the reason for every skip it decides.
type SkipController struct {
	mu      sync.Mutex
	reasons map[graph.NodeID]store.SkipReason
}

// NewSkipController creates an empty controller.
func NewSkipController() *SkipController {
	return &SkipController{
		reasons: make(map[graph.NodeID]store.SkipReason),
	}
}

// Record notes a skip decided outside Evaluate, such as a condition node
// that evaluated false.
func (s *SkipController) Record(id graph.NodeID, reason store.SkipReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons[id] = reason
}

// Reason returns the recorded skip reason for a node.
func (s *SkipController) Reason(id graph.NodeID) (store.SkipReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reasons[id]
	return r, ok
}

// Reasons returns a copy of all recorded skips.
func (s *SkipController) Reasons() map[graph.NodeID]store.SkipReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[graph.NodeID]store.SkipReason, len(s.reasons))
	for id, r := range s.reasons {
		out[id] = r
	}
	return out
}

// Evaluate applies the skip rules to a ready node; first match wins. The
// returned reason is recorded when ok is true.
//
// Rule order: max iterations reached; gating condition false; all required
// dependencies skipped; first-only input already consumed. Required excludes
// first-only arrows; optional dependencies never force a skip.
func (s *SkipController) Evaluate(
	g *graph.Graph,
	node *graph.Node,
	statuses map[graph.NodeID]store.NodeStatus,
	outputs map[graph.NodeID]*store.NodeOutput,
	loops *LoopController,
	continueOnError bool,
) (store.SkipReason, bool) {
	if reason, ok := s.evaluate(g, node, statuses, outputs, loops, continueOnError); ok {
		s.Record(node.ID, reason)
		return reason, true
	}
	return "", false
}

func (s *SkipController) evaluate(
	g *graph.Graph,
	node *graph.Node,
	statuses map[graph.NodeID]store.NodeStatus,
	outputs map[graph.NodeID]*store.NodeOutput,
	loops *LoopController,
	continueOnError bool,
) (store.SkipReason, bool) {
	if g.IsIterative(node.ID) && loops.Count(node.ID) > 0 && !loops.ShouldContinue(node.ID) {
		return store.SkipMaxIterationsReached, true
	}

	var required, satisfied, inactive, failed, skipped int
	for _, a := range g.Incoming(node.ID) {
		if g.IsBackEdge(a.ID) || a.FirstOnly() {
			continue
		}
		required++
		switch statuses[a.Source.Node] {
		case store.NodeCompleted:
			src, _ := g.Node(a.Source.Node)
			if branchActive(a, src, outputs[a.Source.Node]) {
				satisfied++
			} else {
				inactive++
			}
		case store.NodeFailed:
			if continueOnError {
				satisfied++
			} else {
				failed++
			}
		case store.NodeSkipped:
			skipped++
		}
	}

	if required > 0 && satisfied == 0 {
		switch {
		case inactive > 0:
			return store.SkipConditionNotMet, true
		case failed > 0:
			return store.SkipDependencyFailed, true
		default:
			return store.SkipDependencySkipped, true
		}
	}

	if node.Type == graph.NodeTypePersonJob && loops.Count(node.ID) > 0 &&
		firstOnlyExhausted(g, node) {
		return store.SkipFirstOnlyConsumed, true
	}

	return "", false
}

// firstOnlyExhausted reports whether a person_job has nothing to run on past
// its first iteration: its only inputs are first-only and it declares no
// default prompt.
func firstOnlyExhausted(g *graph.Graph, node *graph.Node) bool {
	hasFirstOnly := false
	for _, a := range g.Incoming(node.ID) {
		if a.FirstOnly() {
			hasFirstOnly = true
		} else {
			return false
		}
	}
	if !hasFirstOnly {
		return false
	}
	if node.Data != nil {
		if p, ok := node.Data["default_prompt"].(string); ok && p != "" {
			return false
		}
		if p, ok := node.Data["prompt"].(string); ok && p != "" {
			return false
		}
	}
	return true
}

// branchActive reports whether an arrow out of a completed node delivers.
// Arrows off a condition's true/false handles deliver only on the matching
// branch; all other arrows always deliver.
func branchActive(a *graph.Arrow, src *graph.Node, out *store.NodeOutput) bool {
	if src == nil || src.Type != graph.NodeTypeCondition {
		return true
	}
	switch a.Source.Handle {
	case "true", "false":
		v := false
		if out != nil {
			v, _ = out.Value.(bool)
		}
		return (a.Source.Handle == "true") == v
	}
	return true
}
