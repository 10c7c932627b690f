package engine

import (
	"sync"

	"github.com/sorryhyun/DiPeO-sub017/graph"
)

type loopEntry struct {
	max      int
	explicit bool
	count    int
}

// LoopController tracks per-node iteration counts and enforces ceilings.
// Nodes without an explicit max_iterations fall back to the global ceiling.
type LoopController struct {
	mu        sync.Mutex
	globalMax int
	entries   map[graph.NodeID]*loopEntry
}

// NewLoopController creates a controller with the given global ceiling.
func NewLoopController(globalMax int) *LoopController {
	if globalMax <= 0 {
		globalMax = DefaultExecutionOptions().MaxIterations
	}
	return &LoopController{
		globalMax: globalMax,
		entries:   make(map[graph.NodeID]*loopEntry),
	}
}

// Register adds an iterative node. maxIterations <= 0 means the global
// ceiling applies.
func (l *LoopController) Register(id graph.NodeID, maxIterations int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &loopEntry{max: maxIterations, explicit: maxIterations > 0}
	if !entry.explicit {
		entry.max = l.globalMax
	}
	l.entries[id] = entry
}

// ShouldContinue reports whether the node may run another iteration.
// Unregistered nodes never re-run.
func (l *LoopController) ShouldContinue(id graph.NodeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[id]
	if !ok {
		return false
	}
	return entry.count < entry.max
}

// MarkComplete atomically counts a finished iteration and reports whether
// another may follow, plus the new count.
func (l *LoopController) MarkComplete(id graph.NodeID) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[id]
	if !ok {
		return false, 0
	}
	entry.count++
	return entry.count < entry.max, entry.count
}

// Count returns how many iterations the node has completed.
func (l *LoopController) Count(id graph.NodeID) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[id]
	if !ok {
		return 0
	}
	return entry.count
}

// AllAtMax reports whether every node with an explicit max_iterations has
// reached it. Condition nodes of type "max_iterations" evaluate this to
// detect global loop termination. False when no node declares a ceiling.
func (l *LoopController) AllAtMax() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := false
	for _, entry := range l.entries {
		if !entry.explicit {
			continue
		}
		seen = true
		if entry.count < entry.max {
			return false
		}
	}
	return seen
}
