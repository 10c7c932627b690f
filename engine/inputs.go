package engine

import (
	"fmt"

	"github.com/sorryhyun/DiPeO-sub017/graph"
	"github.com/sorryhyun/DiPeO-sub017/handler"
	"github.com/sorryhyun/DiPeO-sub017/store"
)

// resolveInputs builds the inputs map for one node invocation. Each incoming
// arrow contributes its source's latest output value under the arrow's input
// name; sources that did not complete contribute nil. First-only arrows
// deliver on the first iteration only. Back-edge arrows deliver the previous
// iteration's value when one exists.
func resolveInputs(
	g *graph.Graph,
	id graph.NodeID,
	statuses map[graph.NodeID]store.NodeStatus,
	outputs map[graph.NodeID]*store.NodeOutput,
	iteration int,
) (map[string]any, error) {
	inputs := make(map[string]any)
	for _, a := range g.Incoming(id) {
		if a.FirstOnly() && iteration > 0 {
			continue
		}
		if g.IsBackEdge(a.ID) && outputs[a.Source.Node] == nil {
			continue
		}

		var value any
		if statuses[a.Source.Node] == store.NodeCompleted {
			src, _ := g.Node(a.Source.Node)
			if out := outputs[a.Source.Node]; out != nil && branchActive(a, src, out) {
				value = out.Value
			}
		}

		if a.ContentType == "conversation" {
			msgs, err := handler.ParseConversation(value)
			if err != nil {
				return nil, fmt.Errorf("input %q of node %s: %w", a.InputName(), id, err)
			}
			value = msgs
		}
		inputs[a.InputName()] = value
	}
	return inputs, nil
}

// conditionEnv merges the execution variables and the node's resolved
// inputs into the environment a condition expression evaluates against.
// Inputs shadow variables of the same name.
func conditionEnv(variables, inputs map[string]any) map[string]any {
	env := make(map[string]any, len(variables)+len(inputs))
	for k, v := range variables {
		env[k] = v
	}
	for k, v := range inputs {
		env[k] = v
	}
	return env
}
