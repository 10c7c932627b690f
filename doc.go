// DiPeO - Executing Visual Agent Diagrams in Go
//
// DiPeO is a diagram execution engine: it takes a validated graph of typed
// nodes connected by arrows and runs it to completion with durable state,
// bounded parallelism, iterative loops, and real-time event streaming. The
// engine itself is domain-agnostic; node behavior is supplied by handlers
// registered per node type.
//
// # Quick Start
//
// Install the package:
//
//	go get github.com/sorryhyun/DiPeO-sub017
//
// Basic example:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//
//		"github.com/sorryhyun/DiPeO-sub017/engine"
//		"github.com/sorryhyun/DiPeO-sub017/graph"
//	)
//
//	func main() {
//		g, err := graph.Build(&graph.Diagram{
//			Nodes: []graph.Node{
//				{ID: "start", Type: graph.NodeTypeStart},
//				{ID: "end", Type: graph.NodeTypeEndpoint},
//			},
//			Arrows: []graph.Arrow{
//				{ID: "e1", Source: graph.HandleRef{Node: "start"}, Target: graph.HandleRef{Node: "end"}},
//			},
//		})
//		if err != nil {
//			panic(err)
//		}
//
//		e := engine.New(engine.Config{})
//		run, err := e.Execute(context.Background(), g, engine.ExecutionOptions{
//			Variables: map[string]any{"question": "hello"},
//		})
//		if err != nil {
//			panic(err)
//		}
//
//		for ev := range run.Events() {
//			fmt.Printf("%s %s\n", ev.Type, ev.NodeID)
//		}
//		if err := run.Err(); err != nil {
//			panic(err)
//		}
//	}
//
// # Packages
//
//   - graph: the normalized diagram model, structural validation, and the
//     precomputed level order the scheduler dispatches from.
//   - engine: the execution driver with its worker pool, loop and skip
//     controllers, condition evaluation, and pause/resume/cancel control.
//   - handler: the node handler contract, the type registry with JSON
//     Schema props validation, and conversation value coercion.
//   - store: durable execution state with in-memory, SQLite, and Postgres
//     backends.
//   - events: the in-process event bus, the last-event cache (in-memory or
//     Redis), and the connection router for streaming consumers.
//   - log: the pluggable logger used across the module.
//
// # Execution Model
//
// Every node moves PENDING -> RUNNING -> COMPLETED | FAILED | SKIPPED within
// one execution; iterative nodes (person_job, nodes with max_iterations) are
// re-armed through back-edges and run the cycle once per iteration. A node is
// dispatched when all of its non-back-edge dependencies are terminal; skip
// rules decide, in order, max-iterations exhaustion, unreachable or failed
// dependencies, and consumed first-only inputs. Start, endpoint, and
// condition nodes are engine built-ins; everything else resolves through the
// handler registry.
//
// Every state transition is persisted before execution proceeds, and every
// transition is published as a sequenced event on the channel
// "execution:<id>", so late subscribers can resynchronize from the last-event
// cache plus the store snapshot.
package dipeo // import "github.com/sorryhyun/DiPeO-sub017"
