// Package engine drives diagram executions: it schedules ready nodes onto a
// bounded worker pool, applies loop and skip rules, invokes handlers,
// persists every transition, and streams progress events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sorryhyun/DiPeO-sub017/events"
	"github.com/sorryhyun/DiPeO-sub017/graph"
	"github.com/sorryhyun/DiPeO-sub017/handler"
	"github.com/sorryhyun/DiPeO-sub017/log"
	"github.com/sorryhyun/DiPeO-sub017/store"
	"github.com/sorryhyun/DiPeO-sub017/store/memory"
)

// runEventBuffer is the capacity of a Run's event stream. Slow readers lose
// events from the stream but never stall the execution; the bus and the
// store remain authoritative.
const runEventBuffer = 256

// Config assembles an Engine's dependencies. Zero values get in-process
// defaults.
type Config struct {
	Store    store.Store
	Bus      *events.Bus
	Registry *handler.Registry
	Services handler.Services
	Logger   log.Logger
}

// Engine executes graphs. It is safe for concurrent use; each execution
// runs on its own driver goroutine with its own worker pool.
type Engine struct {
	store    store.Store
	bus      *events.Bus
	registry *handler.Registry
	services handler.Services
	logger   log.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// New creates an Engine. A nil Store means in-memory state, a nil Bus a
// fresh in-process bus, a nil Registry an empty one.
func New(cfg Config) *Engine {
	st := cfg.Store
	if st == nil {
		st = memory.NewMemoryStore()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = handler.NewRegistry()
	}
	services := cfg.Services
	if services == nil {
		services = handler.Services{}
	}
	return &Engine{
		store:    st,
		bus:      bus,
		registry: registry,
		services: services,
		logger:   log.Or(cfg.Logger),
		runs:     make(map[string]*Run),
	}
}

// Bus returns the engine's event bus, for wiring routers and subscribers.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Registry returns the engine's handler registry.
func (e *Engine) Registry() *handler.Registry {
	return e.registry
}

// Run is one in-flight (or finished) execution.
type Run struct {
	id     string
	engine *Engine
	graph  *graph.Graph
	opts   ExecutionOptions
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	loops *LoopController
	skips *SkipController

	seq     atomic.Uint64
	dropped atomic.Uint64

	streamMu     sync.Mutex
	stream       chan *events.Event
	streamClosed bool

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	done chan struct{}
	err  error
}

// ID returns the execution ID.
func (r *Run) ID() string {
	return r.id
}

// Events returns the run's event stream. It is closed when the execution
// reaches a terminal status. Events beyond the buffer are dropped for this
// stream only; subscribe on the bus for durable fan-out.
func (r *Run) Events() <-chan *events.Event {
	return r.stream
}

// Done is closed when the execution reaches a terminal status.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err returns the execution's terminal error, nil on COMPLETED. Valid after
// Done is closed.
func (r *Run) Err() error {
	return r.err
}

// Wait blocks until the execution finishes or ctx expires.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute validates the graph against the registry, creates the execution
// state, and starts the driver. The returned Run streams events and reports
// completion; cancellation of ctx aborts the execution.
func (e *Engine) Execute(ctx context.Context, g *graph.Graph, opts ExecutionOptions) (*Run, error) {
	opts = opts.withDefaults()
	if opts.ExecutionID == "" {
		opts.ExecutionID = uuid.New().String()
	}
	if opts.Variables == nil {
		opts.Variables = map[string]any{}
	}

	if err := e.validate(g); err != nil {
		return nil, err
	}

	if _, err := e.store.CreateExecution(ctx, opts.ExecutionID, opts.DiagramID, opts.Variables); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		id:       opts.ExecutionID,
		engine:   e,
		graph:    g,
		opts:     opts,
		logger:   log.Or(opts.Logger),
		ctx:      runCtx,
		cancel:   cancel,
		loops:    NewLoopController(opts.MaxIterations),
		skips:    NewSkipController(),
		stream:   make(chan *events.Event, runEventBuffer),
		done:     make(chan struct{}),
		resumeCh: make(chan struct{}),
	}
	for _, node := range g.Nodes() {
		if g.IsIterative(node.ID) {
			max, _ := node.MaxIterations()
			r.loops.Register(node.ID, max)
		}
	}

	e.mu.Lock()
	e.runs[opts.ExecutionID] = r
	e.mu.Unlock()

	go r.drive()
	return r, nil
}

// validate rejects graphs the registry cannot execute: unknown node types,
// invalid props, missing services. Start, endpoint, and condition nodes are
// engine built-ins.
func (e *Engine) validate(g *graph.Graph) error {
	for _, node := range g.Nodes() {
		switch node.Type {
		case graph.NodeTypeStart, graph.NodeTypeEndpoint, graph.NodeTypeCondition:
			continue
		}
		h, err := e.registry.Lookup(node.Type)
		if err != nil {
			return err
		}
		if err := e.registry.ValidateProps(node); err != nil {
			return err
		}
		for _, svc := range h.RequiredServices() {
			if !e.services.Has(svc) {
				return &ServiceError{Type: node.Type, Service: svc}
			}
		}
	}
	return nil
}

// Cancel aborts an execution. Cancelling an execution that already finished
// is a no-op; unknown IDs return store.ErrExecutionNotFound.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()
	if ok {
		r.cancel()
		return nil
	}
	_, err := e.store.GetState(ctx, executionID)
	return err
}

// Pause stops dispatching new nodes before the next wave. In-flight
// handlers keep running; the execution status becomes PAUSED.
func (e *Engine) Pause(executionID string) error {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()
	if !ok {
		return ErrNotActive
	}
	return r.pause()
}

// Resume reopens dispatch for a paused execution.
func (e *Engine) Resume(executionID string) error {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()
	if !ok {
		return ErrNotActive
	}
	return r.resume()
}

// Subscribe registers a handler for an execution's events on the bus.
func (e *Engine) Subscribe(executionID string, h events.Handler) string {
	return e.bus.Subscribe(events.ExecutionChannel(executionID), h)
}

// Unsubscribe removes a bus subscription.
func (e *Engine) Unsubscribe(subID string) {
	e.bus.Unsubscribe(subID)
}

// GetExecutionState returns a snapshot of an execution.
func (e *Engine) GetExecutionState(ctx context.Context, executionID string) (*store.ExecutionState, error) {
	return e.store.GetState(ctx, executionID)
}

// ListExecutions returns execution summaries, newest first.
func (e *Engine) ListExecutions(ctx context.Context, limit, offset int) ([]store.Summary, error) {
	return e.store.ListExecutions(ctx, limit, offset)
}

func (e *Engine) removeRun(id string) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

func (r *Run) pause() error {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	if r.paused {
		return nil
	}
	r.paused = true
	r.resumeCh = make(chan struct{})
	return r.engine.store.UpdateStatus(context.Background(), r.id, store.StatusPaused, "")
}

func (r *Run) resume() error {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	if !r.paused {
		return ErrNotPaused
	}
	r.paused = false
	close(r.resumeCh)
	return r.engine.store.UpdateStatus(context.Background(), r.id, store.StatusRunning, "")
}

// waitWhilePaused blocks while the run is paused. It returns false when the
// run was cancelled instead of resumed.
func (r *Run) waitWhilePaused() bool {
	for {
		r.pauseMu.Lock()
		if !r.paused {
			r.pauseMu.Unlock()
			return true
		}
		ch := r.resumeCh
		r.pauseMu.Unlock()

		select {
		case <-ch:
		case <-r.ctx.Done():
			return false
		}
	}
}

type nodeResult struct {
	id     graph.NodeID
	output *store.NodeOutput
	err    error
}

// drive is the execution's driver loop. It owns all scheduling state; only
// handler invocations run on other goroutines.
func (r *Run) drive() {
	e := r.engine
	defer close(r.done)
	defer r.closeStream()
	defer e.removeRun(r.id)

	r.emit(events.ExecutionStart, "", map[string]any{"variables": r.opts.Variables})

	statuses := make(map[graph.NodeID]store.NodeStatus, r.graph.Len())
	for _, node := range r.graph.Nodes() {
		statuses[node.ID] = store.NodePending
	}
	outputs := make(map[graph.NodeID]*store.NodeOutput, r.graph.Len())

	sem := make(chan struct{}, r.opts.WorkerPoolSize)
	results := make(chan nodeResult, r.opts.WorkerPoolSize)
	running := 0

	var execErr error
	if err := e.store.UpdateStatus(context.Background(), r.id, store.StatusRunning, ""); err != nil {
		execErr = err
	}

loop:
	for execErr == nil {
		if r.ctx.Err() != nil {
			execErr = ErrCancelled
			break
		}
		if !r.waitWhilePaused() {
			execErr = ErrCancelled
			break
		}

		progressed, err := r.processReady(statuses, outputs, sem, results, &running)
		if err != nil {
			execErr = err
			break
		}

		if running == 0 {
			if allSettled(statuses) {
				break
			}
			if !progressed {
				execErr = ErrDeadlock
				break
			}
			continue
		}

		select {
		case res := <-results:
			running--
			if err := r.handleResult(res, statuses, outputs); err != nil {
				execErr = err
				break loop
			}
		case <-r.ctx.Done():
			execErr = ErrCancelled
			break loop
		}
	}

	r.finalize(statuses, execErr)
}

// processReady walks the level order, skips or launches every ready pending
// node, and reports whether any node changed state.
func (r *Run) processReady(
	statuses map[graph.NodeID]store.NodeStatus,
	outputs map[graph.NodeID]*store.NodeOutput,
	sem chan struct{},
	results chan<- nodeResult,
	running *int,
) (bool, error) {
	g := r.graph
	progressed := false

	for _, level := range g.Levels() {
		for _, id := range level {
			if statuses[id] != store.NodePending || !ready(g, id, statuses) {
				continue
			}
			node, _ := g.Node(id)

			if reason, skip := r.skips.Evaluate(g, node, statuses, outputs, r.loops, r.opts.ContinueOnError); skip {
				if err := r.commitSkipped(id, reason, statuses); err != nil {
					return progressed, err
				}
				progressed = true
				continue
			}

			switch node.Type {
			case graph.NodeTypeStart, graph.NodeTypeEndpoint, graph.NodeTypeCondition:
				if err := r.runBuiltin(node, statuses, outputs); err != nil {
					return progressed, err
				}
				progressed = true

			default:
				select {
				case sem <- struct{}{}:
				default:
					// Pool exhausted; retry after the next completion.
					return progressed, nil
				}
				if err := r.launch(node, statuses, outputs, sem, results); err != nil {
					return progressed, err
				}
				*running++
				progressed = true
			}
		}
	}
	return progressed, nil
}

// runBuiltin executes start, endpoint, and condition nodes inline on the
// driver. They are cheap and their in-order execution keeps event order
// deterministic.
func (r *Run) runBuiltin(node *graph.Node, statuses map[graph.NodeID]store.NodeStatus, outputs map[graph.NodeID]*store.NodeOutput) error {
	if err := r.commitRunning(node.ID, statuses); err != nil {
		return err
	}

	iteration := r.loops.Count(node.ID)
	inputs, err := resolveInputs(r.graph, node.ID, statuses, outputs, iteration)
	if err != nil {
		return r.commitFailure(node.ID, err, statuses)
	}

	switch node.Type {
	case graph.NodeTypeStart:
		return r.commitSuccess(node.ID, &store.NodeOutput{Value: r.opts.Variables}, statuses, outputs)

	case graph.NodeTypeEndpoint:
		return r.commitSuccess(node.ID, &store.NodeOutput{Value: inputs}, statuses, outputs)

	case graph.NodeTypeCondition:
		result, err := r.evaluateCondition(node, inputs)
		if err != nil {
			return r.commitFailure(node.ID, err, statuses)
		}
		if !result {
			r.loops.MarkComplete(node.ID)
			r.skips.Record(node.ID, store.SkipConditionNotMet)
			return r.commitSkipped(node.ID, store.SkipConditionNotMet, statuses)
		}
		return r.commitSuccess(node.ID, &store.NodeOutput{Value: true}, statuses, outputs)
	}
	return nil
}

func (r *Run) evaluateCondition(node *graph.Node, inputs map[string]any) (bool, error) {
	if node.ConditionType() == "max_iterations" {
		return r.loops.AllAtMax(), nil
	}
	expression, _ := node.Data["expression"].(string)
	return EvaluateCondition(expression, conditionEnv(r.opts.Variables, inputs))
}

// launch resolves inputs and starts one handler invocation on the pool. The
// worker slot is already held and is released by the invocation goroutine.
func (r *Run) launch(
	node *graph.Node,
	statuses map[graph.NodeID]store.NodeStatus,
	outputs map[graph.NodeID]*store.NodeOutput,
	sem chan struct{},
	results chan<- nodeResult,
) error {
	h, err := r.engine.registry.Lookup(node.Type)
	if err != nil {
		<-sem
		return err
	}

	iteration := r.loops.Count(node.ID)
	inputs, err := resolveInputs(r.graph, node.ID, statuses, outputs, iteration)
	if err != nil {
		<-sem
		if cerr := r.commitFailure(node.ID, err, statuses); cerr != nil {
			return cerr
		}
		return nil
	}

	if err := r.commitRunning(node.ID, statuses); err != nil {
		<-sem
		return err
	}

	go r.invoke(node, h, inputs, iteration, sem, results)
	return nil
}

// invoke runs one handler with its deadline and forwards the outcome to the
// driver. It never blocks the driver: results is sized to the pool.
func (r *Run) invoke(node *graph.Node, h handler.Handler, inputs map[string]any, iteration int, sem chan struct{}, results chan<- nodeResult) {
	defer func() { <-sem }()

	timeout := r.opts.NodeTimeout
	if d, ok := node.Timeout(); ok {
		timeout = d
	}
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	hctx := handler.NewContext(r.id, node.ID, iteration, r.opts.Variables, r.emitEvent)

	done := make(chan nodeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- nodeResult{id: node.ID, err: fmt.Errorf("handler panicked: %v", p)}
			}
		}()
		out, err := h.Execute(ctx, hctx, node.Data, inputs, r.engine.services)
		done <- nodeResult{id: node.ID, output: out, err: err}
	}()

	select {
	case res := <-done:
		results <- res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			results <- nodeResult{id: node.ID, err: ErrTimeout}
		} else {
			results <- nodeResult{id: node.ID, err: ErrCancelled}
		}
	}
}

func (r *Run) handleResult(res nodeResult, statuses map[graph.NodeID]store.NodeStatus, outputs map[graph.NodeID]*store.NodeOutput) error {
	if res.err != nil {
		return r.commitFailure(res.id, res.err, statuses)
	}
	output := res.output
	if output == nil {
		output = &store.NodeOutput{}
	}
	return r.commitSuccess(res.id, output, statuses, outputs)
}

func (r *Run) commitRunning(id graph.NodeID, statuses map[graph.NodeID]store.NodeStatus) error {
	if err := r.engine.store.UpdateNodeStatus(context.Background(), r.id, string(id), store.NodeRunning, nil, "", ""); err != nil {
		return err
	}
	statuses[id] = store.NodeRunning
	if r.opts.Debug {
		r.logger.Debug("execution %s: node %s running (iteration %d)", r.id, id, r.loops.Count(id))
	}
	r.emit(events.NodeStart, id, map[string]any{"iteration": r.loops.Count(id)})
	return nil
}

func (r *Run) commitSuccess(id graph.NodeID, output *store.NodeOutput, statuses map[graph.NodeID]store.NodeStatus, outputs map[graph.NodeID]*store.NodeOutput) error {
	if err := r.engine.store.UpdateNodeStatus(context.Background(), r.id, string(id), store.NodeCompleted, output, "", ""); err != nil {
		return err
	}
	statuses[id] = store.NodeCompleted
	outputs[id] = output
	r.emit(events.NodeComplete, id, map[string]any{"value": output.Value})

	if r.graph.IsIterative(id) {
		r.loops.MarkComplete(id)
	}
	r.rearmBackEdgeTargets(id, output, statuses)
	return nil
}

func (r *Run) commitFailure(id graph.NodeID, nodeErr error, statuses map[graph.NodeID]store.NodeStatus) error {
	msg := nodeErr.Error()
	if errors.Is(nodeErr, ErrTimeout) {
		msg = ErrTimeout.Error()
	}
	if err := r.engine.store.UpdateNodeStatus(context.Background(), r.id, string(id), store.NodeFailed, nil, msg, ""); err != nil {
		return err
	}
	statuses[id] = store.NodeFailed
	r.logger.Warn("execution %s: node %s failed: %s", r.id, id, msg)
	r.emit(events.NodeFailed, id, map[string]any{"error": msg})
	return nil
}

func (r *Run) commitSkipped(id graph.NodeID, reason store.SkipReason, statuses map[graph.NodeID]store.NodeStatus) error {
	if err := r.engine.store.UpdateNodeStatus(context.Background(), r.id, string(id), store.NodeSkipped, nil, "", reason); err != nil {
		return err
	}
	statuses[id] = store.NodeSkipped
	if r.opts.Debug {
		r.logger.Debug("execution %s: node %s skipped (%s)", r.id, id, reason)
	}
	r.emit(events.NodeSkipped, id, map[string]any{"reason": string(reason)})
	return nil
}

// rearmBackEdgeTargets resets iterative nodes fed by a just-completed
// back-edge source, so the next pass re-dispatches them.
func (r *Run) rearmBackEdgeTargets(id graph.NodeID, output *store.NodeOutput, statuses map[graph.NodeID]store.NodeStatus) {
	node, _ := r.graph.Node(id)
	for _, a := range r.graph.Outgoing(id) {
		if !r.graph.IsBackEdge(a.ID) || !branchActive(a, node, output) {
			continue
		}
		target := a.Target.Node
		if r.graph.IsIterative(target) && r.loops.ShouldContinue(target) {
			statuses[target] = store.NodePending
		}
	}
}

func (r *Run) finalize(statuses map[graph.NodeID]store.NodeStatus, execErr error) {
	var status store.Status
	var msg string

	switch {
	case errors.Is(execErr, ErrCancelled):
		status = store.StatusAborted
		msg = ErrCancelled.Error()
	case execErr != nil:
		status = store.StatusFailed
		msg = execErr.Error()
	case anyFailed(statuses):
		status = store.StatusFailed
		msg = "one or more nodes failed"
		execErr = errors.New(msg)
	default:
		status = store.StatusCompleted
	}

	if err := r.engine.store.UpdateStatus(context.Background(), r.id, status, msg); err != nil {
		r.logger.Error("execution %s: terminal status commit failed: %v", r.id, err)
	}

	r.err = execErr
	if status == store.StatusCompleted {
		data := map[string]any{"status": string(status)}
		if state, err := r.engine.store.GetState(context.Background(), r.id); err == nil {
			data["token_usage"] = state.TokenUsage
		}
		r.emit(events.ExecutionComplete, "", data)
	} else {
		r.emit(events.ExecutionError, "", map[string]any{"status": string(status), "error": msg})
	}
	if dropped := r.dropped.Load(); dropped > 0 {
		r.logger.Warn("execution %s: %d events dropped from run stream", r.id, dropped)
	}
}

func (r *Run) emit(t events.Type, nodeID graph.NodeID, data map[string]any) {
	r.emitEvent(&events.Event{Type: t, NodeID: string(nodeID), Data: data})
}

// emitEvent stamps sequence and timestamp, publishes on the bus, and offers
// the event to the run stream without blocking.
func (r *Run) emitEvent(ev *events.Event) {
	ev.ExecutionID = r.id
	ev.Sequence = r.seq.Add(1)
	ev.Timestamp = time.Now().UTC()

	r.engine.bus.BroadcastToExecution(context.Background(), r.id, ev)

	r.streamMu.Lock()
	defer r.streamMu.Unlock()
	if r.streamClosed {
		return
	}
	select {
	case r.stream <- ev:
	default:
		r.dropped.Add(1)
	}
}

func (r *Run) closeStream() {
	r.streamMu.Lock()
	defer r.streamMu.Unlock()
	if !r.streamClosed {
		r.streamClosed = true
		close(r.stream)
	}
}

func ready(g *graph.Graph, id graph.NodeID, statuses map[graph.NodeID]store.NodeStatus) bool {
	for _, a := range g.Incoming(id) {
		if g.IsBackEdge(a.ID) {
			continue
		}
		if !statuses[a.Source.Node].Terminal() {
			return false
		}
	}
	return true
}

func allSettled(statuses map[graph.NodeID]store.NodeStatus) bool {
	for _, s := range statuses {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

func anyFailed(statuses map[graph.NodeID]store.NodeStatus) bool {
	for _, s := range statuses {
		if s == store.NodeFailed {
			return true
		}
	}
	return false
}
