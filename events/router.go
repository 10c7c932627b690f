package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sorryhyun/DiPeO-sub017/log"
)

// SendFunc pushes one event to a remote peer. A non-nil error counts as a
// delivery failure for the connection's health.
type SendFunc func(ctx context.Context, event *Event) error

// RouterConfig tunes per-connection delivery.
type RouterConfig struct {
	// QueueSize is the per-connection buffer. Events beyond it are dropped,
	// newest first. Default 100.
	QueueSize int

	// SendTimeout bounds one SendFunc call. Default 10s.
	SendTimeout time.Duration

	// MaxFailures is how many consecutive send failures unregister the
	// connection. Default 3.
	MaxFailures int

	Logger log.Logger
}

// DefaultRouterConfig returns the default delivery tuning.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		QueueSize:   100,
		SendTimeout: 10 * time.Second,
		MaxFailures: 3,
	}
}

// Health is the delivery health of one connection.
type Health struct {
	ConnectionID       string        `json:"connection_id"`
	Queued             int           `json:"queued"`
	TotalMessages      uint64        `json:"total_messages"`
	DroppedMessages    uint64        `json:"dropped_messages"`
	FailedAttempts     int           `json:"failed_attempts"`
	LastSuccessfulSend time.Time     `json:"last_successful_send"`
	AvgLatency         time.Duration `json:"avg_latency"`
}

type connection struct {
	id     string
	send   SendFunc
	queue  chan *Event
	done   chan struct{}
	subIDs []string

	mu           sync.Mutex
	total        uint64
	dropped      uint64
	failures     int
	lastSuccess  time.Time
	latencyTotal time.Duration
}

// Router fans bus events out to registered connections. Each connection has
// a bounded queue drained by its own writer goroutine, so one slow peer
// cannot stall the engine or the other peers.
type Router struct {
	cfg    RouterConfig
	bus    *Bus
	logger log.Logger

	mu     sync.RWMutex
	conns  map[string]*connection
	closed atomic.Bool
}

// NewRouter creates a router on top of a bus.
func NewRouter(bus *Bus, cfg RouterConfig) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	return &Router{
		cfg:    cfg,
		bus:    bus,
		logger: log.Or(cfg.Logger),
		conns:  make(map[string]*connection),
	}
}

// RegisterConnection adds a connection and starts its writer.
func (r *Router) RegisterConnection(connID string, send SendFunc) error {
	if r.closed.Load() {
		return fmt.Errorf("router is closed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[connID]; exists {
		return fmt.Errorf("connection %s already registered", connID)
	}

	conn := &connection{
		id:    connID,
		send:  send,
		queue: make(chan *Event, r.cfg.QueueSize),
		done:  make(chan struct{}),
	}
	r.conns[connID] = conn
	go r.writeLoop(conn)
	return nil
}

// UnregisterConnection removes a connection and its bus subscriptions.
func (r *Router) UnregisterConnection(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, subID := range conn.subIDs {
		r.bus.Unsubscribe(subID)
	}
	close(conn.done)
}

// SubscribeConnectionToExecution routes an execution's events to the
// connection. The channel's last cached event, if any, is enqueued first so
// a late subscriber sees where the execution stands.
func (r *Router) SubscribeConnectionToExecution(ctx context.Context, connID, executionID string) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("connection %s not registered", connID)
	}

	subID := r.bus.Subscribe(ExecutionChannel(executionID), func(event *Event) {
		r.enqueue(conn, event)
	})
	conn.subIDs = append(conn.subIDs, subID)
	r.mu.Unlock()

	last, err := r.bus.LastEvent(ctx, ExecutionChannel(executionID))
	if err != nil {
		return err
	}
	if last != nil {
		r.enqueue(conn, last)
	}
	return nil
}

func (r *Router) enqueue(conn *connection, event *Event) {
	select {
	case conn.queue <- event:
	default:
		conn.mu.Lock()
		conn.dropped++
		dropped := conn.dropped
		conn.mu.Unlock()
		if dropped == 1 || dropped%100 == 0 {
			r.logger.Warn("connection %s queue full, dropped %d events", conn.id, dropped)
		}
	}
}

func (r *Router) writeLoop(conn *connection) {
	for {
		select {
		case <-conn.done:
			return
		case event := <-conn.queue:
			if r.write(conn, event) {
				return
			}
		}
	}
}

// write sends one event and returns true when the connection was
// unregistered for exceeding MaxFailures.
func (r *Router) write(conn *connection, event *Event) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
	start := time.Now()
	err := conn.send(ctx, event)
	cancel()

	conn.mu.Lock()
	if err != nil {
		conn.failures++
		failures := conn.failures
		conn.mu.Unlock()

		r.logger.Warn("send to connection %s failed (%d/%d): %v", conn.id, failures, r.cfg.MaxFailures, err)
		if failures >= r.cfg.MaxFailures {
			r.logger.Info("unregistering connection %s after %d consecutive failures", conn.id, failures)
			r.UnregisterConnection(conn.id)
			return true
		}
		return false
	}

	conn.failures = 0
	conn.total++
	conn.lastSuccess = time.Now()
	conn.latencyTotal += time.Since(start)
	conn.mu.Unlock()
	return false
}

// Health returns the delivery health of a connection.
func (r *Router) Health(connID string) (Health, bool) {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return Health{}, false
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	h := Health{
		ConnectionID:       conn.id,
		Queued:             len(conn.queue),
		TotalMessages:      conn.total,
		DroppedMessages:    conn.dropped,
		FailedAttempts:     conn.failures,
		LastSuccessfulSend: conn.lastSuccess,
	}
	if conn.total > 0 {
		h.AvgLatency = conn.latencyTotal / time.Duration(conn.total)
	}
	return h, true
}

// ConnectionCount returns how many connections are registered.
func (r *Router) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close unregisters every connection.
func (r *Router) Close() {
	r.closed.Store(true)

	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.UnregisterConnection(id)
	}
}
