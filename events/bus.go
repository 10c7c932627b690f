package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sorryhyun/DiPeO-sub017/log"
)

// Handler receives published events. Handlers must be fast; slow consumers
// belong behind a Router connection queue.
type Handler func(event *Event)

type subscription struct {
	id      string
	channel string
	handler Handler
}

// Bus is the in-process publish/subscribe hub. Delivery to handlers is
// synchronous and in publish order; a panicking handler is recovered and
// does not affect the others.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription // channel -> subscriptions
	byID   map[string]*subscription
	cache  LastEventCache
	logger log.Logger
	closed bool
}

// BusOptions configures a Bus.
type BusOptions struct {
	Cache  LastEventCache // Default NewMemoryCache(DefaultCacheTTL)
	Logger log.Logger
}

// NewBus creates a Bus with an in-memory last-event cache.
func NewBus() *Bus {
	return NewBusWithOptions(BusOptions{})
}

// NewBusWithOptions creates a Bus with explicit cache and logger.
func NewBusWithOptions(opts BusOptions) *Bus {
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache(DefaultCacheTTL)
	}
	return &Bus{
		subs:   make(map[string][]*subscription),
		byID:   make(map[string]*subscription),
		cache:  cache,
		logger: log.Or(opts.Logger),
	}
}

// Subscribe registers a handler on a channel and returns the subscription ID.
func (b *Bus) Subscribe(channel string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:      uuid.New().String(),
		channel: channel,
		handler: handler,
	}
	b.subs[channel] = append(b.subs[channel], sub)
	b.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[subID]
	if !ok {
		return
	}
	delete(b.byID, subID)

	list := b.subs[sub.channel]
	for i, s := range list {
		if s.id == subID {
			b.subs[sub.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.channel]) == 0 {
		delete(b.subs, sub.channel)
	}
}

// Publish delivers the event to every subscriber of the channel and records
// it as the channel's last event.
func (b *Bus) Publish(ctx context.Context, channel string, event *Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	list := make([]*subscription, len(b.subs[channel]))
	copy(list, b.subs[channel])
	b.mu.RUnlock()

	if err := b.cache.Set(ctx, channel, event); err != nil {
		b.logger.Warn("event cache set failed for %s: %v", channel, err)
	}

	for _, sub := range list {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked on %s: %v", sub.channel, r)
		}
	}()
	sub.handler(event)
}

// LastEvent returns the channel's most recent event, or nil when none is
// cached within the TTL.
func (b *Bus) LastEvent(ctx context.Context, channel string) (*Event, error) {
	return b.cache.Get(ctx, channel)
}

// BroadcastToExecution publishes on the execution's channel.
func (b *Bus) BroadcastToExecution(ctx context.Context, executionID string, event *Event) {
	b.Publish(ctx, ExecutionChannel(executionID), event)
}

// SubscriberCount returns how many handlers listen on a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close drops all subscriptions. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*subscription)
	b.byID = make(map[string]*subscription)
}
