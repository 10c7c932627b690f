package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorryhyun/DiPeO-sub017/log"
)

func TestBusPublishOrder(t *testing.T) {
	b := NewBus()
	ctx := context.Background()

	var got []uint64
	b.Subscribe("execution:x", func(e *Event) {
		got = append(got, e.Sequence)
	})

	for i := uint64(1); i <= 5; i++ {
		b.Publish(ctx, "execution:x", &Event{Type: NodeUpdate, ExecutionID: "x", Sequence: i})
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()
	ctx := context.Background()

	count := 0
	subID := b.Subscribe("execution:x", func(*Event) { count++ })
	b.Publish(ctx, "execution:x", &Event{Sequence: 1})
	b.Unsubscribe(subID)
	b.Publish(ctx, "execution:x", &Event{Sequence: 2})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, b.SubscriberCount("execution:x"))

	// Unknown IDs are ignored.
	b.Unsubscribe("nope")
}

func TestBusChannelIsolation(t *testing.T) {
	b := NewBus()
	ctx := context.Background()

	var xCount, yCount int
	b.Subscribe(ExecutionChannel("x"), func(*Event) { xCount++ })
	b.Subscribe(ExecutionChannel("y"), func(*Event) { yCount++ })

	b.BroadcastToExecution(ctx, "x", &Event{Sequence: 1})
	b.BroadcastToExecution(ctx, "x", &Event{Sequence: 2})
	b.BroadcastToExecution(ctx, "y", &Event{Sequence: 1})

	assert.Equal(t, 2, xCount)
	assert.Equal(t, 1, yCount)
}

func TestBusHandlerPanicIsRecovered(t *testing.T) {
	b := NewBusWithOptions(BusOptions{Logger: &log.NoOpLogger{}})
	ctx := context.Background()

	survived := 0
	b.Subscribe("execution:x", func(*Event) { panic("bad handler") })
	b.Subscribe("execution:x", func(*Event) { survived++ })

	b.Publish(ctx, "execution:x", &Event{Sequence: 1})
	assert.Equal(t, 1, survived)
}

func TestBusLastEventReplay(t *testing.T) {
	b := NewBus()
	ctx := context.Background()

	got, err := b.LastEvent(ctx, "execution:x")
	require.NoError(t, err)
	assert.Nil(t, got)

	b.Publish(ctx, "execution:x", &Event{Type: NodeStart, Sequence: 1})
	b.Publish(ctx, "execution:x", &Event{Type: NodeComplete, Sequence: 2})

	got, err = b.LastEvent(ctx, "execution:x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, NodeComplete, got.Type)
	assert.Equal(t, uint64(2), got.Sequence)
}

func TestBusCloseDropsSubscribers(t *testing.T) {
	b := NewBus()
	ctx := context.Background()

	count := 0
	b.Subscribe("execution:x", func(*Event) { count++ })
	b.Close()
	b.Publish(ctx, "execution:x", &Event{Sequence: 1})

	assert.Equal(t, 0, count)
}

func TestBusConcurrentSubscribePublish(t *testing.T) {
	b := NewBus()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := b.Subscribe("execution:x", func(*Event) {})
			b.Unsubscribe(id)
		}()
		go func() {
			defer wg.Done()
			b.Publish(ctx, "execution:x", &Event{Sequence: 1})
		}()
	}
	wg.Wait()
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "execution:x", &Event{Sequence: 1}))
	got, err := c.Get(ctx, "execution:x")
	require.NoError(t, err)
	require.NotNil(t, got)

	time.Sleep(40 * time.Millisecond)
	got, err = c.Get(ctx, "execution:x")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "execution:x", &Event{Sequence: 1}))
	require.NoError(t, c.Delete(ctx, "execution:x"))
	got, err := c.Get(ctx, "execution:x")
	require.NoError(t, err)
	assert.Nil(t, got)
}
