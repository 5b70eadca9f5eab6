package bus

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
	"github.com/yungbote/graphpilot-backend/internal/realtime"
)

type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
	ch     chan realtime.Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan realtime.Event, 16)} }

func (r *recorder) handle(ev realtime.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) next(t *testing.T) realtime.Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return realtime.Event{}
}

func TestMemoryBusFansOut(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, c := newRecorder(), newRecorder()
	require.NoError(t, b.StartForwarder(ctx, a.handle))
	require.NoError(t, b.StartForwarder(ctx, c.handle))

	ev := realtime.Event{Type: realtime.EventThreadUpdated, ThreadID: "thread_1", Origin: "i1"}
	require.NoError(t, b.Publish(ctx, ev))

	assert.Equal(t, ev, a.next(t))
	assert.Equal(t, ev, c.next(t))
}

func TestMemoryBusStopsAfterCancel(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	r := newRecorder()
	require.NoError(t, b.StartForwarder(ctx, r.handle))
	cancel()

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.subs) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), realtime.Event{Type: realtime.EventGraphChanged}))
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.events)
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), realtime.Event{}))
	assert.Error(t, b.StartForwarder(context.Background(), func(realtime.Event) {}))
	assert.Error(t, NewMemoryBus().StartForwarder(context.Background(), nil))
}

func TestNewFallsBackToMemory(t *testing.T) {
	b, err := New(logger.Nop(), RedisConfig{})
	require.NoError(t, err)
	_, ok := b.(*MemoryBus)
	assert.True(t, ok)
}

func TestEventFromOrigin(t *testing.T) {
	ev := realtime.Event{Origin: "i1"}
	assert.True(t, ev.FromOrigin("i1"))
	assert.False(t, ev.FromOrigin("i2"))
	assert.False(t, realtime.Event{}.FromOrigin(""))
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis bus integration tests")
	}
	b, err := NewRedisBus(logger.Nop(), RedisConfig{Addr: addr, Channel: "graphpilot:test:" + t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newRecorder()
	require.NoError(t, b.StartForwarder(ctx, r.handle))

	require.NoError(t, b.Publish(ctx, realtime.Event{Type: realtime.EventThreadDeleted, ThreadID: "thread_9", Origin: "i2"}))
	got := r.next(t)
	assert.Equal(t, realtime.EventThreadDeleted, got.Type)
	assert.Equal(t, "thread_9", got.ThreadID)
	assert.False(t, got.Time.IsZero())
}
