package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/yungbote/graphpilot-backend/internal/realtime"
)

// MemoryBus delivers synchronously within one process. It backs single
// instance deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(realtime.Event)
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[int]func(realtime.Event){}}
}

func (b *MemoryBus) Publish(ctx context.Context, ev realtime.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("memory bus closed")
	}
	handlers := make([]func(realtime.Event), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
	return nil
}

func (b *MemoryBus) StartForwarder(ctx context.Context, onEvent func(ev realtime.Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("memory bus closed")
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = onEvent
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = map[int]func(realtime.Event){}
	return nil
}
