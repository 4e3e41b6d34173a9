package eventbus

import (
	"context"
	"sync"

	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

const BackendMemory = "memory"

// MemoryBus 为进程内的 Bus 实现，适用于单节点部署与测试。
//
// 多个 Dispatcher 共享同一个 MemoryBus 即可模拟多节点集群。
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
	done   chan struct{}
}

type memorySub struct {
	ch   chan *Event
	done chan struct{}
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus 创建一个 MemoryBus。
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[*memorySub]struct{}),
		done: make(chan struct{}),
	}
}

func (b *MemoryBus) Name() string { return BackendMemory }

// Publish 将事件投递给所有订阅者，订阅者缓冲区满时阻塞至 ctx 取消。
func (b *MemoryBus) Publish(ctx context.Context, ev *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return merr.WrapErrEventBusClosed(BackendMemory)
	}
	subs := make([]*memorySub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe 实现 Bus.Subscribe。
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan *Event, error) {
	sub := &memorySub{
		ch:   make(chan *Event, defaultSubscribeBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, merr.WrapErrEventBusClosed(BackendMemory)
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	out := make(chan *Event)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.done)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case ev := <-sub.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Close 实现 Bus.Close。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
