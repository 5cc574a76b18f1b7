package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryBus 使用 channel 模拟消息队列，适用于单进程部署与测试。
type MemoryBus struct {
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

var errBusClosed = errors.New("事件队列已关闭")

// NewMemoryBus 创建一个内存队列。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 256
	}
	return &MemoryBus{ch: make(chan Event, size), done: make(chan struct{})}
}

// Publish 将事件投递到队列。队列已满时阻塞，直到 ctx 结束或队列关闭。
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return errBusClosed
	case b.ch <- event:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的事件，直到 ctx 取消或队列关闭。
func (b *MemoryBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-b.ch:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列，已入队的事件仍会被消费完。
func (b *MemoryBus) Close() error {
	// 先唤醒阻塞中的发布方，它们释放读锁后才能拿到写锁。
	b.once.Do(func() { close(b.done) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	return nil
}
