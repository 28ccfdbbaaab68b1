package events

import (
	"context"
	"strconv"
	"sync"

	xerrors "agnt-platform/internal/errors"
)

// MemoryBus 使用 channel 在进程内传递事件。
type MemoryBus struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus 创建内存总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{ch: make(chan Event, size)}
}

// Publish 投递事件，从不阻塞。缓冲区已满或总线已关闭时返回 QUEUE_FAILURE。
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "事件总线已关闭")
	}
	select {
	case b.ch <- evt:
		return nil
	default:
		return xerrors.New(xerrors.CodeQueueFailure, "事件总线缓冲区已满",
			xerrors.WithMetadata("capacity", strconv.Itoa(cap(b.ch))))
	}
}

// Consume 启动指定数量的 worker 消费事件。
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
				case evt, ok := <-b.ch:
					if !ok {
						return
					}
					_ = handler(ctx, evt)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭总线，之后的 Publish 返回错误。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	return nil
}
