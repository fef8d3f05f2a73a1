package task

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

var errQueueClosed = errors.New("队列已关闭")

// MemoryQueue 用带缓冲的 channel 承载投递，只在单进程内有效。
type MemoryQueue struct {
	ch chan Delivery

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Delivery, size)}
}

// Publish 在缓冲区满时阻塞，直到有空位或 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, d Delivery) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- d:
		return nil
	}
}

// Consume 处理失败的投递会被放回队尾。
func (q *MemoryQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-q.ch:
					if !ok {
						return nil
					}
					if err := handler(gctx, d); err != nil && gctx.Err() == nil {
						q.requeue(gctx, d)
					}
				}
			}
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// requeue 不能在缓冲区满时阻塞消费协程，否则所有工作协程可能互相等待。
func (q *MemoryQueue) requeue(ctx context.Context, d Delivery) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return
	}
	select {
	case q.ch <- d:
		q.mu.RUnlock()
		return
	default:
	}
	q.mu.RUnlock()
	go func() { _ = q.Publish(ctx, d) }()
}

// Len 返回尚未被消费的投递数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 之后的 Publish 返回错误，已缓冲的投递仍可被消费。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
