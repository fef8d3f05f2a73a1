package collab

import (
	"context"
	"sync"
)

const memoryBuffer = 32

// MemoryChannel 是进程内的 Channel 实现，用于单进程部署和测试。
type MemoryChannel struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryChannel 创建空的进程内通道。
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Post 把消息投递给主题上的所有订阅者；订阅者缓冲区满时阻塞直到 ctx 结束。
func (c *MemoryChannel) Post(ctx context.Context, topic string, msg Message) error {
	c.mu.RLock()
	targets := make([]*memorySubscription, 0, len(c.subs[topic]))
	for sub := range c.subs[topic] {
		targets = append(targets, sub)
	}
	c.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe 注册主题订阅。
func (c *MemoryChannel) Subscribe(_ context.Context, topic string) (Subscription, error) {
	sub := &memorySubscription{
		ch:     make(chan Message, memoryBuffer),
		done:   make(chan struct{}),
		parent: c,
		topic:  topic,
	}
	c.mu.Lock()
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[*memorySubscription]struct{})
	}
	c.subs[topic][sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	parent *MemoryChannel
	topic  string
}

func (s *memorySubscription) Messages() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.parent.mu.Lock()
		delete(s.parent.subs[s.topic], s)
		if len(s.parent.subs[s.topic]) == 0 {
			delete(s.parent.subs, s.topic)
		}
		s.parent.mu.Unlock()
	})
	return nil
}
