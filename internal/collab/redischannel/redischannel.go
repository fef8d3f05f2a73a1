// Package redischannel carries collaboration messages over Redis pub/sub.
package redischannel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"HiveMind-Copilot/internal/collab"
	"HiveMind-Copilot/pkg/logger"
)

// Channel 基于 Redis 发布订阅实现 collab.Channel。
type Channel struct {
	client redis.UniversalClient
}

// New 使用已有客户端创建通道。
func New(client redis.UniversalClient) *Channel {
	return &Channel{client: client}
}

// Post 发布消息。Redis 发布订阅不持久化，订阅者不在线时消息丢失。
func (c *Channel) Post(ctx context.Context, topic string, msg collab.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.client.Publish(ctx, topic, data).Err()
}

// Subscribe 订阅主题，并在返回前确认订阅已生效。
func (c *Channel) Subscribe(ctx context.Context, topic string) (collab.Subscription, error) {
	ps := c.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s := &subscription{
		ps:   ps,
		out:  make(chan collab.Message, 64),
		stop: make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan collab.Message
	stop chan struct{}
	once sync.Once
}

func (s *subscription) pump() {
	log := logger.Named("collab.redis")
	raw := s.ps.Channel()
	for {
		select {
		case <-s.stop:
			return
		case m, ok := <-raw:
			if !ok {
				return
			}
			var msg collab.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Warn("丢弃无法解码的消息", "channel", m.Channel, "error", err)
				continue
			}
			select {
			case s.out <- msg:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *subscription) Messages() <-chan collab.Message { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.ps.Close()
	})
	return err
}
