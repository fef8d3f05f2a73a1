package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"HiveMind-Copilot/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 Redis list：LPUSH 入队，BRPOP 出队，消息体为 JSON 编码的 Delivery。
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	wait   time.Duration
}

// NewRedisQueue 连接 Redis 并创建队列。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 使用已有客户端创建队列，Close 会关闭该客户端。
func NewRedisQueueWithClient(client redis.UniversalClient, key string, wait time.Duration) *RedisQueue {
	if key == "" {
		key = "hivemind:tasks"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, key: key, wait: wait}
}

// Publish 将投递写入 list 头部。
func (q *RedisQueue) Publish(ctx context.Context, d Delivery) error {
	body, err := d.encode()
	if err != nil {
		return fmt.Errorf("编码投递失败: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Consume 在出现连接错误时返回，处理失败的投递被放回队尾优先重试。
func (q *RedisQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error { return q.work(gctx, handler) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("Redis 取任务失败: %w", err)
		}
		if len(values) != 2 {
			continue
		}
		d, err := decodeDelivery([]byte(values[1]))
		if err != nil {
			logger.L().Warn("丢弃无法解析的队列消息", "queue", q.key, "error", err)
			continue
		}
		if handlerErr := handler(ctx, d); handlerErr != nil && ctx.Err() == nil {
			_ = q.client.RPush(ctx, q.key, values[1]).Err()
		}
	}
	return nil
}

// Len 返回队列中待处理的投递数量。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
