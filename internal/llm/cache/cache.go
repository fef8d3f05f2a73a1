// Package cache memoizes provider completions in Redis so identical prompts
// are not paid for twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"HiveMind-Copilot/internal/llm"
	"HiveMind-Copilot/pkg/logger"
)

const defaultPrefix = "hivemind:llm:"

// Option 调整缓存行为。
type Option func(*Adapter)

// WithTTL 设置缓存有效期。
func WithTTL(ttl time.Duration) Option {
	return func(a *Adapter) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithPrefix 设置键前缀。
func WithPrefix(prefix string) Option {
	return func(a *Adapter) {
		if prefix != "" {
			a.prefix = prefix
		}
	}
}

// Adapter 包装另一个适配器，命中缓存时直接返回结果。
// Redis 故障只会降级为直连，不会让调用失败。
type Adapter struct {
	inner  llm.Adapter
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// Wrap 构造缓存装饰器。
func Wrap(inner llm.Adapter, client redis.UniversalClient, opts ...Option) *Adapter {
	a := &Adapter{inner: inner, client: client, ttl: time.Hour, prefix: defaultPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func (a *Adapter) ID() string                     { return a.inner.ID() }
func (a *Adapter) Tier() llm.Tier                 { return a.inner.Tier() }
func (a *Adapter) Ping(ctx context.Context) error { return a.inner.Ping(ctx) }

// Invoke 先查缓存，未命中时调用内部适配器并回写。
func (a *Adapter) Invoke(ctx context.Context, req llm.Request) (*llm.Result, error) {
	key := a.key(req)
	log := logger.Named("llm.cache")

	cached, err := a.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var res llm.Result
		if jsonErr := json.Unmarshal(cached, &res); jsonErr == nil {
			res.LatencyMs = 0
			return &res, nil
		}
		log.Warn("缓存内容损坏，忽略", "key", key)
	case !errors.Is(err, redis.Nil):
		log.Warn("读取缓存失败", "error", err)
	}

	res, err := a.inner.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if encoded, jsonErr := json.Marshal(res); jsonErr == nil {
		if setErr := a.client.Set(ctx, key, encoded, a.ttl).Err(); setErr != nil {
			log.Warn("写入缓存失败", "error", setErr)
		}
	}
	return res, nil
}

func (a *Adapter) key(req llm.Request) string {
	h := sha256.New()
	for _, part := range []string{a.inner.ID(), string(req.Purpose), strconv.Itoa(req.MaxTokens), req.System, req.Prompt} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return a.prefix + hex.EncodeToString(h.Sum(nil))
}
