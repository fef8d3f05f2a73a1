package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"HiveMind-Copilot/internal/llm"
)

type countingAdapter struct {
	calls atomic.Int32
	err   error
}

func (c *countingAdapter) ID() string                   { return "hosted" }
func (c *countingAdapter) Tier() llm.Tier               { return llm.TierHosted }
func (c *countingAdapter) Ping(context.Context) error   { return nil }
func (c *countingAdapter) Invoke(_ context.Context, req llm.Request) (*llm.Result, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Result{Text: "echo:" + req.Prompt, TokensUsed: 7, LatencyMs: 12, ProviderID: "hosted"}, nil
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheHitSkipsProvider(t *testing.T) {
	_, client := newRedis(t)
	inner := &countingAdapter{}
	adapter := Wrap(inner, client, WithTTL(time.Minute))

	req := llm.Request{Prompt: "same"}
	first, err := adapter.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	second, err := adapter.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("expected a single provider call, got %d", inner.calls.Load())
	}
	if second.Text != first.Text || second.TokensUsed != 7 || second.LatencyMs != 0 {
		t.Fatalf("unexpected cached result: %+v", second)
	}

	if _, err := adapter.Invoke(context.Background(), llm.Request{Prompt: "other"}); err != nil {
		t.Fatalf("third invoke: %v", err)
	}
	if inner.calls.Load() != 2 {
		t.Fatalf("different prompt must miss the cache")
	}
}

func TestCacheFailuresAreNotCached(t *testing.T) {
	_, client := newRedis(t)
	inner := &countingAdapter{err: llm.NewError("hosted", llm.KindTimeout, nil)}
	adapter := Wrap(inner, client)

	for i := 0; i < 2; i++ {
		if _, err := adapter.Invoke(context.Background(), llm.Request{Prompt: "x"}); llm.KindOf(err) != llm.KindTimeout {
			t.Fatalf("expected provider error to pass through, got %v", err)
		}
	}
	if inner.calls.Load() != 2 {
		t.Fatalf("errors must not be cached")
	}
}

func TestRedisOutageFallsThrough(t *testing.T) {
	mr, client := newRedis(t)
	mr.Close()

	inner := &countingAdapter{}
	adapter := Wrap(inner, client)
	res, err := adapter.Invoke(context.Background(), llm.Request{Prompt: "y"})
	if err != nil {
		t.Fatalf("redis outage should not fail the call: %v", err)
	}
	if res.Text != "echo:y" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
