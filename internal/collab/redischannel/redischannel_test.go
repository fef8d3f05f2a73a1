package redischannel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"HiveMind-Copilot/internal/collab"
)

func newChannel(t *testing.T) *Channel {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestRedisRoundTrip(t *testing.T) {
	ch := newChannel(t)
	sub, err := ch.Subscribe(context.Background(), collab.ReplyTopic("hivemind"))
	require.NoError(t, err)
	defer sub.Close()

	msg := collab.Message{CorrelationID: "c-9", Kind: collab.KindReply, Payload: json.RawMessage(`{"ok":true}`)}
	require.NoError(t, ch.Post(context.Background(), collab.ReplyTopic("hivemind"), msg))

	select {
	case got := <-sub.Messages():
		require.Equal(t, "c-9", got.CorrelationID)
		require.Equal(t, collab.KindReply, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestCoordinatorOverRedis(t *testing.T) {
	ch := newChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer := collab.NewCoordinator(ch, "auditor")
	go func() {
		_ = peer.Serve(ctx, func(_ context.Context, msg collab.Message) (json.RawMessage, error) {
			return json.RawMessage(`{"vulnerabilities":["tx.origin"],"severity":"high","recommendations":[]}`), nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	c := collab.NewCoordinator(ch, "hivemind", collab.WithPollBackoff(10*time.Millisecond, 50*time.Millisecond))
	id, err := c.Open(context.Background(), "auditor", json.RawMessage(`{}`))
	require.NoError(t, err)
	res, err := c.Await(context.Background(), id)
	require.NoError(t, err)
	require.Contains(t, string(res.Payload), "tx.origin")
}
