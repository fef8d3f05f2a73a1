package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "HiveMind-Copilot/internal/errors"
)

func echo(_ context.Context, msg Message) (json.RawMessage, error) {
	return msg.Payload, nil
}

func servePeer(t *testing.T, ch Channel, id string, handler Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	peer := NewCoordinator(ch, id)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = peer.Serve(ctx, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// 等待收件箱订阅建立
	require.Eventually(t, func() bool {
		mc, ok := ch.(*MemoryChannel)
		if !ok {
			return true
		}
		mc.mu.RLock()
		defer mc.mu.RUnlock()
		return len(mc.subs[InboxTopic(id)]) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestOpenAwaitResolved(t *testing.T) {
	ch := NewMemoryChannel()
	servePeer(t, ch, "auditor", echo)

	c := NewCoordinator(ch, "hivemind", WithPollBackoff(5*time.Millisecond, 20*time.Millisecond))
	id, err := c.Open(context.Background(), "auditor", json.RawMessage(`{"code":"contract C {}"}`))
	require.NoError(t, err)

	res, err := c.Await(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, res.Status)
	require.JSONEq(t, `{"code":"contract C {}"}`, string(res.Payload))
	require.Equal(t, StateResolved, res.Session.State)
	require.Equal(t, InboxTopic("auditor"), res.Session.TopicRef)
}

func TestForeignCorrelationIgnored(t *testing.T) {
	ch := NewMemoryChannel()
	inbox, err := ch.Subscribe(context.Background(), InboxTopic("peer"))
	require.NoError(t, err)
	defer inbox.Close()

	go func() {
		req := <-inbox.Messages()
		bogus := Message{CorrelationID: "someone-else", Kind: KindReply, Payload: json.RawMessage(`"wrong"`)}
		_ = ch.Post(context.Background(), ReplyTopic(req.From), bogus)
		right := Message{CorrelationID: req.CorrelationID, SessionID: req.SessionID, Kind: KindReply, Payload: json.RawMessage(`"right"`)}
		_ = ch.Post(context.Background(), ReplyTopic(req.From), right)
	}()

	c := NewCoordinator(ch, "hivemind", WithPollBackoff(5*time.Millisecond, 20*time.Millisecond))
	id, err := c.Open(context.Background(), "peer", json.RawMessage(`{}`))
	require.NoError(t, err)
	res, err := c.Await(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, `"right"`, string(res.Payload))
}

func TestTimeoutDiscardsLateReply(t *testing.T) {
	ch := NewMemoryChannel()
	release := make(chan struct{})
	servePeer(t, ch, "slow", func(ctx context.Context, msg Message) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return json.RawMessage(`{"late":true}`), nil
	})

	c := NewCoordinator(ch, "hivemind", WithReplyTimeout(100*time.Millisecond), WithPollBackoff(5*time.Millisecond, 10*time.Millisecond))
	id, err := c.Open(context.Background(), "slow", json.RawMessage(`{}`))
	require.NoError(t, err)

	start := time.Now()
	res, err := c.Await(context.Background(), id)
	require.Equal(t, CodeCollaborationTimeout, xerrors.CodeOf(err))
	require.Equal(t, StatusTimedOut, res.Status)
	require.Less(t, time.Since(start), time.Second)

	close(release)

	require.Eventually(t, func() bool {
		again, err := c.Poll(id)
		return err == nil && again.Session.LateReplies == 1
	}, time.Second, 5*time.Millisecond)

	again, err := c.Poll(id)
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, again.Status)
	require.Equal(t, StateTimedOut, again.Session.State)
	require.Empty(t, again.Payload)
}

func TestArchiveEvictsOldestSessions(t *testing.T) {
	ch := NewMemoryChannel()
	servePeer(t, ch, "auditor", echo)
	c := NewCoordinator(ch, "hivemind", WithArchiveLimit(10), WithPollBackoff(time.Millisecond, 5*time.Millisecond))

	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		id, err := c.Open(context.Background(), "auditor", json.RawMessage(`{}`))
		require.NoError(t, err)
		_, err = c.Await(context.Background(), id)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	c.mu.Lock()
	require.Len(t, c.archived, 10)
	require.Len(t, c.archiveOrder, 10)
	require.Empty(t, c.active)
	require.Len(t, c.correlations, 10)
	c.mu.Unlock()

	_, err := c.Poll(ids[0])
	require.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	res, err := c.Poll(ids[len(ids)-1])
	require.NoError(t, err)
	require.Equal(t, StatusResolved, res.Status)
}

func TestConcurrentSessionsDoNotInterfere(t *testing.T) {
	ch := NewMemoryChannel()
	servePeer(t, ch, "auditor", echo)
	c := NewCoordinator(ch, "hivemind", WithPollBackoff(5*time.Millisecond, 20*time.Millisecond))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf(`{"n":%d}`, i)
			id, err := c.Open(context.Background(), "auditor", json.RawMessage(want))
			if err != nil {
				errs <- err
				return
			}
			res, err := c.Await(context.Background(), id)
			if err != nil {
				errs <- err
				return
			}
			if string(res.Payload) != want {
				errs <- fmt.Errorf("session %d got %s", i, res.Payload)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestCorrelationIDsAreUnique(t *testing.T) {
	ch := NewMemoryChannel()
	c := NewCoordinator(ch, "hivemind", WithReplyTimeout(time.Minute))
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		id, err := c.Open(context.Background(), "nobody", json.RawMessage(`{}`))
		require.NoError(t, err)
		res, err := c.Poll(id)
		require.NoError(t, err)
		require.Equal(t, StatusPending, res.Status)
		_, dup := seen[res.Session.CorrelationID]
		require.False(t, dup)
		seen[res.Session.CorrelationID] = struct{}{}
	}
}

func TestPollUnknownSession(t *testing.T) {
	c := NewCoordinator(NewMemoryChannel(), "hivemind")
	_, err := c.Poll("missing")
	require.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

	_, err = c.Open(context.Background(), "", nil)
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestAwaitHonoursCancellation(t *testing.T) {
	c := NewCoordinator(NewMemoryChannel(), "hivemind", WithReplyTimeout(time.Minute))
	id, err := c.Open(context.Background(), "nobody", json.RawMessage(`{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Await(ctx, id)
	require.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))

	canceled, stop := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, stop)
	_, err = c.Await(canceled, id)
	require.Equal(t, xerrors.CodeCanceled, xerrors.CodeOf(err))
	require.Equal(t, id, mustCoded(t, err).Metadata()["session_id"])
}

func mustCoded(t *testing.T, err error) *xerrors.Error {
	t.Helper()
	coded, ok := xerrors.From(err)
	require.True(t, ok)
	return coded
}
