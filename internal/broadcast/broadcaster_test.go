package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-3d-pipeline/internal/clock"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	fail   atomic.Bool
	block  bool
	calls  atomic.Int64
	closed atomic.Bool
}

func (f *fakeSender) Send(ctx context.Context, frame []byte) error {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.fail.Load() {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeSender) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeSender) messages(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, frame := range f.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(frame, &m))
		out = append(out, m)
	}
	return out
}

type countingRecorder struct {
	opened, closed, sent atomic.Int64
	subs                 atomic.Int64
}

func (r *countingRecorder) ConnectionOpened()              { r.opened.Add(1) }
func (r *countingRecorder) ConnectionClosed()              { r.closed.Add(1) }
func (r *countingRecorder) MessagesSent(n int)             { r.sent.Add(int64(n)) }
func (r *countingRecorder) SubscriptionsChanged(total int) { r.subs.Store(int64(total)) }

func newTestBroadcaster(rec Recorder) *Broadcaster {
	return New(Config{
		WriteTimeout: 50 * time.Millisecond,
		Clock:        clock.NewManual(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)),
		Recorder:     rec,
	})
}

// TestPublishDeliversToSubscribers verifies fan-out to every subscriber of an
// entity and nobody else.
func TestPublishDeliversToSubscribers(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(nil)
	s1, s2, s3 := &fakeSender{}, &fakeSender{}, &fakeSender{}
	c1, c2 := b.Connect(s1), b.Connect(s2)
	b.Connect(s3)
	require.True(t, b.Subscribe(c1, "p-1"))
	require.True(t, b.Subscribe(c2, "p-1"))

	n, err := b.Publish(context.Background(), "p-1", ProductUpdate{
		ProductID: "p-1",
		Stage:     pipeline.StageScraping,
		Status:    "processing",
		Progress:  10,
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	msgs := s1.messages(t)
	require.Len(t, msgs, 1)
	require.Equal(t, "product_update", msgs[0]["type"])
	require.Equal(t, "p-1", msgs[0]["product_id"])
	require.Equal(t, "scraping", msgs[0]["stage"])
	require.Equal(t, "2025-01-02T03:04:05Z", msgs[0]["timestamp"])
	require.Len(t, s2.messages(t), 1)
	require.Empty(t, s3.messages(t))
}

// TestSubscribeIsIdempotent ensures duplicate subscriptions do not duplicate
// deliveries.
func TestSubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	rec := &countingRecorder{}
	b := newTestBroadcaster(rec)
	s := &fakeSender{}
	c := b.Connect(s)
	require.True(t, b.Subscribe(c, "p-1"))
	require.True(t, b.Subscribe(c, "p-1"))
	require.Equal(t, 1, b.Subscribers("p-1"))
	require.EqualValues(t, 1, rec.subs.Load())

	n, err := b.Publish(context.Background(), "p-1", ProductUpdate{ProductID: "p-1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, s.messages(t), 1)
}

// TestPublishWithoutSubscribersIsNoop covers the silent no-op path.
func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(nil)
	s := &fakeSender{}
	b.Connect(s)

	n, err := b.Publish(context.Background(), "nobody", ProductUpdate{ProductID: "nobody"})
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, s.calls.Load())
}

// TestFailedWritePrunesConnection verifies a failed write removes the
// connection from every entity and is never retried.
func TestFailedWritePrunesConnection(t *testing.T) {
	t.Parallel()

	rec := &countingRecorder{}
	b := newTestBroadcaster(rec)
	good, bad := &fakeSender{}, &fakeSender{}
	cg, cb := b.Connect(good), b.Connect(bad)
	for _, id := range []string{"p-1", "b-1"} {
		require.True(t, b.Subscribe(cg, id))
		require.True(t, b.Subscribe(cb, id))
	}
	bad.fail.Store(true)

	n, err := b.Publish(context.Background(), "p-1", ProductUpdate{ProductID: "p-1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, b.Subscribers("p-1"))
	require.Equal(t, 1, b.Subscribers("b-1"))
	require.False(t, cb.Alive())
	require.True(t, bad.closed.Load())
	callsAfterFailure := bad.calls.Load()

	n, err = b.Publish(context.Background(), "p-1", ProductUpdate{ProductID: "p-1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, callsAfterFailure, bad.calls.Load())
	require.Equal(t, 1, b.Connections())
	require.EqualValues(t, 1, rec.closed.Load())
	require.EqualValues(t, 2, rec.subs.Load())
}

// TestSlowObserverIsBounded ensures a blocked observer cannot stall publish
// beyond the write timeout.
func TestSlowObserverIsBounded(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(nil)
	slow := &fakeSender{block: true}
	fast := &fakeSender{}
	b.Subscribe(b.Connect(slow), "p-1")
	b.Subscribe(b.Connect(fast), "p-1")

	start := time.Now()
	n, err := b.Publish(context.Background(), "p-1", ProductUpdate{ProductID: "p-1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 1, b.Subscribers("p-1"))
}

// TestEmptySetsArePruned checks that no empty subscriber set lingers.
func TestEmptySetsArePruned(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(nil)
	c1 := b.Connect(&fakeSender{})
	c2 := b.Connect(&fakeSender{})
	b.Subscribe(c1, "p-1")
	b.Subscribe(c2, "p-2")
	require.Equal(t, 2, b.Entities())

	b.Unsubscribe(c1, "p-1")
	require.Equal(t, 1, b.Entities())

	b.Disconnect(c2)
	b.Disconnect(c2)
	require.Zero(t, b.Entities())
	require.False(t, b.Subscribe(c2, "p-3"))
}

// TestBroadcastAll reaches every connection regardless of subscription.
func TestBroadcastAll(t *testing.T) {
	t.Parallel()

	rec := &countingRecorder{}
	b := newTestBroadcaster(rec)
	senders := []*fakeSender{{}, {}, {}}
	for _, s := range senders {
		b.Connect(s)
	}
	n, err := b.BroadcastAll(context.Background(), BatchUpdate{BatchID: "b-1", Status: "processing", Total: 4, Processed: 1})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for _, s := range senders {
		msgs := s.messages(t)
		require.Len(t, msgs, 1)
		require.Equal(t, "batch_update", msgs[0]["type"])
		require.EqualValues(t, 25, msgs[0]["progress"])
	}
	require.EqualValues(t, 3, rec.opened.Load())
	require.EqualValues(t, 3, rec.sent.Load())
}

// TestConcurrentRegistryAccess exercises the registry from many goroutines.
func TestConcurrentRegistryAccess(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := b.Connect(&fakeSender{})
			b.Subscribe(c, "shared")
			_, _ = b.Publish(context.Background(), "shared", ProductUpdate{ProductID: "shared"})
			b.Disconnect(c)
		}()
	}
	wg.Wait()
	require.Zero(t, b.Connections())
	require.Zero(t, b.Entities())
}
