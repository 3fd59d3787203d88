package consumer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vindil/shardflow/codec"
	"github.com/vindil/shardflow/lease"
	"github.com/vindil/shardflow/retry"
	"github.com/vindil/shardflow/transport"
)

type scriptedSubscriber struct {
	mu       sync.Mutex
	queue    []func() (*transport.Subscription, error)
	requests []*transport.SubscribeRequest
}

func (s *scriptedSubscriber) Subscribe(ctx context.Context, req *transport.SubscribeRequest) (*transport.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.queue) == 0 {
		return nil, retry.Fatal(retry.KindSubscribe, errors.New("subscriber script exhausted"))
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next()
}

func (s *scriptedSubscriber) push(fn func() (*transport.Subscription, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, fn)
}

func (s *scriptedSubscriber) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func ok(sub *transport.Subscription) func() (*transport.Subscription, error) {
	return func() (*transport.Subscription, error) { return sub, nil }
}

func fail(err error) func() (*transport.Subscription, error) {
	return func() (*transport.Subscription, error) { return nil, err }
}

// fakeTimers hands out one channel per distinct duration so tests fire the
// watchdog, the backoff and the handoff timers independently.
type fakeTimers struct {
	mu    sync.Mutex
	byDur map[time.Duration]chan time.Time
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{byDur: make(map[time.Duration]chan time.Time)}
}

func (f *fakeTimers) chanFor(d time.Duration) chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, exists := f.byDur[d]
	if !exists {
		ch = make(chan time.Time, 1)
		f.byDur[d] = ch
	}
	return ch
}

func (f *fakeTimers) timer(d time.Duration) <-chan time.Time {
	return f.chanFor(d)
}

func (f *fakeTimers) fire(d time.Duration) {
	f.chanFor(d) <- time.Now()
}

type consumerWorld struct {
	t       *testing.T
	cfg     *Config
	store   *lease.MemoryStore
	sink    *ChannelSink
	subs    *scriptedSubscriber
	timers  *fakeTimers
	now     time.Time
	stopped chan StopReason
}

func newConsumerWorld(t *testing.T, opts ...ConfigOption) *consumerWorld {
	opts = append([]ConfigOption{
		WithWorkerID("w0"),
		WithConsumerARN("arn:aws:kinesis:us-east-1:0:stream/orders/consumer/app:1"),
	}, opts...)
	w := &consumerWorld{
		t:       t,
		cfg:     NewConfig("orders", opts...),
		store:   lease.NewMemoryStore(),
		sink:    NewChannelSink(1),
		subs:    &scriptedSubscriber{},
		timers:  newFakeTimers(),
		now:     time.Unix(1700000000, 0),
		stopped: make(chan StopReason, 1),
	}
	w.store.SetClock(func() time.Time { return w.now })
	return w
}

func (w *consumerWorld) newConsumer(shardID, checkpoint string) *ShardConsumer {
	expires := w.now.Add(w.cfg.LeaseDuration)
	c := NewShardConsumer(w.cfg, shardID, checkpoint, expires, w.subs, w.store, w.sink, func(_ string, r StopReason) {
		w.stopped <- r
	})
	c.clock = func() time.Time { return w.now }
	c.timer = w.timers.timer
	return c
}

func (w *consumerWorld) waitStopped() StopReason {
	select {
	case r := <-w.stopped:
		return r
	case <-time.After(5 * time.Second):
		w.t.Fatal("timed out waiting for the consumer to stop")
	}
	return 0
}

func (w *consumerWorld) waitBatch() *Batch {
	select {
	case b := <-w.sink.Batches():
		return b
	case <-time.After(5 * time.Second):
		w.t.Fatal("timed out waiting for a batch")
	}
	return nil
}

func (w *consumerWorld) waitError() *ShardError {
	select {
	case e := <-w.sink.Errors():
		return e
	case <-time.After(5 * time.Second):
		w.t.Fatal("timed out waiting for an error")
	}
	return nil
}

func streamOf(t *testing.T, batches ...*codec.RecordBatch) *transport.Subscription {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, codec.CompressionNone)
	for _, b := range batches {
		require.NoError(t, enc.WriteBatch(b))
	}
	return transport.NewSubscription(io.NopCloser(bytes.NewReader(buf.Bytes())), nil)
}

func scriptBatch(cont string, seqs ...string) *codec.RecordBatch {
	b := &codec.RecordBatch{MillisBehindLatest: 40}
	if cont != "" {
		b.ContinuationSequenceNumber = &cont
	}
	for _, s := range seqs {
		b.Records = append(b.Records, codec.Record{
			SequenceNumber:   s,
			PartitionKey:     "pk",
			Data:             []byte("payload-" + s),
			ArrivalTimestamp: time.Unix(1700000000, 0).UTC(),
		})
	}
	return b
}

func TestBatchWithoutContinuationDepletesShard(t *testing.T) {
	w := newConsumerWorld(t)
	w.store.SetTopology(lease.NewTopology(
		lease.Shard{ShardID: "s0", Open: false},
		lease.Shard{ShardID: "s1", Parents: []string{"s0"}, Open: true},
		lease.Shard{ShardID: "s2", Parents: []string{"s0"}, Open: true},
	))
	w.subs.push(ok(streamOf(t, scriptBatch("100", "99", "100"), scriptBatch(""))))

	c := w.newConsumer("s0", "")
	c.Start()

	b := w.waitBatch()
	assert.Equal(t, "s0", b.ShardID)
	assert.Len(t, b.Records, 2)

	assert.Equal(t, ReasonDepleted, w.waitStopped())
	assert.Equal(t, 1, w.subs.calls())

	leases, err := w.store.ListLeases(context.Background())
	require.NoError(t, err)
	require.Len(t, leases, 3)
	assert.True(t, leases[0].Depleted)
	assert.Equal(t, lease.ShardEnd, leases[0].Checkpoint)
	assert.Equal(t, lease.TrimHorizon, leases[1].Checkpoint)
	assert.Equal(t, lease.TrimHorizon, leases[2].Checkpoint)
}

func TestSilenceAbortsAndResubscribes(t *testing.T) {
	w := newConsumerWorld(t)
	pr, pw := io.Pipe()
	w.subs.push(ok(transport.NewSubscription(pr, func() { pw.CloseWithError(io.ErrClosedPipe) })))
	w.subs.push(ok(streamOf(t, scriptBatch(""))))

	c := w.newConsumer("s0", "")
	c.Start()

	require.Eventually(t, func() bool { return w.subs.calls() == 1 }, 5*time.Second, 10*time.Millisecond)
	w.timers.fire(w.cfg.InactivityTimeout)
	w.timers.fire(w.cfg.SubscribeRetryInterval)

	assert.Equal(t, ReasonDepleted, w.waitStopped())
	assert.Equal(t, 2, w.subs.calls())
}

func TestRejectedSubscriptionRetriesAfterBackoff(t *testing.T) {
	w := newConsumerWorld(t)
	w.subs.push(fail(&retry.Error{
		Kind:       retry.KindSubscribe,
		Code:       "ResourceInUseException",
		StatusCode: 400,
		Retryable:  true,
		Err:        errors.New("busy"),
	}))
	w.subs.push(ok(streamOf(t, scriptBatch(""))))

	c := w.newConsumer("s0", "")
	c.Start()

	w.timers.fire(w.cfg.SubscribeRetryInterval)

	assert.Equal(t, ReasonDepleted, w.waitStopped())
	assert.Equal(t, 2, w.subs.calls())
}

func TestAuthFailureAbortsWithExactlyOneError(t *testing.T) {
	w := newConsumerWorld(t)
	w.subs.push(fail(&retry.Error{
		Kind:      retry.KindSubscribe,
		Code:      "AccessDeniedException",
		Retryable: false,
		Err:       errors.New("not authorized"),
	}))

	c := w.newConsumer("s0", "")
	c.Start()

	e := w.waitError()
	assert.Equal(t, "s0", e.ShardID)
	var te *retry.Error
	require.ErrorAs(t, e, &te)
	assert.Equal(t, "AccessDeniedException", te.Code)

	assert.Equal(t, ReasonFailed, w.waitStopped())
	assert.Equal(t, 1, w.subs.calls())
	select {
	case extra := <-w.sink.Errors():
		t.Fatalf("unexpected second error: %v", extra)
	default:
	}
}

func TestStreamEndResumesFromLatestCheckpoint(t *testing.T) {
	w := newConsumerWorld(t)
	w.subs.push(ok(streamOf(t, scriptBatch("5", "5"), scriptBatch("7", "6", "7"))))
	w.subs.push(ok(streamOf(t, scriptBatch(""))))

	c := w.newConsumer("s0", "")
	c.Start()

	w.waitBatch()
	w.waitBatch()
	assert.Equal(t, ReasonDepleted, w.waitStopped())

	w.subs.mu.Lock()
	reqs := w.subs.requests
	w.subs.mu.Unlock()
	require.Len(t, reqs, 2)
	assert.Equal(t, "LATEST", reqs[0].StartingPosition.Type)
	assert.Equal(t, "AFTER_SEQUENCE_NUMBER", reqs[1].StartingPosition.Type)
	require.NotNil(t, reqs[1].StartingPosition.SequenceNumber)
	assert.Equal(t, "7", *reqs[1].StartingPosition.SequenceNumber)
}

func TestLeaseHandoffFiresBeforeExpiry(t *testing.T) {
	w := newConsumerWorld(t)
	pr, pw := io.Pipe()
	w.subs.push(ok(transport.NewSubscription(pr, func() { pw.CloseWithError(io.ErrClosedPipe) })))

	c := w.newConsumer("s0", "")
	c.Start()

	handoffAt := w.cfg.LeaseDuration - w.cfg.LeaseExpiryMargin
	w.timers.fire(handoffAt)

	assert.Equal(t, ReasonLeaseExpiring, w.waitStopped())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not unwind after handoff")
	}
}

func TestRenewalReschedulesHandoff(t *testing.T) {
	w := newConsumerWorld(t)
	pr, pw := io.Pipe()
	w.subs.push(ok(transport.NewSubscription(pr, func() { pw.CloseWithError(io.ErrClosedPipe) })))

	c := w.newConsumer("s0", "")
	c.Start()

	c.ExtendLease(w.now.Add(time.Minute))
	w.timers.fire(time.Minute - w.cfg.LeaseExpiryMargin)

	assert.Equal(t, ReasonLeaseExpiring, w.waitStopped())
}

func TestStopIsIdempotentAndCancelsHandoff(t *testing.T) {
	w := newConsumerWorld(t)
	pr, pw := io.Pipe()
	w.subs.push(ok(transport.NewSubscription(pr, func() { pw.CloseWithError(io.ErrClosedPipe) })))

	c := w.newConsumer("s0", "")
	c.Start()
	require.Eventually(t, func() bool { return w.subs.calls() == 1 }, 5*time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()

	assert.Equal(t, ReasonStopped, w.waitStopped())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not unwind after stop")
	}
}

func TestConsecutiveFailuresEscalate(t *testing.T) {
	w := newConsumerWorld(t, WithMaxConsecutiveRetries(2))
	w.subs.push(fail(retry.Transient(retry.KindTransport, errors.New("connection reset"))))
	w.subs.push(fail(retry.Transient(retry.KindTransport, errors.New("connection reset"))))

	c := w.newConsumer("s0", "")
	c.Start()

	w.timers.fire(w.cfg.SubscribeRetryInterval)

	e := w.waitError()
	assert.Contains(t, e.Error(), "giving up after 2 consecutive failures")
	assert.Equal(t, ReasonFailed, w.waitStopped())
	assert.Equal(t, 2, w.subs.calls())
}
