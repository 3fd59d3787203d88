package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vindil/shardflow/codec"
	"github.com/vindil/shardflow/lease"
	"github.com/vindil/shardflow/retry"
	"github.com/vindil/shardflow/transport"
)

// Subscriber opens one long-lived event stream per call. *transport.Transport
// satisfies it; tests substitute scripted streams.
type Subscriber interface {
	Subscribe(ctx context.Context, req *transport.SubscribeRequest) (*transport.Subscription, error)
}

// StopReason records why a shard runner ended.
type StopReason int

const (
	// ReasonStopped is a voluntary stop requested by the manager or the
	// application.
	ReasonStopped StopReason = iota
	// ReasonDepleted means the shard has been fully consumed.
	ReasonDepleted
	// ReasonFailed means consumption ended with an unrecoverable fault.
	ReasonFailed
	// ReasonLeaseExpiring means the handoff timer fired before renewal.
	ReasonLeaseExpiring
)

func (r StopReason) String() string {
	switch r {
	case ReasonStopped:
		return "stopped"
	case ReasonDepleted:
		return "depleted"
	case ReasonFailed:
		return "failed"
	case ReasonLeaseExpiring:
		return "lease-expiring"
	}
	return "unknown"
}

type shardState int

const (
	stateIdle shardState = iota
	stateSubscribing
	stateStreaming
	stateRetrying
	stateDepleted
	stateAborted
)

var errInactivity = errors.New("no batches within the inactivity window")

// ShardConsumer drives one shard's subscription loop:
// subscribing → streaming → retrying|depleted|aborted. It owns its
// subscription and decoder exclusively; cross-task signals arrive only
// through stop and the lease extension channel.
type ShardConsumer struct {
	cfg        *Config
	shardID    string
	checkpoint string
	expires    time.Time

	sub        Subscriber
	store      lease.Store
	sink       Sink
	classifier retry.Classifier
	logger     *zap.Logger
	onStop     func(shardID string, reason StopReason)

	clock func() time.Time
	timer func(time.Duration) <-chan time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	extend   chan time.Time

	mu     sync.Mutex
	active *transport.Subscription
	reason StopReason
	hasRsn bool

	pendingErr error
	failures   int
}

func NewShardConsumer(cfg *Config, shardID, checkpoint string, expires time.Time, sub Subscriber, store lease.Store, sink Sink, onStop func(string, StopReason)) *ShardConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &ShardConsumer{
		cfg:        cfg,
		shardID:    shardID,
		checkpoint: checkpoint,
		expires:    expires,
		sub:        sub,
		store:      store,
		sink:       sink,
		classifier: cfg.Classifier,
		logger:     cfg.Logger.Named("shard-consumer").With(zap.String("shard-id", shardID)),
		onStop:     onStop,
		clock:      time.Now,
		timer:      time.After,
		ctx:        ctx,
		cancel:     cancel,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		extend:     make(chan time.Time, 1),
	}
}

func (c *ShardConsumer) Start() {
	go watchLeaseExpiry(c.stop, c.extend, c.clock, c.timer, c.cfg.LeaseExpiryMargin, c.expires, func() {
		c.setReason(ReasonLeaseExpiring)
		c.logger.Info("lease expiring, handing off shard")
		c.Stop()
	})
	go c.run()
}

// Stop is idempotent and safe from any goroutine. It aborts the in-flight
// subscription, cancels the handoff timer and prevents further retries.
func (c *ShardConsumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.cancel()
		c.mu.Lock()
		active := c.active
		c.mu.Unlock()
		if active != nil {
			active.Abort()
		}
	})
}

// Done is closed after the run loop has fully unwound.
func (c *ShardConsumer) Done() <-chan struct{} {
	return c.done
}

// ExtendLease pushes a renewed expiry to the handoff timer. Only the latest
// value matters.
func (c *ShardConsumer) ExtendLease(expires time.Time) {
	select {
	case <-c.extend:
	default:
	}
	select {
	case c.extend <- expires:
	default:
	}
}

func (c *ShardConsumer) run() {
	defer c.notifyStopped()
	defer close(c.done)

	state := stateSubscribing
	for {
		select {
		case <-c.stop:
			c.logger.Debug("shard consumer stopped", zap.Int("state", int(state)))
			return
		default:
		}

		switch state {
		case stateSubscribing:
			state = c.subscribe()
		case stateStreaming:
			state = c.stream()
		case stateRetrying:
			state = c.backoff()
		case stateDepleted:
			c.deplete()
			return
		case stateAborted:
			c.abort()
			return
		default:
			return
		}
	}
}

func (c *ShardConsumer) subscribe() shardState {
	req := &transport.SubscribeRequest{
		ConsumerARN:      c.cfg.ConsumerARN,
		ShardID:          c.shardID,
		StartingPosition: startingPosition(c.checkpoint),
	}
	sub, err := c.sub.Subscribe(c.ctx, req)
	if err != nil {
		c.pendingErr = err
		return stateRetrying
	}
	c.mu.Lock()
	c.active = sub
	c.mu.Unlock()
	return stateStreaming
}

func (c *ShardConsumer) stream() shardState {
	c.mu.Lock()
	sub := c.active
	c.mu.Unlock()

	drained := make(chan struct{})
	defer close(drained)
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		sub.Abort()
	}()

	batches := make(chan *codec.RecordBatch)
	errs := make(chan error, 1)
	go func() {
		dec := codec.NewDecoder(sub.Body, codec.WithCompression(c.cfg.Compression))
		for {
			b, err := dec.Next()
			if err != nil {
				errs <- err
				return
			}
			select {
			case batches <- b:
			case <-drained:
				return
			}
		}
	}()

	for {
		watchdog := c.timer(c.cfg.InactivityTimeout)
		select {
		case <-c.stop:
			return stateIdle
		case b := <-batches:
			c.failures = 0
			if !b.Continues() {
				return stateDepleted
			}
			if err := c.store.StoreCheckpoint(c.ctx, c.shardID, *b.ContinuationSequenceNumber); err != nil {
				c.pendingErr = err
				return stateRetrying
			}
			c.checkpoint = *b.ContinuationSequenceNumber
			if len(b.Records) > 0 {
				err := c.sink.Emit(c.ctx, &Batch{
					ShardID:            c.shardID,
					Records:            b.Records,
					MillisBehindLatest: b.MillisBehindLatest,
				})
				if err != nil {
					// only fails when the consumer is being stopped
					return stateIdle
				}
			}
		case err := <-errs:
			if errors.Is(err, io.EOF) {
				// the service rotates subscriptions periodically; this is
				// normal progress, not a failure
				c.logger.Debug("subscription ended, resubscribing")
				return stateSubscribing
			}
			c.pendingErr = err
			return stateRetrying
		case <-watchdog:
			c.logger.Warn("inactivity window elapsed, aborting subscription")
			sub.Abort()
			c.pendingErr = retry.Transient(retry.KindTransport, errInactivity)
			return stateRetrying
		}
	}
}

func (c *ShardConsumer) backoff() shardState {
	err := c.pendingErr
	c.pendingErr = nil

	if !c.classifier.Retryable(err) {
		c.pendingErr = err
		return stateAborted
	}
	c.failures++
	if c.failures >= c.cfg.MaxConsecutiveRetries {
		c.pendingErr = fmt.Errorf("giving up after %d consecutive failures: %w", c.failures, err)
		return stateAborted
	}
	c.logger.Warn("subscription attempt failed",
		zap.Error(err),
		zap.Int("consecutive-failures", c.failures),
		zap.Duration("backoff", c.cfg.SubscribeRetryInterval))
	select {
	case <-c.stop:
		return stateIdle
	case <-c.timer(c.cfg.SubscribeRetryInterval):
		return stateSubscribing
	}
}

func (c *ShardConsumer) deplete() {
	c.setReason(ReasonDepleted)
	c.logger.Info("shard fully consumed")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	topo, err := c.store.GetShardTopology(ctx)
	if err != nil {
		c.logger.Error("failed to refresh shard topology after depletion", zap.Error(err))
	}
	if err := c.store.MarkShardDepleted(ctx, c.shardID, topo); err != nil {
		c.logger.Error("failed to record shard depletion", zap.Error(err))
	}
}

func (c *ShardConsumer) abort() {
	err := c.pendingErr
	c.pendingErr = nil
	c.setReason(ReasonFailed)
	c.logger.Error("ending shard consumption", zap.Error(err))
	c.sink.Fail(c.shardID, err)
}

func (c *ShardConsumer) setReason(r StopReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasRsn {
		c.reason = r
		c.hasRsn = true
	}
}

func (c *ShardConsumer) notifyStopped() {
	c.mu.Lock()
	r := c.reason
	c.mu.Unlock()
	if c.onStop != nil {
		c.onStop(c.shardID, r)
	}
}

func startingPosition(checkpoint string) transport.StartingPosition {
	switch checkpoint {
	case "", lease.Latest:
		return transport.Latest()
	case lease.TrimHorizon:
		return transport.TrimHorizon()
	default:
		return transport.AfterSequenceNumber(checkpoint)
	}
}

// watchLeaseExpiry fires onFire slightly before the lease expires unless a
// renewal arrives first or stop closes. The margin keeps handoff ahead of
// another worker claiming the shard mid-batch.
func watchLeaseExpiry(stop <-chan struct{}, extend <-chan time.Time, clock func() time.Time, timer func(time.Duration) <-chan time.Time, margin time.Duration, expires time.Time, onFire func()) {
	for {
		d := expires.Sub(clock()) - margin
		if d < 0 {
			d = 0
		}
		select {
		case <-stop:
			return
		case next := <-extend:
			expires = next
		case <-timer(d):
			onFire()
			return
		}
	}
}
