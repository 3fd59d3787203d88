package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	awsc "github.com/vindil/shardflow/aws"
	"github.com/vindil/shardflow/codec"
	"github.com/vindil/shardflow/lease"
	"github.com/vindil/shardflow/retry"
)

// ShardPoller consumes one shard through the iterator API. It honours the
// same lease, checkpoint and failure contract as ShardConsumer so the
// manager can run either strategy behind the same interface.
type ShardPoller struct {
	cfg        *Config
	shardID    string
	checkpoint string
	expires    time.Time

	kds        awsc.Kinesis
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
	reason StopReason
	hasRsn bool

	failures int
}

func NewShardPoller(cfg *Config, shardID, checkpoint string, expires time.Time, kds awsc.Kinesis, store lease.Store, sink Sink, onStop func(string, StopReason)) *ShardPoller {
	ctx, cancel := context.WithCancel(context.Background())
	return &ShardPoller{
		cfg:        cfg,
		shardID:    shardID,
		checkpoint: checkpoint,
		expires:    expires,
		kds:        kds,
		store:      store,
		sink:       sink,
		classifier: cfg.Classifier,
		logger:     cfg.Logger.Named("shard-poller").With(zap.String("shard-id", shardID)),
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

func (p *ShardPoller) Start() {
	go watchLeaseExpiry(p.stop, p.extend, p.clock, p.timer, p.cfg.LeaseExpiryMargin, p.expires, func() {
		p.setReason(ReasonLeaseExpiring)
		p.logger.Info("lease expiring, handing off shard")
		p.Stop()
	})
	go p.run()
}

func (p *ShardPoller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.cancel()
	})
}

func (p *ShardPoller) Done() <-chan struct{} {
	return p.done
}

func (p *ShardPoller) ExtendLease(expires time.Time) {
	select {
	case <-p.extend:
	default:
	}
	select {
	case p.extend <- expires:
	default:
	}
}

func (p *ShardPoller) run() {
	defer p.notifyStopped()
	defer close(p.done)

	iterator, err := p.iterator()
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if err != nil {
			if !p.retryable(err) {
				p.setReason(ReasonFailed)
				p.logger.Error("ending shard consumption", zap.Error(err))
				p.sink.Fail(p.shardID, err)
				return
			}
			select {
			case <-p.stop:
				return
			case <-p.timer(p.cfg.SubscribeRetryInterval):
			}
			iterator, err = p.iterator()
			continue
		}

		var depleted bool
		iterator, depleted, err = p.poll(iterator)
		if depleted {
			p.deplete()
			return
		}
		if err == nil {
			select {
			case <-p.stop:
				return
			case <-p.timer(p.cfg.PollInterval):
			}
		}
	}
}

// poll reads one batch and advances the checkpoint. It returns the next
// iterator, whether the shard ended, and any fault to route through the
// retry path.
func (p *ShardPoller) poll(iterator string) (string, bool, error) {
	out, err := p.kds.GetRecords(p.ctx, &kinesis.GetRecordsInput{
		ShardIterator: aws.String(iterator),
		Limit:         aws.Int32(p.cfg.PollBatchSize),
	})
	if err != nil {
		var expired *types.ExpiredIteratorException
		if errors.As(err, &expired) {
			next, ierr := p.iterator()
			if ierr != nil {
				return "", false, ierr
			}
			return next, false, nil
		}
		return "", false, mapKinesisError(err)
	}
	p.failures = 0

	var records []codec.Record
	var last string
	for _, r := range out.Records {
		expanded, err := codec.ExpandRecord(p.cfg.Compression, aws.ToString(r.SequenceNumber), aws.ToString(r.PartitionKey), aws.ToTime(r.ApproximateArrivalTimestamp), r.Data)
		if err != nil {
			return "", false, retry.Transient(retry.KindDecode, fmt.Errorf("expand record %s: %w", aws.ToString(r.SequenceNumber), err))
		}
		records = append(records, expanded...)
		last = aws.ToString(r.SequenceNumber)
	}

	if last != "" {
		if err := p.store.StoreCheckpoint(p.ctx, p.shardID, last); err != nil {
			return "", false, err
		}
		p.checkpoint = last
	}
	if len(records) > 0 {
		err := p.sink.Emit(p.ctx, &Batch{
			ShardID:            p.shardID,
			Records:            records,
			MillisBehindLatest: aws.ToInt64(out.MillisBehindLatest),
		})
		if err != nil {
			return "", false, nil
		}
	}

	if out.NextShardIterator == nil {
		return "", true, nil
	}
	return *out.NextShardIterator, false, nil
}

func (p *ShardPoller) iterator() (string, error) {
	in := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(p.cfg.StreamName),
		ShardId:    aws.String(p.shardID),
	}
	switch p.checkpoint {
	case "", lease.Latest:
		in.ShardIteratorType = types.ShardIteratorTypeLatest
	case lease.TrimHorizon:
		in.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	default:
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = aws.String(p.checkpoint)
	}
	out, err := p.kds.GetShardIterator(p.ctx, in)
	if err != nil {
		return "", mapKinesisError(err)
	}
	return aws.ToString(out.ShardIterator), nil
}

func (p *ShardPoller) retryable(err error) bool {
	if !p.classifier.Retryable(err) {
		return false
	}
	p.failures++
	if p.failures >= p.cfg.MaxConsecutiveRetries {
		return false
	}
	p.logger.Warn("poll attempt failed",
		zap.Error(err),
		zap.Int("consecutive-failures", p.failures))
	return true
}

func (p *ShardPoller) deplete() {
	p.setReason(ReasonDepleted)
	p.logger.Info("shard fully consumed")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	topo, err := p.store.GetShardTopology(ctx)
	if err != nil {
		p.logger.Error("failed to refresh shard topology after depletion", zap.Error(err))
	}
	if err := p.store.MarkShardDepleted(ctx, p.shardID, topo); err != nil {
		p.logger.Error("failed to record shard depletion", zap.Error(err))
	}
}

func (p *ShardPoller) setReason(r StopReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasRsn {
		p.reason = r
		p.hasRsn = true
	}
}

func (p *ShardPoller) notifyStopped() {
	p.mu.Lock()
	r := p.reason
	p.mu.Unlock()
	if p.onStop != nil {
		p.onStop(p.shardID, r)
	}
}

// mapKinesisError tags an SDK fault once at the boundary.
func mapKinesisError(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return &retry.Error{
			Kind:      retry.KindSubscribe,
			Code:      ae.ErrorCode(),
			Retryable: retry.CodeRetryable(ae.ErrorCode()),
			Err:       err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return retry.Transient(retry.KindTransport, err)
}
