package consumer

import (
	"context"
	"fmt"

	"github.com/vindil/shardflow/codec"
)

// Batch is one decoded record batch tagged with its shard of origin.
type Batch struct {
	ShardID            string
	Records            []codec.Record
	MillisBehindLatest int64
}

// ShardError is an unrecoverable fault that ended one shard's consumption.
type ShardError struct {
	ShardID string
	Err     error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %s: %v", e.ShardID, e.Err)
}

func (e *ShardError) Unwrap() error {
	return e.Err
}

// Sink receives consumed data. Emit may block to apply backpressure; the
// producer passes its own context so a stopped shard unblocks promptly.
// Fail is called at most once per shard, when consumption ends with an
// unrecoverable fault.
type Sink interface {
	Emit(ctx context.Context, b *Batch) error
	Fail(shardID string, err error)
}

// ChannelSink delivers batches and terminal errors over channels. A full
// batch channel blocks the producing shard, which is the flow control
// mechanism. Both channels must be drained by the application.
type ChannelSink struct {
	batches chan *Batch
	errs    chan *ShardError
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSink{
		batches: make(chan *Batch, buffer),
		errs:    make(chan *ShardError, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, b *Batch) error {
	select {
	case s.batches <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChannelSink) Fail(shardID string, err error) {
	s.errs <- &ShardError{ShardID: shardID, Err: err}
}

// Batches is the ordered stream of consumed data. Ordering holds within a
// shard only.
func (s *ChannelSink) Batches() <-chan *Batch {
	return s.batches
}

// Errors carries at most one terminal error per shard.
func (s *ChannelSink) Errors() <-chan *ShardError {
	return s.errs
}
