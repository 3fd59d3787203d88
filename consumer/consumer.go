// Package consumer turns a partitioned stream into per-shard batch
// deliveries coordinated across a fleet of workers. Each worker runs a
// Manager that claims shards through a shared lease store and drives one
// runner per owned shard, using either dedicated fan-out subscriptions or
// iterator polling.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"

	awsc "github.com/vindil/shardflow/aws"
	"github.com/vindil/shardflow/lease"
	"github.com/vindil/shardflow/transport"
)

// Consumer is the top-level entry point for one fleet member.
type Consumer struct {
	cfg     *Config
	manager *Manager
	sink    Sink

	transport *transport.Transport
	kds       awsc.Kinesis
}

type Option func(*Consumer)

// WithTransport substitutes the subscription transport, e.g. one pointed at
// a local stack.
func WithTransport(t *transport.Transport) Option {
	return func(c *Consumer) {
		c.transport = t
	}
}

// WithKinesisClient substitutes the polling client.
func WithKinesisClient(k awsc.Kinesis) Option {
	return func(c *Consumer) {
		c.kds = k
	}
}

// New wires a lease store and a sink into a managed fleet member. Clients
// not supplied through options are built from the default AWS config chain.
func New(ctx context.Context, cfg *Config, store lease.Store, sink Sink, opts ...Option) (*Consumer, error) {
	c := &Consumer{
		cfg:  cfg,
		sink: sink,
	}
	for _, opt := range opts {
		opt(c)
	}

	switch cfg.Mode {
	case ModeFanOut:
		if cfg.ConsumerARN == "" {
			return nil, fmt.Errorf("fan-out consumption requires a consumer ARN")
		}
		if c.transport == nil {
			c.transport = transport.New(
				transport.WithRegion(cfg.Region),
				transport.WithLogger(cfg.Logger),
			)
		}
	case ModePolling:
		if c.kds == nil {
			awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
			if err != nil {
				return nil, fmt.Errorf("load aws config: %w", err)
			}
			c.kds = kinesis.NewFromConfig(awsCfg)
		}
	}

	c.manager = NewManager(cfg, store, c.runnerFactory(store))
	return c, nil
}

func (c *Consumer) runnerFactory(store lease.Store) runnerFactory {
	return func(shardID, checkpoint string, expires time.Time, onStop func(string, StopReason)) runner {
		if c.cfg.Mode == ModePolling {
			return NewShardPoller(c.cfg, shardID, checkpoint, expires, c.kds, store, c.sink, onStop)
		}
		return NewShardConsumer(c.cfg, shardID, checkpoint, expires, c.transport, store, c.sink, onStop)
	}
}

// Start begins reconciling and consuming. It returns immediately.
func (c *Consumer) Start() {
	c.manager.Start()
}

// Stop halts reconciliation, stops every shard runner and releases their
// leases. It is idempotent.
func (c *Consumer) Stop() {
	c.manager.Stop()
}

// Done is closed once every runner has unwound after Stop.
func (c *Consumer) Done() <-chan struct{} {
	return c.manager.Done()
}
