package consumer

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vindil/shardflow/codec"
	"github.com/vindil/shardflow/retry"
)

// Mode selects the shard acquisition strategy.
type Mode int

const (
	// ModeFanOut consumes through dedicated long-lived subscriptions.
	ModeFanOut Mode = iota
	// ModePolling consumes through shard iterators and periodic reads.
	ModePolling
)

// Config carries everything a fleet member needs to consume a stream.
// Construct with NewConfig; zero values are filled with defaults.
type Config struct {
	StreamName  string
	ConsumerARN string
	WorkerID    string
	Region      string
	Mode        Mode
	Compression codec.Compression

	SubscribeRetryInterval time.Duration
	InactivityTimeout      time.Duration
	LeaseDuration          time.Duration
	LeaseExpiryMargin      time.Duration
	ReconcileInterval      time.Duration
	ReconcileJitter        time.Duration
	MaxConsecutiveRetries  int
	PollInterval           time.Duration
	PollBatchSize          int32

	Logger     *zap.Logger
	Classifier retry.Classifier
}

type ConfigOption func(*Config)

// WithConsumerARN sets the fan-out consumer registration to subscribe with.
func WithConsumerARN(arn string) ConfigOption {
	return func(c *Config) {
		c.ConsumerARN = arn
	}
}

// WithWorkerID overrides the generated worker identity.
func WithWorkerID(id string) ConfigOption {
	return func(c *Config) {
		c.WorkerID = id
	}
}

func WithRegion(region string) ConfigOption {
	return func(c *Config) {
		c.Region = region
	}
}

// WithPolling switches from fan-out subscriptions to iterator polling.
func WithPolling() ConfigOption {
	return func(c *Config) {
		c.Mode = ModePolling
	}
}

// WithCompression sets the producer-side compression of record data.
func WithCompression(m codec.Compression) ConfigOption {
	return func(c *Config) {
		c.Compression = m
	}
}

func WithSubscribeRetryInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.SubscribeRetryInterval = d
	}
}

func WithInactivityTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.InactivityTimeout = d
	}
}

func WithLeaseDuration(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.LeaseDuration = d
	}
}

func WithLeaseExpiryMargin(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.LeaseExpiryMargin = d
	}
}

func WithReconcileInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.ReconcileInterval = d
	}
}

// WithMaxConsecutiveRetries bounds subscription attempts without progress
// before the shard is abandoned with an outward error.
func WithMaxConsecutiveRetries(n int) ConfigOption {
	return func(c *Config) {
		c.MaxConsecutiveRetries = n
	}
}

func WithPollInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.PollInterval = d
	}
}

func WithLoggerConfig(logger *zap.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClassifier substitutes the retry policy consulted on every fault.
func WithClassifier(cl retry.Classifier) ConfigOption {
	return func(c *Config) {
		c.Classifier = cl
	}
}

func NewConfig(streamName string, opts ...ConfigOption) *Config {
	c := &Config{
		StreamName:             streamName,
		WorkerID:               uuid.NewString(),
		Region:                 "us-east-1",
		SubscribeRetryInterval: 5 * time.Second,
		InactivityTimeout:      10 * time.Second,
		LeaseDuration:          30 * time.Second,
		LeaseExpiryMargin:      2 * time.Second,
		ReconcileInterval:      10 * time.Second,
		ReconcileJitter:        100 * time.Millisecond,
		MaxConsecutiveRetries:  8,
		PollInterval:           time.Second,
		PollBatchSize:          1000,
		Logger:                 zap.NewNop(),
		Classifier:             retry.DefaultClassifier{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
