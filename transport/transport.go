// Package transport opens signed, long-lived shard subscriptions against
// the stream service's HTTP endpoint and classifies the response before any
// frame is read.
package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"go.uber.org/zap"

	"github.com/vindil/shardflow/retry"
)

const (
	targetSubscribeToShard = "Kinesis_20131202.SubscribeToShard"
	contentTypeJSON        = "application/x-amz-json-1.1"
	contentTypeEventStream = "application/vnd.amazon.eventstream"
	serviceName            = "kinesis"
)

// StartingPosition selects where a subscription begins.
type StartingPosition struct {
	Type           string
	SequenceNumber *string `json:",omitempty"`
}

// Latest starts at the tip of the shard.
func Latest() StartingPosition {
	return StartingPosition{Type: "LATEST"}
}

// TrimHorizon starts at the oldest retained record.
func TrimHorizon() StartingPosition {
	return StartingPosition{Type: "TRIM_HORIZON"}
}

// AfterSequenceNumber resumes immediately after a checkpoint.
func AfterSequenceNumber(sn string) StartingPosition {
	return StartingPosition{Type: "AFTER_SEQUENCE_NUMBER", SequenceNumber: &sn}
}

// SubscribeRequest is the body of the subscription call.
type SubscribeRequest struct {
	ConsumerARN      string `json:"ConsumerARN"`
	ShardID          string `json:"ShardId"`
	StartingPosition StartingPosition
}

// Subscription is one live event stream. Abort terminates the underlying
// connection immediately; it is safe to call from any goroutine, any number
// of times, including concurrently with reads of Body.
type Subscription struct {
	Body  io.ReadCloser
	abort func()
	once  sync.Once
}

// NewSubscription wraps a body and abort hook. It exists so tests can hand
// scripted streams to a consumer.
func NewSubscription(body io.ReadCloser, abort func()) *Subscription {
	return &Subscription{Body: body, abort: abort}
}

func (s *Subscription) Abort() {
	s.once.Do(func() {
		if s.abort != nil {
			s.abort()
		}
		s.Body.Close()
	})
}

// Transport signs and opens subscription requests. Credentials are resolved
// lazily from the default chain unless a provider is supplied.
type Transport struct {
	endpoint string
	region   string
	client   *http.Client
	signer   *v4.Signer
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	creds aws.CredentialsProvider
}

type Option func(*Transport)

// WithRegion sets the signing region. Default us-east-1.
func WithRegion(region string) Option {
	return func(t *Transport) {
		t.region = region
	}
}

// WithEndpoint overrides the service endpoint, e.g. for local stacks.
func WithEndpoint(endpoint string) Option {
	return func(t *Transport) {
		t.endpoint = strings.TrimSuffix(endpoint, "/")
	}
}

// WithHTTPClient overrides the HTTP client used for subscriptions.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// WithStaticCredentials disables the credential chain.
func WithStaticCredentials(accessKey, secretKey, sessionToken string) Option {
	return func(t *Transport) {
		t.creds = credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken)
	}
}

// WithCredentials supplies a custom credential resolver.
func WithCredentials(provider aws.CredentialsProvider) Option {
	return func(t *Transport) {
		t.creds = provider
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

func New(opts ...Option) *Transport {
	t := &Transport{
		region: "us-east-1",
		client: &http.Client{},
		signer: v4.NewSigner(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.endpoint == "" {
		t.endpoint = fmt.Sprintf("https://kinesis.%s.amazonaws.com", t.region)
	}
	t.logger = t.logger.Named("transport")
	return t
}

func (t *Transport) credentials(ctx context.Context) (aws.Credentials, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.creds == nil {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(t.region))
		if err != nil {
			return aws.Credentials{}, retry.Fatal(retry.KindTransport, fmt.Errorf("load credential chain: %w", err))
		}
		t.creds = aws.NewCredentialsCache(cfg.Credentials)
	}
	creds, err := t.creds.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, retry.Fatal(retry.KindTransport, fmt.Errorf("resolve credentials: %w", err))
	}
	return creds, nil
}

// Subscribe opens a long-lived event stream for one shard. Success requires
// a 200 response with an event-stream content type; anything else is parsed
// as an application error and returned as a tagged fault.
func (t *Transport) Subscribe(ctx context.Context, req *SubscribeRequest) (*Subscription, error) {
	creds, err := t.credentials(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, retry.Fatal(retry.KindSubscribe, fmt.Errorf("marshal subscribe request: %w", err))
	}

	ctx, cancel := context.WithCancel(ctx)
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, retry.Fatal(retry.KindSubscribe, fmt.Errorf("build subscribe request: %w", err))
	}
	hr.Header.Set("Content-Type", contentTypeJSON)
	hr.Header.Set("X-Amz-Target", targetSubscribeToShard)

	sum := sha256.Sum256(body)
	if err := t.signer.SignHTTP(ctx, creds, hr, hex.EncodeToString(sum[:]), serviceName, t.region, t.now()); err != nil {
		cancel()
		return nil, retry.Fatal(retry.KindTransport, fmt.Errorf("sign subscribe request: %w", err))
	}

	t.logger.Debug("opening subscription", zap.String("shard-id", req.ShardID), zap.String("starting-position", req.StartingPosition.Type))
	resp, err := t.client.Do(hr)
	if err != nil {
		cancel()
		return nil, retry.Transient(retry.KindTransport, fmt.Errorf("open subscription: %w", err))
	}

	if resp.StatusCode == http.StatusOK && strings.HasPrefix(resp.Header.Get("Content-Type"), contentTypeEventStream) {
		return NewSubscription(resp.Body, cancel), nil
	}

	defer cancel()
	defer resp.Body.Close()
	return nil, applicationError(resp)
}

// applicationError reads a JSON error body of the form {__type, message}.
func applicationError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var body struct {
		Type    string `json:"__type"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)

	code := body.Type
	if i := strings.Index(code, "#"); i >= 0 {
		code = code[i+1:]
	}
	err := fmt.Errorf("subscription rejected with status %d: %s: %s", resp.StatusCode, code, body.Message)
	return &retry.Error{
		Kind:       retry.KindSubscribe,
		Code:       code,
		StatusCode: resp.StatusCode,
		Retryable:  retry.CodeRetryable(code),
		Err:        err,
	}
}
