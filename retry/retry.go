// Package retry defines the fault model shared by the transport, the lease
// store and the per-shard consumers. Faults are tagged once at the boundary
// where they originate; everything downstream reads the tag instead of
// inspecting error shapes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the boundary a fault originated from.
type Kind int

const (
	// KindTransport covers network-level failures opening or reading a
	// subscription.
	KindTransport Kind = iota
	// KindSubscribe covers subscription requests the service rejected.
	KindSubscribe
	// KindDecode covers malformed frames and payloads.
	KindDecode
	// KindStore covers lease and checkpoint table failures.
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindSubscribe:
		return "subscribe"
	case KindDecode:
		return "decode"
	case KindStore:
		return "store"
	}
	return "unknown"
}

// Error carries the classification decided at the boundary along with the
// underlying cause.
type Error struct {
	Kind       Kind
	Code       string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s fault (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s fault: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient tags err as safe to retry in place.
func Transient(kind Kind, err error) *Error {
	return &Error{Kind: kind, Retryable: true, Err: err}
}

// Fatal tags err as unrecoverable for the current operation.
func Fatal(kind Kind, err error) *Error {
	return &Error{Kind: kind, Retryable: false, Err: err}
}

// Codes that cannot succeed on retry regardless of where they surface.
var fatalCodes = map[string]struct{}{
	"AccessDeniedException":               {},
	"IncompleteSignatureException":        {},
	"InvalidArgumentException":            {},
	"InvalidSignatureException":           {},
	"MissingAuthenticationTokenException": {},
	"SerializationException":              {},
	"UnrecognizedClientException":         {},
	"ValidationException":                 {},
}

// CodeRetryable reports whether a service error code is safe to retry.
// Unknown codes are retryable; some rejections are transient (for example a
// consumer registration that is not active yet) and the subscription loop
// tolerates pointless retries better than premature termination.
func CodeRetryable(code string) bool {
	_, fatal := fatalCodes[code]
	return !fatal
}

// Classifier decides whether a fault is safe to retry in place. It is
// injected into every component that retries so tests can substitute
// deterministic policies.
type Classifier interface {
	Retryable(err error) bool
}

// DefaultClassifier reads the verdict off tagged faults and treats untagged
// faults as transient infrastructure problems.
type DefaultClassifier struct{}

func (DefaultClassifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Do invokes fn until it succeeds, the classifier rules the fault fatal,
// attempts are exhausted, or ctx ends. Backoff is a fixed interval.
func Do(ctx context.Context, c Classifier, attempts int, interval time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !c.Retryable(err) || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(interval):
		}
	}
	return err
}
