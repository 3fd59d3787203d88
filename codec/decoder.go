package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/vindil/shardflow/retry"
)

// Event-stream header names and values used by the subscription protocol.
const (
	headerMessageType   = ":message-type"
	headerEventType     = ":event-type"
	headerExceptionType = ":exception-type"
	headerErrorCode     = ":error-code"
	headerErrorMessage  = ":error-message"
	headerContentType   = ":content-type"

	messageTypeEvent     = "event"
	messageTypeException = "exception"
	messageTypeError     = "error"

	eventTypeSubscribe = "SubscribeToShardEvent"

	contentTypeJSON = "application/json"
)

// Decoder turns the raw bytes of one subscription attempt into an ordered
// sequence of record batches. A Decoder is single use; create a new one for
// every attempt.
type Decoder struct {
	r           io.Reader
	dec         *eventstream.Decoder
	compression Compression
	payloadBuf  []byte
}

type DecoderOption func(*Decoder)

// WithCompression sets the mode used to decompress record data.
func WithCompression(c Compression) DecoderOption {
	return func(d *Decoder) {
		d.compression = c
	}
}

func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:           r,
		dec:         eventstream.NewDecoder(),
		compression: CompressionNone,
		payloadBuf:  make([]byte, 0, 4096),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next blocks until the next batch arrives, the stream ends (io.EOF), or a
// fault occurs. Decode faults are fatal to this subscription attempt and
// carry a retry tag; they are never skipped.
func (d *Decoder) Next() (*RecordBatch, error) {
	for {
		msg, err := d.dec.Decode(d.r, d.payloadBuf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, retry.Transient(retry.KindDecode, fmt.Errorf("decode frame: %w", err))
		}

		switch headerString(msg.Headers, headerMessageType) {
		case messageTypeEvent:
			if headerString(msg.Headers, headerEventType) != eventTypeSubscribe {
				// e.g. the initial-response event; nothing to deliver
				continue
			}
			return d.decodeEvent(msg.Payload)
		case messageTypeException:
			code := headerString(msg.Headers, headerExceptionType)
			var body struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(msg.Payload, &body)
			return nil, &retry.Error{
				Kind:      retry.KindSubscribe,
				Code:      code,
				Retryable: retry.CodeRetryable(code),
				Err:       fmt.Errorf("stream exception: %s: %s", code, body.Message),
			}
		case messageTypeError:
			code := headerString(msg.Headers, headerErrorCode)
			message := headerString(msg.Headers, headerErrorMessage)
			return nil, retry.Transient(retry.KindTransport, fmt.Errorf("stream error: %s: %s", code, message))
		default:
			return nil, retry.Transient(retry.KindDecode, fmt.Errorf("unexpected message type %q", headerString(msg.Headers, headerMessageType)))
		}
	}
}

func (d *Decoder) decodeEvent(payload []byte) (*RecordBatch, error) {
	var we wireEvent
	if err := json.Unmarshal(payload, &we); err != nil {
		return nil, retry.Transient(retry.KindDecode, fmt.Errorf("decode event payload: %w", err))
	}
	batch := &RecordBatch{
		ContinuationSequenceNumber: we.ContinuationSequenceNumber,
		MillisBehindLatest:         we.MillisBehindLatest,
	}
	for _, wr := range we.Records {
		records, err := expandRecord(d.compression, wr.SequenceNumber, wr.PartitionKey, arrivalTime(wr.ApproximateArrivalTimestamp), wr.Data)
		if err != nil {
			return nil, retry.Transient(retry.KindDecode, fmt.Errorf("expand record %s: %w", wr.SequenceNumber, err))
		}
		batch.Records = append(batch.Records, records...)
	}
	return batch, nil
}

func headerString(hs eventstream.Headers, name string) string {
	v := hs.Get(name)
	if v == nil {
		return ""
	}
	s, ok := v.(eventstream.StringValue)
	if !ok {
		return ""
	}
	return string(s)
}
