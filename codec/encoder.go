package codec

import (
	"encoding/json"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// Encoder writes subscription events in the service's wire framing.
type Encoder struct {
	w           io.Writer
	enc         *eventstream.Encoder
	compression Compression
}

func NewEncoder(w io.Writer, compression Compression) *Encoder {
	return &Encoder{
		w:           w,
		enc:         eventstream.NewEncoder(),
		compression: compression,
	}
}

// WriteBatch frames b as a SubscribeToShardEvent.
func (e *Encoder) WriteBatch(b *RecordBatch) error {
	we := wireEvent{
		ContinuationSequenceNumber: b.ContinuationSequenceNumber,
		MillisBehindLatest:         b.MillisBehindLatest,
	}
	for _, r := range b.Records {
		data, err := Compress(e.compression, r.Data)
		if err != nil {
			return err
		}
		we.Records = append(we.Records, wireRecord{
			Data:                        data,
			PartitionKey:                r.PartitionKey,
			SequenceNumber:              r.SequenceNumber,
			ApproximateArrivalTimestamp: float64(r.ArrivalTimestamp.UnixNano()) / 1e9,
		})
	}
	payload, err := json.Marshal(we)
	if err != nil {
		return err
	}

	msg := eventstream.Message{Payload: payload}
	msg.Headers.Set(headerMessageType, eventstream.StringValue(messageTypeEvent))
	msg.Headers.Set(headerEventType, eventstream.StringValue(eventTypeSubscribe))
	msg.Headers.Set(headerContentType, eventstream.StringValue(contentTypeJSON))
	return e.enc.Encode(e.w, msg)
}

// WriteException frames a modeled service exception.
func (e *Encoder) WriteException(code, message string) error {
	payload, err := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	if err != nil {
		return err
	}

	msg := eventstream.Message{Payload: payload}
	msg.Headers.Set(headerMessageType, eventstream.StringValue(messageTypeException))
	msg.Headers.Set(headerExceptionType, eventstream.StringValue(code))
	msg.Headers.Set(headerContentType, eventstream.StringValue(contentTypeJSON))
	return e.enc.Encode(e.w, msg)
}
