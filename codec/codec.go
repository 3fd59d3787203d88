// Package codec decodes the binary event-stream framing of a shard
// subscription into ordered record batches, expanding aggregated records
// and decompressing payloads along the way. The encoder half exists for
// fakes and tests; production traffic is decode-only.
package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"time"

	"github.com/DataDog/zstd"
	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Record is one unit of data read from a shard.
type Record struct {
	SequenceNumber   string
	PartitionKey     string
	Data             []byte
	ArrivalTimestamp time.Time
}

// RecordBatch is one decoded subscription event. A nil
// ContinuationSequenceNumber means the shard has been fully consumed.
type RecordBatch struct {
	Records                    []Record
	ContinuationSequenceNumber *string
	MillisBehindLatest         int64
}

// Continues reports whether more data may follow this batch.
func (b *RecordBatch) Continues() bool {
	return b.ContinuationSequenceNumber != nil
}

// Compression selects the producer-side compression applied to record data.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionSnappy
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return "unknown"
}

// Decompress reverses Compress for the given mode.
func Decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case CompressionSnappy:
		return snappy.Decode(nil, data)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case CompressionZstd:
		return zstd.Decompress(nil, data)
	}
	return nil, fmt.Errorf("unsupported compression mode %d", c)
}

// Compress applies the given mode to data.
func Compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		return zstd.Compress(nil, data)
	}
	return nil, fmt.Errorf("unsupported compression mode %d", c)
}

// wireEvent is the JSON body of a SubscribeToShardEvent frame.
type wireEvent struct {
	ContinuationSequenceNumber *string
	MillisBehindLatest         int64
	Records                    []wireRecord
}

// wireRecord mirrors the service's record shape. Data is base64 on the wire
// which encoding/json handles for []byte.
type wireRecord struct {
	Data                        []byte
	PartitionKey                string
	SequenceNumber              string
	ApproximateArrivalTimestamp float64
}

// expandRecord decompresses one wire record, splitting it first when it
// carries the aggregated-record envelope. Sub-records share the sequence
// number of the envelope.
func expandRecord(c Compression, seq, partitionKey string, arrival time.Time, data []byte) ([]Record, error) {
	if isAggregated(data) {
		entries, err := deaggregate(data)
		if err != nil {
			return nil, err
		}
		records := make([]Record, 0, len(entries))
		for _, e := range entries {
			d, err := Decompress(c, e.data)
			if err != nil {
				return nil, err
			}
			records = append(records, Record{
				SequenceNumber:   seq,
				PartitionKey:     e.partitionKey,
				Data:             d,
				ArrivalTimestamp: arrival,
			})
		}
		return records, nil
	}
	d, err := Decompress(c, data)
	if err != nil {
		return nil, err
	}
	return []Record{{
		SequenceNumber:   seq,
		PartitionKey:     partitionKey,
		Data:             d,
		ArrivalTimestamp: arrival,
	}}, nil
}

// ExpandRecord is the polling-path entry point to the same record expansion
// the streaming decoder applies.
func ExpandRecord(c Compression, seq, partitionKey string, arrival time.Time, data []byte) ([]Record, error) {
	return expandRecord(c, seq, partitionKey, arrival, data)
}

func arrivalTime(epochSeconds float64) time.Time {
	sec := int64(epochSeconds)
	nsec := int64((epochSeconds - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}
