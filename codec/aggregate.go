package codec

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Aggregated-record envelope: magic, protobuf body, md5 trailer.
var aggregateMagic = []byte{0xF3, 0x89, 0x9A, 0xC2}

type aggregateEntry struct {
	partitionKey string
	data         []byte
}

func isAggregated(data []byte) bool {
	return len(data) > len(aggregateMagic)+md5.Size && bytes.HasPrefix(data, aggregateMagic)
}

// deaggregate splits an aggregated record into its user records, reading the
// protobuf body with the wire-format primitives directly. Body fields:
// 1 = partition key table, 2 = explicit hash key table, 3 = user records.
func deaggregate(data []byte) ([]aggregateEntry, error) {
	body := data[len(aggregateMagic) : len(data)-md5.Size]
	sum := md5.Sum(body)
	if !bytes.Equal(sum[:], data[len(data)-md5.Size:]) {
		return nil, errors.New("aggregate checksum mismatch")
	}

	var keys []string
	var raw [][]byte
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		body = body[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			keys = append(keys, string(v))
			body = body[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			raw = append(raw, v)
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			body = body[n:]
		}
	}

	entries := make([]aggregateEntry, 0, len(raw))
	for _, r := range raw {
		e, err := parseUserRecord(r, keys)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// parseUserRecord reads one user record message. Fields:
// 1 = partition key index, 3 = data.
func parseUserRecord(b []byte, keys []string) (aggregateEntry, error) {
	var e aggregateEntry
	keyIndex := -1
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			keyIndex = int(v)
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if keyIndex < 0 || keyIndex >= len(keys) {
		return e, fmt.Errorf("aggregate partition key index %d out of range", keyIndex)
	}
	e.partitionKey = keys[keyIndex]
	return e, nil
}
