// Package lease coordinates shard ownership and consumption progress across
// a fleet of consumer processes through a shared table. The table is the
// single source of truth; nothing in memory is authoritative.
package lease

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// Checkpoint sentinels. Anything else is a sequence number.
const (
	// TrimHorizon starts consumption at the oldest retained record.
	TrimHorizon = "TRIM_HORIZON"
	// Latest starts consumption at the tip of the shard.
	Latest = "LATEST"
	// ShardEnd records that the shard has been fully consumed.
	ShardEnd = "SHARD_END"
)

// ErrLeaseHeld is returned by AcquireOrRenewLease when another live owner
// holds the shard. It is never worth retrying inside the store; the caller
// reconciles again later.
var ErrLeaseHeld = errors.New("lease held by another owner")

// Lease is one shard's coordination record. At most one live owner exists
// per shard at any instant, enforced by conditional writes. A depleted
// lease is immutable except for removal.
type Lease struct {
	ShardID    string
	Owner      string
	Checkpoint string
	Expires    time.Time
	Depleted   bool
}

// Live reports whether the lease has an unexpired owner at now.
func (l *Lease) Live(now time.Time) bool {
	return l.Owner != "" && l.Expires.After(now)
}

// Store is the coordination contract shared by the fan-out and polling
// acquisition strategies.
type Store interface {
	// GetShardTopology returns the current shard graph, used to reveal
	// child shards after a depletion.
	GetShardTopology(ctx context.Context) (*Topology, error)
	// AcquireOrRenewLease succeeds only if no other live owner exists or
	// the caller already owns the shard. It is a single atomic conditional
	// operation; losing the race yields ErrLeaseHeld.
	AcquireOrRenewLease(ctx context.Context, shardID, ownerID string, duration time.Duration) (*Lease, error)
	// StoreCheckpoint persists progress monotonically. A write older than
	// the stored checkpoint is silently ignored, never applied.
	StoreCheckpoint(ctx context.Context, shardID, sequenceNumber string) error
	// MarkShardDepleted records the terminal state of a shard and makes its
	// children (per the supplied topology) eligible for assignment.
	MarkShardDepleted(ctx context.Context, shardID string, topo *Topology) error
	// ReleaseLease voluntarily relinquishes ownership.
	ReleaseLease(ctx context.Context, shardID, ownerID string) error
	// ListLeases enumerates every lease record in the table.
	ListLeases(ctx context.Context) ([]Lease, error)
}

// checkpointAdvances reports whether next is at least as far along as prev.
// Sequence numbers are arbitrary-precision decimal integers.
func checkpointAdvances(prev, next string) bool {
	switch prev {
	case "", Latest, TrimHorizon:
		return true
	case ShardEnd:
		return next == ShardEnd
	}
	if next == ShardEnd {
		return true
	}
	a, okA := new(big.Int).SetString(prev, 10)
	b, okB := new(big.Int).SetString(next, 10)
	if !okA || !okB {
		return prev <= next
	}
	return a.Cmp(b) <= 0
}
