package lease

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-process
// deployments. It applies the same arbitration rules as DynamoStore under a
// mutex: one live owner per shard, monotonic checkpoints, immutable
// depleted leases.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]*Lease
	topo   *Topology
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]*Lease),
		topo:   NewTopology(),
		now:    time.Now,
	}
}

// SetClock substitutes the time source; tests drive expiry deterministically.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetTopology replaces the topology snapshot returned by GetShardTopology.
func (s *MemoryStore) SetTopology(topo *Topology) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topo = topo
}

func (s *MemoryStore) GetShardTopology(ctx context.Context) (*Topology, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topo, nil
}

func (s *MemoryStore) AcquireOrRenewLease(ctx context.Context, shardID, ownerID string, duration time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.leases[shardID]
	if !ok {
		l = &Lease{ShardID: shardID}
		s.leases[shardID] = l
	}
	if l.Depleted {
		return nil, ErrLeaseHeld
	}
	if l.Owner != "" && l.Owner != ownerID && l.Expires.After(now) {
		return nil, ErrLeaseHeld
	}
	l.Owner = ownerID
	l.Expires = now.Add(duration)
	out := *l
	return &out, nil
}

func (s *MemoryStore) StoreCheckpoint(ctx context.Context, shardID, sequenceNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[shardID]
	if !ok {
		l = &Lease{ShardID: shardID}
		s.leases[shardID] = l
	}
	if !checkpointAdvances(l.Checkpoint, sequenceNumber) {
		// stale write, keep the stored value
		return nil
	}
	l.Checkpoint = sequenceNumber
	return nil
}

func (s *MemoryStore) MarkShardDepleted(ctx context.Context, shardID string, topo *Topology) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[shardID]
	if !ok {
		l = &Lease{ShardID: shardID}
		s.leases[shardID] = l
	}
	l.Depleted = true
	l.Checkpoint = ShardEnd

	if topo == nil {
		return nil
	}
	for _, child := range topo.Children(shardID) {
		if _, exists := s.leases[child]; !exists {
			s.leases[child] = &Lease{ShardID: child, Checkpoint: TrimHorizon}
		}
	}
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, shardID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[shardID]
	if !ok || l.Owner != ownerID {
		return nil
	}
	l.Owner = ""
	l.Expires = time.Time{}
	return nil
}

func (s *MemoryStore) ListLeases(ctx context.Context) ([]Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, nil
}
