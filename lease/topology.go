package lease

import (
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// Shard describes one partition of the stream. A shard with an ending
// sequence number is closed; its children carry it as a parent.
type Shard struct {
	ShardID          string
	Parents          []string
	StartingHashKey  string
	EndingHashKey    string
	Open             bool
}

// Topology is a point-in-time snapshot of the shard graph.
type Topology struct {
	shards   map[string]Shard
	children map[string][]string
}

func NewTopology(shards ...Shard) *Topology {
	t := &Topology{
		shards:   make(map[string]Shard),
		children: make(map[string][]string),
	}
	for _, s := range shards {
		t.add(s)
	}
	return t
}

func (t *Topology) add(s Shard) {
	t.shards[s.ShardID] = s
	for _, p := range s.Parents {
		t.children[p] = append(t.children[p], s.ShardID)
	}
}

// Get returns the shard with the given id.
func (t *Topology) Get(shardID string) (Shard, bool) {
	s, ok := t.shards[shardID]
	return s, ok
}

// Shards returns all shards ordered by id.
func (t *Topology) Shards() []Shard {
	out := make([]Shard, 0, len(t.shards))
	for _, s := range t.shards {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out
}

// Children returns the ids of the shards revealed when shardID depletes.
func (t *Topology) Children(shardID string) []string {
	out := append([]string(nil), t.children[shardID]...)
	sort.Strings(out)
	return out
}

// FromSDKShards builds a Topology from the service's shard descriptions.
func FromSDKShards(shards []types.Shard) *Topology {
	t := NewTopology()
	for _, ks := range shards {
		s := Shard{ShardID: *ks.ShardId, Open: true}
		if ks.ParentShardId != nil && *ks.ParentShardId != "" {
			s.Parents = append(s.Parents, *ks.ParentShardId)
		}
		if ks.AdjacentParentShardId != nil && *ks.AdjacentParentShardId != "" {
			s.Parents = append(s.Parents, *ks.AdjacentParentShardId)
		}
		if ks.HashKeyRange != nil {
			if ks.HashKeyRange.StartingHashKey != nil {
				s.StartingHashKey = *ks.HashKeyRange.StartingHashKey
			}
			if ks.HashKeyRange.EndingHashKey != nil {
				s.EndingHashKey = *ks.HashKeyRange.EndingHashKey
			}
		}
		if ks.SequenceNumberRange != nil && ks.SequenceNumberRange.EndingSequenceNumber != nil {
			s.Open = false
		}
		t.add(s)
	}
	return t
}
