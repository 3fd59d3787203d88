package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/serialx/hashring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vindil/shardflow/lease"
)

type fakeRunner struct {
	shardID string

	mu       sync.Mutex
	stopped  bool
	extended []time.Time
	done     chan struct{}
	once     sync.Once
}

func (r *fakeRunner) Start() {}

func (r *fakeRunner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.once.Do(func() { close(r.done) })
}

func (r *fakeRunner) Done() <-chan struct{} {
	return r.done
}

func (r *fakeRunner) ExtendLease(expires time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extended = append(r.extended, expires)
}

func (r *fakeRunner) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *fakeRunner) extensions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.extended)
}

type managerWorld struct {
	cfg     *Config
	store   *lease.MemoryStore
	manager *Manager

	mu      sync.Mutex
	runners map[string]*fakeRunner
	onStops map[string]func(string, StopReason)
}

func newManagerWorld(t *testing.T, shards ...lease.Shard) *managerWorld {
	w := &managerWorld{
		cfg:     NewConfig("orders", WithWorkerID("w0")),
		store:   lease.NewMemoryStore(),
		runners: make(map[string]*fakeRunner),
		onStops: make(map[string]func(string, StopReason)),
	}
	w.store.SetTopology(lease.NewTopology(shards...))
	w.manager = NewManager(w.cfg, w.store, func(shardID, checkpoint string, expires time.Time, onStop func(string, StopReason)) runner {
		r := &fakeRunner{shardID: shardID, done: make(chan struct{})}
		w.mu.Lock()
		w.runners[shardID] = r
		w.onStops[shardID] = onStop
		w.mu.Unlock()
		return r
	})
	return w
}

func (w *managerWorld) runnerIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.runners))
	for id := range w.runners {
		ids = append(ids, id)
	}
	return ids
}

func openShards(ids ...string) []lease.Shard {
	out := make([]lease.Shard, 0, len(ids))
	for _, id := range ids {
		out = append(out, lease.Shard{ShardID: id, Open: true})
	}
	return out
}

func TestReconcileStartsRunnersForOwnedShards(t *testing.T) {
	w := newManagerWorld(t, openShards("s0", "s1", "s2")...)

	require.NoError(t, w.manager.reconcile(context.Background()))

	assert.ElementsMatch(t, []string{"s0", "s1", "s2"}, w.runnerIDs())
	leases, err := w.store.ListLeases(context.Background())
	require.NoError(t, err)
	require.Len(t, leases, 3)
	for _, l := range leases {
		assert.Equal(t, "w0", l.Owner)
	}
}

func TestLostLeaseRaceSkipsShard(t *testing.T) {
	w := newManagerWorld(t, openShards("s0", "s1")...)
	ctx := context.Background()

	// skew the manager's clock so the other worker looks dead to the
	// partition while its lease is still live in the store: the manager
	// targets s1, loses the conditional write, and must simply skip it
	now := time.Unix(1700000000, 0)
	w.store.SetClock(func() time.Time { return now.Add(-time.Second) })
	_, err := w.store.AcquireOrRenewLease(ctx, "s1", "other", time.Minute)
	require.NoError(t, err)
	w.store.SetClock(func() time.Time { return now })
	w.manager.clock = func() time.Time { return now.Add(2 * time.Minute) }

	require.NoError(t, w.manager.reconcile(ctx))

	assert.ElementsMatch(t, []string{"s0"}, w.runnerIDs())
}

func TestRenewalExtendsRunningRunner(t *testing.T) {
	w := newManagerWorld(t, openShards("s0")...)
	ctx := context.Background()

	require.NoError(t, w.manager.reconcile(ctx))
	require.NoError(t, w.manager.reconcile(ctx))

	w.mu.Lock()
	r := w.runners["s0"]
	w.mu.Unlock()
	require.NotNil(t, r)
	assert.Equal(t, 1, r.extensions())
	assert.False(t, r.isStopped())
}

func TestPartitionSplitsShardsAcrossLiveWorkers(t *testing.T) {
	shards := openShards("s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7")
	w := newManagerWorld(t, shards...)
	ctx := context.Background()

	// a second live worker holding any lease joins the fleet
	_, err := w.store.AcquireOrRenewLease(ctx, "s0", "w1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, w.manager.reconcile(ctx))

	ring := hashring.New([]string{"w0", "w1"})
	for _, s := range shards {
		owner, ok := ring.GetNode(s.ShardID)
		require.True(t, ok)
		w.mu.Lock()
		_, started := w.runners[s.ShardID]
		w.mu.Unlock()
		if s.ShardID == "s0" {
			// held by w1 regardless of the partition
			assert.False(t, started)
			continue
		}
		assert.Equal(t, owner == "w0", started, "shard %s", s.ShardID)
	}
}

func TestChildShardsGatedOnParentDepletion(t *testing.T) {
	w := newManagerWorld(t,
		lease.Shard{ShardID: "s0", Open: true},
		lease.Shard{ShardID: "s1", Parents: []string{"s0"}, Open: true},
		lease.Shard{ShardID: "s2", Parents: []string{"s0"}, Open: true},
	)
	ctx := context.Background()

	require.NoError(t, w.manager.reconcile(ctx))
	assert.ElementsMatch(t, []string{"s0"}, w.runnerIDs())

	// the parent drains; its runner reports depletion and goes away
	topo, err := w.store.GetShardTopology(ctx)
	require.NoError(t, err)
	require.NoError(t, w.store.MarkShardDepleted(ctx, "s0", topo))
	w.mu.Lock()
	delete(w.runners, "s0")
	onStop := w.onStops["s0"]
	w.mu.Unlock()
	onStop("s0", ReasonDepleted)

	require.NoError(t, w.manager.reconcile(ctx))
	assert.ElementsMatch(t, []string{"s1", "s2"}, w.runnerIDs())
}

func TestRunnerStopReleasesLeaseExceptOnDepletion(t *testing.T) {
	w := newManagerWorld(t, openShards("s0")...)
	ctx := context.Background()

	require.NoError(t, w.manager.reconcile(ctx))
	w.mu.Lock()
	onStop := w.onStops["s0"]
	w.mu.Unlock()

	onStop("s0", ReasonStopped)

	// the lease is free again for any other worker
	_, err := w.store.AcquireOrRenewLease(ctx, "s0", "other", time.Minute)
	assert.NoError(t, err)

	// a stop also nudges the reconciliation loop
	select {
	case <-w.manager.kick:
	default:
		t.Fatal("expected a reconciliation kick after a runner stopped")
	}

	// a depleted shard's lease is left alone
	w2 := newManagerWorld(t, openShards("s0")...)
	require.NoError(t, w2.manager.reconcile(ctx))
	topo, err := w2.store.GetShardTopology(ctx)
	require.NoError(t, err)
	require.NoError(t, w2.store.MarkShardDepleted(ctx, "s0", topo))
	w2.mu.Lock()
	onStop = w2.onStops["s0"]
	w2.mu.Unlock()
	onStop("s0", ReasonDepleted)

	leases, err := w2.store.ListLeases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "w0", leases[0].Owner)
	assert.True(t, leases[0].Depleted)
}

func TestShardsRemovedFromPartitionAreStopped(t *testing.T) {
	w := newManagerWorld(t, openShards("s0")...)
	ctx := context.Background()

	require.NoError(t, w.manager.reconcile(ctx))
	w.mu.Lock()
	r := w.runners["s0"]
	w.mu.Unlock()
	require.NotNil(t, r)

	w.store.SetTopology(lease.NewTopology())
	require.NoError(t, w.manager.reconcile(ctx))

	assert.True(t, r.isStopped())
}
