package consumer

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/serialx/hashring"
	"go.uber.org/zap"

	"github.com/vindil/shardflow/lease"
	"github.com/vindil/shardflow/retry"
)

// runner is one shard's consumption task; ShardConsumer and ShardPoller
// both satisfy it.
type runner interface {
	Start()
	Stop()
	Done() <-chan struct{}
	ExtendLease(expires time.Time)
}

type runnerFactory func(shardID, checkpoint string, expires time.Time, onStop func(string, StopReason)) runner

// Manager keeps exactly one runner alive for every shard this worker should
// own. Ownership is decided by a consistent-hash partition over the live
// fleet, so concurrently reconciling workers converge without talking to
// each other; the lease table settles any race the hash does not.
type Manager struct {
	cfg       *Config
	store     lease.Store
	newRunner runnerFactory
	logger    *zap.Logger

	clock func() time.Time
	timer func(time.Duration) <-chan time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	kick     chan struct{}

	mu      sync.Mutex
	runners map[string]runner
}

func NewManager(cfg *Config, store lease.Store, newRunner runnerFactory) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		newRunner: newRunner,
		logger:    cfg.Logger.Named("manager").With(zap.String("worker-id", cfg.WorkerID)),
		clock:     time.Now,
		timer:     time.After,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		kick:      make(chan struct{}, 1),
		runners:   make(map[string]runner),
	}
}

func (m *Manager) Start() {
	go m.run()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.stopAll()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReconcileInterval)
		if err := m.reconcile(ctx); err != nil {
			m.logger.Warn("reconciliation pass failed", zap.Error(err))
		}
		cancel()

		select {
		case <-m.stop:
			return
		case <-m.kick:
		case <-m.timer(m.interval()):
		}
	}
}

func (m *Manager) interval() time.Duration {
	d := m.cfg.ReconcileInterval
	if m.cfg.ReconcileJitter > 0 {
		d += time.Duration(rand.Int63n(int64(m.cfg.ReconcileJitter)))
	}
	return d
}

// reconcile reads topology and ownership from the store, computes this
// worker's target shards and starts or stops runners to match.
func (m *Manager) reconcile(ctx context.Context) error {
	topo, err := m.store.GetShardTopology(ctx)
	if err != nil {
		return err
	}
	leases, err := m.store.ListLeases(ctx)
	if err != nil {
		return err
	}

	now := m.clock()
	byShard := make(map[string]lease.Lease, len(leases))
	for _, l := range leases {
		byShard[l.ShardID] = l
	}
	ring := hashring.New(fleetMembers(leases, m.cfg.WorkerID, now))

	targets := make(map[string]struct{})
	for _, shard := range topo.Shards() {
		if !m.eligible(shard, byShard, topo) {
			continue
		}
		owner, ok := ring.GetNode(shard.ShardID)
		if !ok || owner != m.cfg.WorkerID {
			continue
		}
		targets[shard.ShardID] = struct{}{}
		m.ensureRunner(ctx, shard.ShardID)
	}

	// stop runners for shards the partition no longer assigns here
	m.mu.Lock()
	var drop []runner
	for id, r := range m.runners {
		if _, ok := targets[id]; !ok {
			m.logger.Info("shard no longer assigned to this worker", zap.String("shard-id", id))
			drop = append(drop, r)
		}
	}
	m.mu.Unlock()
	for _, r := range drop {
		r.Stop()
	}
	return nil
}

// eligible excludes depleted shards and shards whose parents are still
// being consumed; children only become consumable once every parent has
// been drained to its end.
func (m *Manager) eligible(shard lease.Shard, byShard map[string]lease.Lease, topo *lease.Topology) bool {
	if l, ok := byShard[shard.ShardID]; ok && (l.Depleted || l.Checkpoint == lease.ShardEnd) {
		return false
	}
	for _, parent := range shard.Parents {
		if pl, ok := byShard[parent]; ok {
			if !pl.Depleted {
				return false
			}
			continue
		}
		if ps, ok := topo.Get(parent); ok && ps.Open {
			return false
		}
	}
	return true
}

func (m *Manager) ensureRunner(ctx context.Context, shardID string) {
	l, err := m.store.AcquireOrRenewLease(ctx, shardID, m.cfg.WorkerID, m.cfg.LeaseDuration)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) {
			m.logger.Debug("lease held elsewhere", zap.String("shard-id", shardID))
			return
		}
		m.logger.Warn("lease acquisition failed", zap.String("shard-id", shardID), zap.Error(err))
		return
	}

	m.mu.Lock()
	r, running := m.runners[shardID]
	m.mu.Unlock()
	if running {
		r.ExtendLease(l.Expires)
		return
	}

	m.logger.Info("starting shard runner",
		zap.String("shard-id", shardID),
		zap.String("checkpoint", l.Checkpoint))
	r = m.newRunner(shardID, l.Checkpoint, l.Expires, m.onRunnerStop)
	m.mu.Lock()
	m.runners[shardID] = r
	m.mu.Unlock()
	r.Start()
}

func (m *Manager) onRunnerStop(shardID string, reason StopReason) {
	m.mu.Lock()
	delete(m.runners, shardID)
	m.mu.Unlock()
	m.logger.Info("shard runner stopped",
		zap.String("shard-id", shardID),
		zap.String("reason", reason.String()))

	if reason != ReasonDepleted {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := retry.Do(ctx, m.cfg.Classifier, 3, time.Second, func() error {
			return m.store.ReleaseLease(ctx, shardID, m.cfg.WorkerID)
		})
		if err != nil {
			m.logger.Warn("lease release failed, waiting for expiry", zap.String("shard-id", shardID), zap.Error(err))
		}
	}

	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	rs := make([]runner, 0, len(m.runners))
	for _, r := range m.runners {
		rs = append(rs, r)
	}
	m.mu.Unlock()
	for _, r := range rs {
		r.Stop()
	}
	for _, r := range rs {
		<-r.Done()
	}
}

// fleetMembers derives the worker set from live lease ownership; a worker
// with no leases yet still counts itself.
func fleetMembers(leases []lease.Lease, self string, now time.Time) []string {
	set := map[string]struct{}{self: {}}
	for _, l := range leases {
		if l.Live(now) {
			set[l.Owner] = struct{}{}
		}
	}
	members := make([]string, 0, len(set))
	for w := range set {
		members = append(members, w)
	}
	sort.Strings(members)
	return members
}
