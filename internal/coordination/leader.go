// Package coordination elects a single active node per partition so
// that background duties with side effects, the managed-value
// refresher and the inbound transfer reader, run on exactly one
// replica at a time.
package coordination

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/strongroom-io/strongroom/internal/config"
)

// LeaderGate campaigns for partition leadership through etcd. IsLeader
// flips true only while this node holds the election key; callers poll
// it before each duty cycle rather than reacting to transitions.
type LeaderGate struct {
	client   *clientv3.Client
	nodeID   string
	prefix   string
	leaseTTL int
	log      *zap.Logger

	leader atomic.Bool

	mu       sync.Mutex
	session  *concurrency.Session
	election *concurrency.Election
	stopped  bool
}

// NewLeaderGate dials etcd. The election key lives under
// <namespace>/leader/<partition>, so distinct partitions elect
// independently.
func NewLeaderGate(cfg config.CoordinationConfig, partitionID uint32, nodeID string, log *zap.Logger) (*LeaderGate, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("coordination: no etcd endpoints")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 10
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "strongroom"
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("coordination: etcd dial: %w", err)
	}

	return &LeaderGate{
		client:   client,
		nodeID:   nodeID,
		prefix:   fmt.Sprintf("/%s/leader/%d", namespace, partitionID),
		leaseTTL: leaseTTL,
		log:      log,
	}, nil
}

// Run campaigns until ctx is cancelled. Losing the etcd session drops
// leadership and re-enters the campaign after a short backoff.
func (g *LeaderGate) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := g.campaign(ctx); err != nil && ctx.Err() == nil {
			g.log.Error("leader campaign failed", zap.Error(err))
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (g *LeaderGate) campaign(ctx context.Context) error {
	session, err := concurrency.NewSession(g.client, concurrency.WithTTL(g.leaseTTL), concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("etcd session: %w", err)
	}
	election := concurrency.NewElection(session, g.prefix)

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		session.Close()
		return nil
	}
	g.session = session
	g.election = election
	g.mu.Unlock()

	if err := election.Campaign(ctx, g.nodeID); err != nil {
		session.Close()
		return fmt.Errorf("campaign: %w", err)
	}

	g.leader.Store(true)
	g.log.Info("acquired partition leadership", zap.String("node", g.nodeID))

	// Hold leadership until the session lapses or ctx ends.
	select {
	case <-session.Done():
		g.log.Warn("etcd session lost, dropping leadership")
	case <-ctx.Done():
	}

	g.leader.Store(false)
	session.Close()
	return nil
}

// IsLeader reports whether this node currently holds the election key.
func (g *LeaderGate) IsLeader() bool {
	return g.leader.Load()
}

// Resign gives up leadership voluntarily and closes the etcd client.
func (g *LeaderGate) Resign(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	election := g.election
	session := g.session
	g.mu.Unlock()

	var err error
	if election != nil && g.leader.Load() {
		err = election.Resign(ctx)
	}
	g.leader.Store(false)
	if session != nil {
		session.Close()
	}
	if cerr := g.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// AlwaysLeader satisfies the gate check when coordination is disabled;
// a single-node deployment is trivially the leader.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader() bool { return true }
