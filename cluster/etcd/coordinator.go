// Package etcd provides a cluster.Coordinator backed by an etcd election.
// Every node campaigns on the same key prefix; the elected node performs
// the singleton duties until its session lease expires or it resigns.
//
//	client, _ := clientv3.New(clientv3.Config{Endpoints: endpoints})
//	coord := etcd.New(client, nodeID)
//	sched := scheduler.New(st, scheduler.WithCoordinator(coord))
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/id"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

const defaultPrefix = "/choreo/coordinator"

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPrefix sets the election key prefix.
func WithPrefix(prefix string) Option {
	return func(c *Coordinator) { c.prefix = prefix }
}

// WithSessionTTL sets the session lease TTL in seconds. Default: 10.
func WithSessionTTL(seconds int) Option {
	return func(c *Coordinator) { c.ttl = seconds }
}

// WithRetryInterval sets the pause before campaigning again after a
// session was lost. Default: 1s.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.retry = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator campaigns for the coordinator role in an etcd election.
type Coordinator struct {
	client *clientv3.Client
	nodeID string
	prefix string
	ttl    int
	retry  time.Duration
	logger *slog.Logger

	leader atomic.Bool

	mu       sync.Mutex
	election *concurrency.Election
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a coordinator campaigning as nodeID. The caller owns
// client.
func New(client *clientv3.Client, nodeID id.NodeID, opts ...Option) *Coordinator {
	c := &Coordinator{
		client: client,
		nodeID: nodeID.String(),
		prefix: defaultPrefix,
		ttl:    10,
		retry:  time.Second,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AmICoordinator reports whether this node currently holds the election.
func (c *Coordinator) AmICoordinator(context.Context) bool {
	return c.leader.Load()
}

// Leader returns the node id of the elected coordinator.
func (c *Coordinator) Leader(ctx context.Context) (string, error) {
	c.mu.Lock()
	e := c.election
	c.mu.Unlock()
	if e == nil {
		return "", errors.New("etcd: coordinator not started")
	}
	resp, err := e.Leader(ctx)
	if err != nil {
		if errors.Is(err, concurrency.ErrElectionNoLeader) {
			return "", nil
		}
		return "", fmt.Errorf("etcd: get leader: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

// Start begins campaigning in the background.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("etcd: coordinator already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// Stop resigns if elected and ends the campaign.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	e := c.election
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	var err error
	if c.leader.Load() && e != nil {
		if rerr := e.Resign(ctx); rerr != nil {
			err = fmt.Errorf("etcd: resign: %w", rerr)
		}
	}
	cancel()
	c.wg.Wait()
	c.leader.Store(false)
	return err
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		if err := c.campaign(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("coordinator election failed",
				slog.String("node_id", c.nodeID),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retry):
		}
	}
}

// campaign holds one session: it blocks until elected, then until the
// session ends.
func (c *Coordinator) campaign(ctx context.Context) error {
	session, err := concurrency.NewSession(c.client,
		concurrency.WithTTL(c.ttl),
		concurrency.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close() //nolint:errcheck // lease revoke is best effort

	e := concurrency.NewElection(session, c.prefix)
	c.mu.Lock()
	c.election = e
	c.mu.Unlock()

	if err := e.Campaign(ctx, c.nodeID); err != nil {
		return fmt.Errorf("campaign: %w", err)
	}
	c.leader.Store(true)
	c.logger.Info("elected coordinator", slog.String("node_id", c.nodeID))

	select {
	case <-ctx.Done():
	case <-session.Done():
		c.logger.Warn("coordinator session expired", slog.String("node_id", c.nodeID))
	}
	c.leader.Store(false)
	return nil
}
