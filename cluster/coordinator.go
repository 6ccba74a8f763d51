package cluster

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/choreo/id"
)

// Coordinator decides whether this node performs singleton duties.
type Coordinator interface {
	AmICoordinator(ctx context.Context) bool
}

// Static is a Coordinator with a fixed answer. Static(true) is the
// single-node default.
type Static bool

// AmICoordinator returns s.
func (s Static) AmICoordinator(context.Context) bool { return bool(s) }

// CoordinatorFunc adapts a function to Coordinator.
type CoordinatorFunc func(ctx context.Context) bool

// AmICoordinator calls f.
func (f CoordinatorFunc) AmICoordinator(ctx context.Context) bool { return f(ctx) }

// LeaseOption configures a LeaseCoordinator.
type LeaseOption func(*LeaseCoordinator)

// WithLeaseTTL sets how long leadership is held without renewal.
func WithLeaseTTL(ttl time.Duration) LeaseOption {
	return func(c *LeaseCoordinator) { c.ttl = ttl }
}

// WithLeaseLogger sets the logger.
func WithLeaseLogger(l *slog.Logger) LeaseOption {
	return func(c *LeaseCoordinator) { c.logger = l }
}

// LeaseCoordinator holds a renewable leadership lease in a Store. The
// lease is renewed every TTL/2; a node that stops renewing loses the
// coordinator role after one TTL.
type LeaseCoordinator struct {
	store  Store
	nodeID id.NodeID
	ttl    time.Duration
	logger *slog.Logger

	leader atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ Coordinator = (*LeaseCoordinator)(nil)

// NewLeaseCoordinator creates a coordinator campaigning as nodeID.
func NewLeaseCoordinator(store Store, nodeID id.NodeID, opts ...LeaseOption) *LeaseCoordinator {
	c := &LeaseCoordinator{
		store:  store,
		nodeID: nodeID,
		ttl:    15 * time.Second,
		logger: slog.Default(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AmICoordinator reports whether this node held the lease at the last
// renewal.
func (c *LeaseCoordinator) AmICoordinator(context.Context) bool {
	return c.leader.Load()
}

// Start campaigns once synchronously and then keeps the lease in the
// background.
func (c *LeaseCoordinator) Start(ctx context.Context) error {
	c.try(ctx)
	c.wg.Add(1)
	go c.loop()
	return nil
}

// Stop ends the campaign. Leadership expires with the lease.
func (c *LeaseCoordinator) Stop(_ context.Context) error {
	close(c.stopCh)
	c.wg.Wait()
	c.leader.Store(false)
	return nil
}

func (c *LeaseCoordinator) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.try(context.Background())
		}
	}
}

func (c *LeaseCoordinator) try(ctx context.Context) {
	was := c.leader.Load()

	renewed, err := c.store.RenewLeadership(ctx, c.nodeID, c.ttl)
	if err != nil {
		c.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		c.leader.Store(false)
		return
	}
	if renewed {
		c.leader.Store(true)
		return
	}

	acquired, err := c.store.AcquireLeadership(ctx, c.nodeID, c.ttl)
	if err != nil {
		c.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		c.leader.Store(false)
		return
	}
	c.leader.Store(acquired)

	switch {
	case acquired && !was:
		c.logger.Info("acquired coordinator lease", slog.String("node_id", c.nodeID.String()))
	case !acquired && was:
		c.logger.Warn("lost coordinator lease", slog.String("node_id", c.nodeID.String()))
	}
}
