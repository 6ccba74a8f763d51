package scheduler

import (
	"log/slog"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/backoff"
	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/ext"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/middleware"
	"github.com/xraph/choreo/queue"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig replaces the runtime configuration.
func WithConfig(cfg choreo.Config) Option {
	return func(s *Scheduler) { s.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithNodeID fixes the node identity. Use it when the coordinator was
// built for a known node ID.
func WithNodeID(nodeID id.NodeID) Option {
	return func(s *Scheduler) { s.nodeID = nodeID }
}

// WithHostname overrides the hostname recorded in the node registry.
func WithHostname(h string) Option {
	return func(s *Scheduler) { s.hostname = h }
}

// WithCoordinator sets who performs singleton duties (dead node recovery).
// The default is cluster.Static(true). Coordinators with Start/Stop methods
// are started and stopped with the scheduler.
func WithCoordinator(c cluster.Coordinator) Option {
	return func(s *Scheduler) { s.coordinator = c }
}

// WithClusterStore keeps the node registry somewhere other than the job
// store.
func WithClusterStore(cs cluster.Store) Option {
	return func(s *Scheduler) { s.clusterStore = cs }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(s *Scheduler) { s.extensions = r }
}

// WithExtension registers one lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(s *Scheduler) { s.pendingExt = append(s.pendingExt, e) }
}

// WithQueueManager limits claim rate and concurrency per job type.
func WithQueueManager(m *queue.Manager) Option {
	return func(s *Scheduler) { s.queues = m }
}

// WithMiddleware wraps every processor call.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Scheduler) { s.middleware = append(s.middleware, mws...) }
}

// WithBackoff sets the retry delay strategy. The default is
// backoff.DefaultStrategy.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Scheduler) { s.backoff = b }
}
