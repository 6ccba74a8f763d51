package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/correlation"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/tx"
)

// MatcherScheduler schedules the MATCHER jobs that consume a match. The
// scheduler façade satisfies it.
type MatcherScheduler interface {
	SchedulePersistedJob(ctx context.Context, details job.Details, when time.Time) (id.JobID, error)
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// WithInMemory marks MATCHER jobs of this correlator as belonging to an
// in-memory process.
func WithInMemory(v bool) Option {
	return func(c *Correlator) { c.inMemory = v }
}

// Correlator is the route table and message queue of one process
// endpoint. It is stateless apart from its identity: all data lives in
// the Store, inside the caller's transaction.
type Correlator struct {
	process  string
	id       string
	key      string
	store    Store
	matcher  MatcherScheduler
	logger   *slog.Logger
	inMemory bool
}

// New creates the correlator id of process.
func New(process, correlatorID string, store Store, matcher MatcherScheduler, opts ...Option) *Correlator {
	c := &Correlator{
		process: process,
		id:      correlatorID,
		key:     StoreKey(process, correlatorID),
		store:   store,
		matcher: matcher,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the correlator id.
func (c *Correlator) ID() string { return c.id }

// Process returns the owning process id.
func (c *Correlator) Process() string { return c.process }

// LockKey is the transaction lock key serializing mutations of this
// correlator.
func (c *Correlator) LockKey() string {
	return LockKey(c.process, c.id)
}

// StoreKey is the CorrelatorID under which a correlator's routes and
// messages are stored. Correlator ids are only unique within a process.
func StoreKey(process, correlatorID string) string {
	return process + "/" + correlatorID
}

// LockKey returns the transaction lock key of a correlator.
func LockKey(process, correlatorID string) string {
	return "correlator:" + process + "/" + correlatorID
}

func (c *Correlator) lock(ctx context.Context) error {
	t := tx.FromContext(ctx)
	if t == nil {
		return nil
	}
	if err := t.Lock(ctx, c.LockKey()); err != nil {
		return fmt.Errorf("correlator %s: %w", c.id, err)
	}
	return nil
}

// EnqueueMessage queues an inbound exchange with the keys computed from
// its message. When a route already covers the message a MATCHER job is
// scheduled in the same transaction.
func (c *Correlator) EnqueueMessage(ctx context.Context, mexID id.MexID, keys correlation.KeySet) error {
	if err := c.lock(ctx); err != nil {
		return err
	}

	q := &QueuedMessage{
		CorrelatorID: c.key,
		MexID:        mexID,
		Keys:         keys,
		EnqueuedAt:   time.Now().UTC(),
	}
	if err := c.store.InsertMessage(ctx, q); err != nil {
		return fmt.Errorf("correlator %s: enqueue %s: %w", c.id, mexID, err)
	}

	routes, err := c.store.ListRoutes(ctx, c.key)
	if err != nil {
		return err
	}
	var scheduled []correlation.KeySet
	for _, r := range routes {
		if !keys.IsRoutableTo(r.Keys, r.Policy == PolicyAll) {
			continue
		}
		if containsKeySet(scheduled, r.Keys) {
			continue
		}
		scheduled = append(scheduled, r.Keys)
		if err := c.scheduleMatcher(ctx, r.Keys); err != nil {
			return err
		}
	}

	c.logger.Debug("message queued",
		slog.String("correlator", c.id),
		slog.String("mex_id", mexID.String()),
		slog.String("keys", keys.String()),
		slog.Int("matchers", len(scheduled)),
	)
	return nil
}

// AddRoute registers that target waits for a message matching keys under
// groupID. The route is inserted while the enclosing transaction
// completes; if a compatible message is queued at that point a MATCHER job
// is scheduled in that transaction and rolls back with it.
func (c *Correlator) AddRoute(ctx context.Context, groupID string, target int64, index int, keys correlation.KeySet, policy Policy) error {
	t := tx.FromContext(ctx)
	if t == nil {
		return fmt.Errorf("correlator %s: add route: %w", c.id, choreo.ErrNoTransaction)
	}
	if policy == "" {
		policy = PolicyOne
	}

	route := &Route{
		CorrelatorID: c.key,
		GroupID:      groupID,
		Target:       target,
		Index:        index,
		Keys:         keys,
		Policy:       policy,
	}
	return t.RegisterSynchronizer(tx.SynchronizerFuncs{
		Before: func(txCtx context.Context) error {
			return c.insertRoute(txCtx, route)
		},
	})
}

func (c *Correlator) insertRoute(ctx context.Context, route *Route) error {
	if err := c.lock(ctx); err != nil {
		return err
	}

	route.CreatedAt = time.Now().UTC()
	if err := c.store.InsertRoute(ctx, route); err != nil {
		return fmt.Errorf("correlator %s: add route %s: %w", c.id, route.GroupID, err)
	}

	msgs, err := c.store.ListMessages(ctx, c.key)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Keys.IsRoutableTo(route.Keys, route.Policy == PolicyAll) {
			c.logger.Debug("route covers queued message",
				slog.String("correlator", c.id),
				slog.String("group", route.GroupID),
				slog.String("mex_id", m.MexID.String()),
			)
			return c.scheduleMatcher(ctx, route.Keys)
		}
	}
	return nil
}

func (c *Correlator) scheduleMatcher(ctx context.Context, keys correlation.KeySet) error {
	details := job.Encode(job.Matcher{
		Process:    c.process,
		Correlator: c.id,
		Keys:       keys,
	})
	details.InMemory = c.inMemory
	if _, err := c.matcher.SchedulePersistedJob(ctx, details, time.Time{}); err != nil {
		return fmt.Errorf("correlator %s: schedule matcher: %w", c.id, err)
	}
	return nil
}

// FindRoute returns the first placed route whose key set equals keys, or
// nil when there is none. The empty set finds routes that declared no key.
func (c *Correlator) FindRoute(ctx context.Context, keys correlation.KeySet) (*Route, error) {
	routes, err := c.store.ListRoutes(ctx, c.key)
	if err != nil {
		return nil, err
	}
	for _, r := range routes {
		if r.Keys.Equal(keys) {
			return r, nil
		}
	}
	return nil, nil
}

// FindRoutes returns the routes a message with keys is delivered to:
// every route with PolicyAll plus the first route with PolicyOne, in
// placement order.
func (c *Correlator) FindRoutes(ctx context.Context, keys correlation.KeySet) ([]*Route, error) {
	routes, err := c.store.ListRoutes(ctx, c.key)
	if err != nil {
		return nil, err
	}
	var (
		out     []*Route
		haveOne bool
	)
	for _, r := range routes {
		if !r.Keys.Equal(keys) {
			continue
		}
		if r.Policy == PolicyAll {
			out = append(out, r)
			continue
		}
		if !haveOne {
			haveOne = true
			out = append(out, r)
		}
	}
	return out, nil
}

// CheckRoute reports whether any route still declares keys.
func (c *Correlator) CheckRoute(ctx context.Context, keys correlation.KeySet) (bool, error) {
	r, err := c.FindRoute(ctx, keys)
	return r != nil, err
}

// DequeueMessage removes and returns the earliest queued message whose
// keys contain keys. The empty set matches any message. It returns nil
// when nothing matches.
func (c *Correlator) DequeueMessage(ctx context.Context, keys correlation.KeySet) (*QueuedMessage, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}

	msgs, err := c.store.ListMessages(ctx, c.key)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if !m.Keys.ContainsAll(keys) {
			continue
		}
		removed, err := c.store.DeleteMessage(ctx, c.key, m.MexID)
		if err != nil {
			return nil, err
		}
		if removed {
			return m, nil
		}
	}
	return nil, nil
}

// RemoveRoutes removes every route of groupID placed by target.
func (c *Correlator) RemoveRoutes(ctx context.Context, groupID string, target int64) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	n, err := c.store.DeleteRoutes(ctx, c.key, groupID, target)
	if err != nil {
		return fmt.Errorf("correlator %s: remove routes %s: %w", c.id, groupID, err)
	}
	c.logger.Debug("routes removed",
		slog.String("correlator", c.id),
		slog.String("group", groupID),
		slog.Int64("target", target),
		slog.Int("count", n),
	)
	return nil
}

// PeekMessages lists queued messages in arrival order without removing
// them.
func (c *Correlator) PeekMessages(ctx context.Context) ([]*QueuedMessage, error) {
	return c.store.ListMessages(ctx, c.key)
}

// Routes lists routes in placement order.
func (c *Correlator) Routes(ctx context.Context) ([]*Route, error) {
	return c.store.ListRoutes(ctx, c.key)
}

func containsKeySet(sets []correlation.KeySet, s correlation.KeySet) bool {
	for _, existing := range sets {
		if existing.Equal(s) {
			return true
		}
	}
	return false
}
