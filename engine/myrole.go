package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/correlation"
	"github.com/xraph/choreo/correlator"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
	mw "github.com/xraph/choreo/middleware"
	"github.com/xraph/choreo/tx"
)

// ExchangeOption configures a new my-role exchange.
type ExchangeOption func(*exchangeOptions)

type exchangeOptions struct {
	style   mex.Style
	timeout time.Duration
}

// WithStyle sets the invocation style. The default is ASYNC.
func WithStyle(s mex.Style) ExchangeOption {
	return func(o *exchangeOptions) { o.style = s }
}

// WithTimeout sets how long the invoker waits for the acknowledgement.
func WithTimeout(d time.Duration) ExchangeOption {
	return func(o *exchangeOptions) { o.timeout = d }
}

// CreateMessageExchange creates and persists a my-role exchange for an
// inbound call of operation on serviceID.
func (e *Engine) CreateMessageExchange(ctx context.Context, clientKey, serviceID, operation string, opts ...ExchangeOption) (*mex.Exchange, error) {
	op, err := e.executor.Process(serviceID, operation)
	if err != nil {
		return nil, fmt.Errorf("create exchange for %s/%s: %w", serviceID, operation, err)
	}

	o := exchangeOptions{style: mex.StyleAsync, timeout: e.config.MexTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	pattern := mex.PatternRequestResponse
	if op.OneWay {
		pattern = mex.PatternRequestOnly
	}

	ex := mex.New(mex.DirectionMyRole, o.style, pattern)
	ex.Bind(clientKey, serviceID, operation, "")
	ex.SetProcess(op.Process)
	ex.SetTimeout(o.timeout)

	err = e.sched.ExecTransaction(ctx, func(ctx context.Context) error {
		rec := ex.Snapshot()
		if err := e.store.InsertMex(ctx, &rec); err != nil {
			return err
		}
		tx.FromContext(ctx).OnCommit(func(ctx context.Context) {
			e.track(ex)
			e.extensions.EmitExchangeCreated(ctx, &rec)
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create exchange for %s/%s: %w", serviceID, operation, err)
	}
	return ex, nil
}

// Invoke sends msg on a my-role exchange. Routing happens in an
// INVOKE_INTERNAL job so it runs inside a managed transaction; transacted
// styles enlist in the transaction on ctx.
func (e *Engine) Invoke(ctx context.Context, ex *mex.Exchange, msg *mex.Message) error {
	if ex.Direction() != mex.DirectionMyRole {
		return fmt.Errorf("%w: invoke on partner-role exchange %s", mex.ErrInvalidState, ex.ID())
	}
	if !e.executor.IsActive(ex.ProcessID()) {
		return fmt.Errorf("invoke %s: %w: %s", ex.ID(), choreo.ErrProcessInactive, ex.ProcessID())
	}
	if err := ex.Request(msg); err != nil {
		return err
	}

	err := e.sched.ExecTransaction(ctx, func(ctx context.Context) error {
		if err := e.saveExchange(ctx, ex, mex.StatusNew); err != nil {
			return err
		}
		details := job.Encode(job.InvokeInternal{
			Process: ex.ProcessID(),
			Mex:     ex.ID().String(),
		})
		_, err := e.sched.SchedulePersistedJob(ctx, details, time.Time{})
		return err
	})
	if err != nil {
		return fmt.Errorf("invoke %s: %w", ex.ID(), err)
	}
	return nil
}

// InvokeBlocking invokes and waits for the acknowledgement, up to the
// exchange timeout.
func (e *Engine) InvokeBlocking(ctx context.Context, ex *mex.Exchange, msg *mex.Message) error {
	if err := e.Invoke(ctx, ex, msg); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, ex.Timeout())
	defer cancel()
	if err := ex.Wait(waitCtx); err != nil {
		return fmt.Errorf("invoke %s: waiting for acknowledgement: %w", ex.ID(), err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Routing jobs
// ──────────────────────────────────────────────────

func (e *Engine) onInvokeInternal(ctx context.Context, info job.Info, k job.InvokeInternal) error {
	if pushed, err := e.inactive(ctx, info); pushed || err != nil {
		return err
	}

	ex, err := e.loadExchangeString(ctx, k.Mex)
	if err != nil {
		return err
	}
	before := ex.Status()
	if !before.Pending() {
		e.logger.Debug("exchange no longer pending, skipping routing",
			slog.String("mex_id", k.Mex),
			slog.String("status", string(before)),
		)
		return nil
	}

	process := k.Process
	if process == "" {
		process = ex.ProcessID()
	}

	if k.Instance != nil {
		inst := *k.Instance
		ex.SetInstance(inst)
		ex.SetCorrelationStatus(mex.CorrelationMatched)
		if err := e.executor.OnMessage(ctx, Delivery{Process: process, Instance: inst, Exchange: ex}); err != nil {
			return err
		}
		return e.routed(ctx, ex, before)
	}

	correlatorID, keys, err := e.executor.CorrelationKeys(ctx, ex)
	if err != nil {
		e.logger.Warn("correlation key computation failed",
			slog.String("mex_id", k.Mex),
			slog.String("process", process),
			slog.String("error", err.Error()),
		)
		if ferr := ex.ReplyWithFailure(mex.FailureFormatError, err.Error(), nil); ferr != nil {
			return job.Fatal(ferr)
		}
		return e.saveExchange(ctx, ex, before)
	}

	c := e.Correlator(process, correlatorID)
	if err := e.sched.AcquireTransactionLocks(ctx, c.LockKey()); err != nil {
		return err
	}

	routes, err := e.matchRoutes(ctx, c, keys)
	if err != nil {
		return err
	}

	switch {
	case len(routes) > 0:
		ex.SetCorrelationStatus(mex.CorrelationMatched)
		for _, r := range routes {
			if err := e.deliver(ctx, c, r, ex); err != nil {
				return err
			}
		}

	case e.createsInstance(ex):
		ex.SetCorrelationStatus(mex.CorrelationCreateInstance)
		inst, err := e.executor.CreateInstance(ctx, process, ex)
		if err != nil {
			return err
		}
		ex.SetInstance(inst)

	default:
		ex.SetCorrelationStatus(mex.CorrelationQueued)
		if err := c.EnqueueMessage(ctx, ex.ID(), keys); err != nil {
			return err
		}
	}

	return e.routed(ctx, ex, before)
}

// matchRoutes looks for routes on every subset of keys, smallest subsets
// first, and returns the first non-empty result.
func (e *Engine) matchRoutes(ctx context.Context, c *correlator.Correlator, keys correlation.KeySet) ([]*correlator.Route, error) {
	for _, subset := range keys.Subsets() {
		routes, err := c.FindRoutes(ctx, subset)
		if err != nil {
			return nil, err
		}
		if len(routes) > 0 {
			return routes, nil
		}
	}
	return nil, nil
}

func (e *Engine) createsInstance(ex *mex.Exchange) bool {
	op, err := e.executor.Process(ex.ServiceID(), ex.Operation())
	if err != nil {
		return false
	}
	return op.CreateInstance
}

// deliver consumes route r for ex: the route group is removed and the
// instance receives the message under its instance lock.
func (e *Engine) deliver(ctx context.Context, c *correlator.Correlator, r *correlator.Route, ex *mex.Exchange) error {
	if err := e.sched.AcquireTransactionLocks(ctx, mw.InstanceLockKey(c.Process(), r.Target)); err != nil {
		return err
	}
	if err := c.RemoveRoutes(ctx, r.GroupID, r.Target); err != nil {
		return err
	}
	ex.SetInstance(r.Target)
	return e.executor.OnMessage(ctx, Delivery{
		Process:  c.Process(),
		Instance: r.Target,
		Route:    r,
		Exchange: ex,
	})
}

func (e *Engine) routed(ctx context.Context, ex *mex.Exchange, before mex.Status) error {
	if err := e.saveExchange(ctx, ex, before); err != nil {
		return err
	}
	rec := ex.Snapshot()
	tx.FromContext(ctx).OnCommit(func(ctx context.Context) {
		e.extensions.EmitMessageRouted(ctx, &rec, rec.CorrelationStatus)
	})
	e.logger.Debug("message routed",
		slog.String("mex_id", rec.ID.String()),
		slog.String("process", rec.ProcessID),
		slog.String("status", string(rec.CorrelationStatus)),
	)
	return nil
}

func (e *Engine) onMatcher(ctx context.Context, info job.Info, k job.Matcher) error {
	if pushed, err := e.inactive(ctx, info); pushed || err != nil {
		return err
	}

	c := e.Correlator(k.Process, k.Correlator)
	if err := e.sched.AcquireTransactionLocks(ctx, c.LockKey()); err != nil {
		return err
	}

	route, err := c.FindRoute(ctx, k.Keys)
	if err != nil {
		return err
	}
	if route == nil {
		e.logger.Debug("matcher found no route",
			slog.String("correlator", k.Correlator),
			slog.String("keys", k.Keys.String()),
		)
		return nil
	}

	msg, err := c.DequeueMessage(ctx, k.Keys)
	if err != nil {
		return err
	}
	if msg == nil {
		e.logger.Debug("matcher found no message",
			slog.String("correlator", k.Correlator),
			slog.String("keys", k.Keys.String()),
		)
		return nil
	}

	ex, err := e.loadExchange(ctx, msg.MexID)
	if err != nil {
		if errors.Is(err, choreo.ErrMexNotFound) {
			e.logger.Warn("queued message lost its exchange",
				slog.String("mex_id", msg.MexID.String()),
				slog.String("correlator", k.Correlator),
			)
			return nil
		}
		return err
	}
	before := ex.Status()

	ex.SetCorrelationStatus(mex.CorrelationMatched)
	if err := e.deliver(ctx, c, route, ex); err != nil {
		return err
	}
	return e.routed(ctx, ex, before)
}
