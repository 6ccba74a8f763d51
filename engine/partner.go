package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
	"github.com/xraph/choreo/tx"
)

// PartnerRequest describes an outbound invocation made by a process
// instance.
type PartnerRequest struct {
	Process  string
	Instance int64
	// Channel is the continuation waiting for the response.
	Channel string

	ServiceID   string
	Operation   string
	EndpointRef string

	Style   mex.Style
	OneWay  bool
	Message *mex.Message
	// Timeout overrides the configured exchange timeout.
	Timeout    time.Duration
	Properties map[string]string
}

func (r PartnerRequest) endpoint() string {
	if r.EndpointRef != "" {
		return r.EndpointRef
	}
	return r.ServiceID
}

// InvokePartner creates a partner-role exchange and hands it to the
// PartnerInvoker through the endpoint's circuit breaker.
//
// Blocking styles return with the exchange acknowledged: a missing reply
// becomes a NO_RESPONSE failure (or the failure the invoker noted). Other
// request-response styles are supervised by an INVOKE_CHECK job at the
// exchange timeout, or immediately when the invocation already failed; the
// acknowledgement reaches the instance through OnPartnerResponse.
func (e *Engine) InvokePartner(ctx context.Context, req PartnerRequest) (*mex.Exchange, error) {
	style := req.Style
	if style == "" {
		style = mex.StyleAsync
	}
	pattern := mex.PatternRequestResponse
	if req.OneWay {
		pattern = mex.PatternRequestOnly
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.config.MexTimeout
	}

	ex := mex.New(mex.DirectionPartnerRole, style, pattern)
	ex.Bind("", req.ServiceID, req.Operation, req.EndpointRef)
	ex.SetProcess(req.Process)
	ex.SetInstance(req.Instance)
	ex.SetChannel(req.Channel)
	ex.SetTimeout(timeout)
	for k, v := range req.Properties {
		ex.SetProperty(k, v)
	}
	if err := ex.Request(req.Message); err != nil {
		return nil, err
	}

	err := e.sched.ExecTransaction(ctx, func(ctx context.Context) error {
		rec := ex.Snapshot()
		if err := e.store.InsertMex(ctx, &rec); err != nil {
			return err
		}
		tx.FromContext(ctx).OnCommit(func(ctx context.Context) {
			e.extensions.EmitExchangeCreated(ctx, &rec)
		})

		failed := e.callPartner(ctx, req.endpoint(), ex)

		if style.Blocks() {
			if !ex.Status().Acked() {
				waitCtx, cancel := context.WithTimeout(ctx, timeout)
				if failed || ex.Wait(waitCtx) != nil {
					e.failPending(ex)
				}
				cancel()
			}
			return e.saveExchange(ctx, ex, mex.StatusNew)
		}

		if err := e.saveExchange(ctx, ex, mex.StatusNew); err != nil {
			return err
		}
		return e.supervise(ctx, ex, failed)
	})
	if err != nil {
		return nil, fmt.Errorf("invoke partner %s/%s: %w", req.ServiceID, req.Operation, err)
	}
	return ex, nil
}

// callPartner runs the invoker under the endpoint breaker and reports
// whether the invocation failed.
func (e *Engine) callPartner(ctx context.Context, endpoint string, ex *mex.Exchange) bool {
	if e.invoker == nil {
		ex.NoteFailure(mex.FailureUnknownEndpoint, "no partner invoker configured")
		return true
	}

	_, err := e.breaker(endpoint).Execute(func() (any, error) {
		return nil, e.invoker.InvokePartner(ctx, ex)
	})
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		ex.NoteFailure(mex.FailureCommunicationError, fmt.Sprintf("circuit breaker open for %s", endpoint))
	case ex.KnownFailure() == nil:
		ex.NoteFailure(mex.FailureCommunicationError, err.Error())
	}
	e.logger.Warn("partner invocation failed",
		slog.String("mex_id", ex.ID().String()),
		slog.String("endpoint", endpoint),
		slog.String("error", err.Error()),
	)
	return true
}

func (e *Engine) breaker(endpoint string) *gobreaker.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()

	if cb, ok := e.breakers[endpoint]; ok {
		return cb
	}
	maxFailures := e.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     e.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("partner circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if e.onBreakerChange != nil {
				e.onBreakerChange(name, from, to)
			}
		},
	})
	e.breakers[endpoint] = cb
	return cb
}

// BreakerState returns the circuit breaker state of endpoint.
func (e *Engine) BreakerState(endpoint string) gobreaker.State {
	return e.breaker(endpoint).State()
}

// failPending acknowledges a pending exchange with the failure the
// invoker noted, or NO_RESPONSE.
func (e *Engine) failPending(ex *mex.Exchange) bool {
	ft, explanation := mex.FailureNoResponse, "no response received within the exchange timeout"
	if known := ex.KnownFailure(); known != nil {
		ft, explanation = known.Type, known.Explanation
	}
	return ex.ReplyWithFailure(ft, explanation, nil) == nil
}

// supervise schedules what follows a non-blocking invocation: the
// response delivery when the invoker already replied, otherwise the
// timeout check.
func (e *Engine) supervise(ctx context.Context, ex *mex.Exchange, failed bool) error {
	inst, _ := ex.InstanceID()
	if ex.Status().Acked() {
		return e.scheduleResponse(ctx, ex)
	}
	if ex.Pattern() != mex.PatternRequestResponse {
		return nil
	}

	when := time.Now().UTC().Add(ex.Timeout())
	if failed {
		when = time.Time{}
	}
	details := job.Encode(job.InvokeCheck{
		Process:  ex.ProcessID(),
		Mex:      ex.ID().String(),
		Instance: job.InstanceRef(inst),
	})
	if _, err := e.sched.SchedulePersistedJob(ctx, details, when); err != nil {
		return err
	}
	return nil
}

func (e *Engine) scheduleResponse(ctx context.Context, ex *mex.Exchange) error {
	inst, ok := ex.InstanceID()
	if !ok {
		return nil
	}
	details := job.Encode(job.InvokeResponse{
		Process:  ex.ProcessID(),
		Mex:      ex.ID().String(),
		Instance: inst,
		Channel:  ex.Channel(),
	})
	_, err := e.sched.SchedulePersistedJob(ctx, details, time.Time{})
	return err
}

// DeliverPartnerResponse applies a late acknowledgement to a partner-role
// exchange and schedules its delivery to the waiting instance. reply must
// acknowledge the exchange, for example:
//
//	eng.DeliverPartnerResponse(ctx, mexID, func(ex *mex.Exchange) error {
//	    return ex.Reply(msg)
//	})
//
// Replies to exchanges that already timed out fail with
// mex.ErrInvalidState.
func (e *Engine) DeliverPartnerResponse(ctx context.Context, mexID id.MexID, reply func(ex *mex.Exchange) error) error {
	err := e.sched.ExecTransaction(ctx, func(ctx context.Context) error {
		ex, err := e.loadExchange(ctx, mexID)
		if err != nil {
			return err
		}
		if ex.Direction() != mex.DirectionPartnerRole {
			return fmt.Errorf("%w: exchange %s is not partner-role", mex.ErrInvalidState, mexID)
		}
		before := ex.Status()
		if err := reply(ex); err != nil {
			return err
		}
		if !ex.Status().Acked() {
			return fmt.Errorf("%w: exchange %s not acknowledged by reply", mex.ErrInvalidState, mexID)
		}
		if err := e.saveExchange(ctx, ex, before); err != nil {
			return err
		}
		return e.scheduleResponse(ctx, ex)
	})
	if err != nil {
		return fmt.Errorf("deliver partner response %s: %w", mexID, err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Partner jobs
// ──────────────────────────────────────────────────

func (e *Engine) onInvokeResponse(ctx context.Context, info job.Info, k job.InvokeResponse) error {
	if pushed, err := e.inactive(ctx, info); pushed || err != nil {
		return err
	}

	ex, err := e.loadExchangeString(ctx, k.Mex)
	if err != nil {
		return err
	}
	before := ex.Status()

	err = e.executor.OnPartnerResponse(ctx, PartnerResponse{
		Process:  k.Process,
		Instance: k.Instance,
		Channel:  k.Channel,
		Exchange: ex,
	})
	if err != nil {
		return err
	}
	if ex.Status() == mex.StatusAck {
		if err := ex.Complete(); err != nil {
			return job.Fatal(err)
		}
	}
	return e.saveExchange(ctx, ex, before)
}

func (e *Engine) onInvokeCheck(ctx context.Context, info job.Info, k job.InvokeCheck) error {
	ex, err := e.loadExchangeString(ctx, k.Mex)
	if err != nil {
		return err
	}

	rec := ex.Snapshot()
	if rec.Status == mex.StatusAck && rec.AckType == "" {
		// An ACK without a recorded acknowledgement still needs one.
		rec.Status = mex.StatusAsync
		ex = mex.Restore(rec)
	}
	before := ex.Status()
	if !before.Pending() {
		e.logger.Debug("invoke check: exchange already answered",
			slog.String("mex_id", k.Mex),
			slog.String("status", string(before)),
		)
		return nil
	}

	if !e.failPending(ex) {
		return nil
	}
	if err := e.saveExchange(ctx, ex, before); err != nil {
		return err
	}
	timedOut := ex.Snapshot()
	tx.FromContext(ctx).OnCommit(func(ctx context.Context) {
		e.extensions.EmitExchangeTimedOut(ctx, &timedOut)
	})
	e.logger.Info("partner exchange failed by timeout supervision",
		slog.String("mex_id", k.Mex),
		slog.String("process", k.Process),
		slog.String("failure", string(timedOut.Failure.Type)),
	)
	return e.scheduleResponse(ctx, ex)
}
