package engine

import (
	"context"

	"github.com/xraph/choreo/correlation"
	"github.com/xraph/choreo/correlator"
	"github.com/xraph/choreo/mex"
)

// Operation is what a ProcessExecutor knows about one operation of a
// deployed service.
type Operation struct {
	// Process is the id of the process serving the operation.
	Process string

	// OneWay operations have no output message; their exchanges are
	// request-only.
	OneWay bool

	// CreateInstance operations start a new instance when no route
	// matches the inbound message.
	CreateInstance bool
}

// Delivery is an inbound message handed to a process instance.
type Delivery struct {
	Process  string
	Instance int64
	// Route is the route that matched, nil when the exchange was addressed
	// to the instance directly.
	Route    *correlator.Route
	Exchange *mex.Exchange
}

// PartnerResponse is the acknowledgement of an outbound invocation handed
// back to the instance that made it.
type PartnerResponse struct {
	Process  string
	Instance int64
	Channel  string
	Exchange *mex.Exchange
}

// ProcessExecutor interprets process definitions. Every callback runs
// inside the transaction of the job that triggered it; effects the
// executor persists through the engine commit or roll back with it.
type ProcessExecutor interface {
	// Process resolves the process serving operation on serviceID. It
	// returns an error wrapping choreo.ErrUnknownProcess when none does.
	Process(serviceID, operation string) (Operation, error)

	// IsActive reports whether process accepts work. Jobs of inactive
	// processes are pushed back instead of failing.
	IsActive(process string) bool

	// CorrelationKeys computes the correlator and the correlation keys of
	// an inbound exchange. An error fails the exchange with FORMAT_ERROR.
	CorrelationKeys(ctx context.Context, ex *mex.Exchange) (correlatorID string, keys correlation.KeySet, err error)

	// CreateInstance starts a new instance of process consuming ex and
	// returns its id.
	CreateInstance(ctx context.Context, process string, ex *mex.Exchange) (int64, error)

	// OnMessage delivers an inbound exchange to a waiting instance.
	OnMessage(ctx context.Context, d Delivery) error

	// OnTimer fires an alarm on an instance.
	OnTimer(ctx context.Context, process string, instance int64, channel string) error

	// OnResume resumes a suspended instance.
	OnResume(ctx context.Context, process string, instance int64) error

	// OnPartnerResponse delivers the acknowledgement of a partner
	// invocation, including synthesized timeouts.
	OnPartnerResponse(ctx context.Context, r PartnerResponse) error
}

// PartnerInvoker sends partner-role exchanges to their endpoint. It may
// acknowledge the exchange before returning (blocking styles must), call
// ReplyAsync, or leave the reply to a later Engine.DeliverPartnerResponse.
// To report a specific failure it calls NoteFailure on the exchange and
// returns an error.
type PartnerInvoker interface {
	InvokePartner(ctx context.Context, ex *mex.Exchange) error
}

// PartnerInvokerFunc adapts a function to PartnerInvoker.
type PartnerInvokerFunc func(ctx context.Context, ex *mex.Exchange) error

// InvokePartner calls f.
func (f PartnerInvokerFunc) InvokePartner(ctx context.Context, ex *mex.Exchange) error {
	return f(ctx, ex)
}
