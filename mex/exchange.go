package mex

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/xraph/choreo/id"
)

// DefaultTimeout applies to exchanges created without an explicit timeout.
const DefaultTimeout = 30 * time.Second

var (
	// ErrInvalidState is returned for transitions the current status does
	// not allow. It signals a programming error, not a partner failure.
	ErrInvalidState = errors.New("mex: invalid message exchange state")

	// ErrNoResponseExpected is returned by Reply on a request-only exchange.
	ErrNoResponseExpected = errors.New("mex: request-only exchange cannot carry a response")
)

// Record is the persisted state of an exchange.
type Record struct {
	ID        id.MexID  `json:"id"`
	Direction Direction `json:"direction"`
	Style     Style     `json:"style"`
	Pattern   Pattern   `json:"pattern"`
	Status    Status    `json:"status"`
	AckType   AckType   `json:"ack_type,omitempty"`

	Request   *Message `json:"request,omitempty"`
	Response  *Message `json:"response,omitempty"`
	FaultName string   `json:"fault_name,omitempty"`
	Failure   *Failure `json:"failure,omitempty"`

	// KnownFailure is a failure observed before any acknowledgement was
	// delivered, such as an unreachable endpoint. Timeout supervision
	// reports it instead of a generic NO_RESPONSE.
	KnownFailure *Failure `json:"known_failure,omitempty"`

	ClientKey         string            `json:"client_key,omitempty"`
	ServiceID         string            `json:"service_id,omitempty"`
	Operation         string            `json:"operation,omitempty"`
	EndpointRef       string            `json:"endpoint_ref,omitempty"`
	ProcessID         string            `json:"process_id,omitempty"`
	InstanceID        *int64            `json:"instance_id,omitempty"`
	Channel           string            `json:"channel,omitempty"`
	CorrelationStatus CorrelationStatus `json:"correlation_status,omitempty"`
	Timeout           time.Duration     `json:"timeout"`
	Properties        map[string]string `json:"properties,omitempty"`
	Released          bool              `json:"released"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.Request = r.Request.Clone()
	out.Response = r.Response.Clone()
	out.Failure = r.Failure.Clone()
	out.KnownFailure = r.KnownFailure.Clone()
	if r.InstanceID != nil {
		v := *r.InstanceID
		out.InstanceID = &v
	}
	out.Properties = maps.Clone(r.Properties)
	return out
}

// Exchange is a live message exchange. All methods are safe for
// concurrent use.
type Exchange struct {
	mu    sync.RWMutex
	rec   Record
	acked chan struct{}
}

// New creates an exchange in status NEW. A nil ID gets a fresh one, a
// zero timeout gets DefaultTimeout, and an empty pattern defaults to
// request-response.
func New(dir Direction, style Style, pattern Pattern) *Exchange {
	now := time.Now().UTC()
	return Restore(Record{
		ID:        id.NewMexID(),
		Direction: dir,
		Style:     style,
		Pattern:   pattern,
		Status:    StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Restore rebuilds an exchange from a stored record.
func Restore(rec Record) *Exchange {
	rec = rec.Clone()
	if rec.ID.IsNil() {
		rec.ID = id.NewMexID()
	}
	if rec.Status == "" {
		rec.Status = StatusNew
	}
	if rec.Pattern == "" {
		rec.Pattern = PatternRequestResponse
	}
	if rec.Style == "" {
		rec.Style = StyleBlocking
	}
	if rec.Timeout <= 0 {
		rec.Timeout = DefaultTimeout
	}
	if rec.Properties == nil {
		rec.Properties = make(map[string]string)
	}
	e := &Exchange{rec: rec, acked: make(chan struct{})}
	if rec.Status.Acked() {
		close(e.acked)
	}
	return e
}

// Update replaces the state of a live exchange with a stored record of the
// same exchange, waking waiters when the record carries an ack. Stale
// records that would move an acked exchange back are ignored.
func (e *Exchange) Update(rec Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.ID.String() != e.rec.ID.String() || (e.rec.Status.Acked() && !rec.Status.Acked()) {
		return
	}
	e.rec = rec.Clone()
	if e.rec.Properties == nil {
		e.rec.Properties = make(map[string]string)
	}
	if e.rec.Status.Acked() {
		e.signal()
	}
}

// Wait blocks until the exchange is acknowledged or ctx is done.
func (e *Exchange) Wait(ctx context.Context) error {
	select {
	case <-e.acked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acked returns a channel closed once the exchange is acknowledged.
func (e *Exchange) Acked() <-chan struct{} { return e.acked }

// signal must be called with mu held.
func (e *Exchange) signal() {
	select {
	case <-e.acked:
	default:
		close(e.acked)
	}
}

// Snapshot returns a deep copy of the current state.
func (e *Exchange) Snapshot() Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec.Clone()
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

func (e *Exchange) read(fn func(r *Record)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(&e.rec)
}

// ID returns the exchange id.
func (e *Exchange) ID() (v id.MexID) { e.read(func(r *Record) { v = r.ID }); return }

// Direction returns whether the engine is the service or the client.
func (e *Exchange) Direction() (v Direction) { e.read(func(r *Record) { v = r.Direction }); return }

// Style returns the invocation style.
func (e *Exchange) Style() (v Style) { e.read(func(r *Record) { v = r.Style }); return }

// Pattern returns the exchange pattern.
func (e *Exchange) Pattern() (v Pattern) { e.read(func(r *Record) { v = r.Pattern }); return }

// Status returns the current status.
func (e *Exchange) Status() (v Status) { e.read(func(r *Record) { v = r.Status }); return }

// AckType returns the acknowledgement type, empty before ACK.
func (e *Exchange) AckType() (v AckType) { e.read(func(r *Record) { v = r.AckType }); return }

// Timeout returns how long the invoker is willing to wait.
func (e *Exchange) Timeout() (v time.Duration) { e.read(func(r *Record) { v = r.Timeout }); return }

// Operation returns the operation name.
func (e *Exchange) Operation() (v string) { e.read(func(r *Record) { v = r.Operation }); return }

// ServiceID returns the addressed service.
func (e *Exchange) ServiceID() (v string) { e.read(func(r *Record) { v = r.ServiceID }); return }

// ProcessID returns the process the exchange belongs to.
func (e *Exchange) ProcessID() (v string) { e.read(func(r *Record) { v = r.ProcessID }); return }

// EndpointRef returns the endpoint reference.
func (e *Exchange) EndpointRef() (v string) { e.read(func(r *Record) { v = r.EndpointRef }); return }

// Channel returns the continuation channel awaiting the response.
func (e *Exchange) Channel() (v string) { e.read(func(r *Record) { v = r.Channel }); return }

// Released reports whether the invoker released the exchange.
func (e *Exchange) Released() (v bool) { e.read(func(r *Record) { v = r.Released }); return }

// CorrelationStatus returns what routing did with the exchange.
func (e *Exchange) CorrelationStatus() (v CorrelationStatus) {
	e.read(func(r *Record) { v = r.CorrelationStatus })
	return
}

// InstanceID returns the process instance, if bound.
func (e *Exchange) InstanceID() (int64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.rec.InstanceID == nil {
		return 0, false
	}
	return *e.rec.InstanceID, true
}

// RequestMessage returns a copy of the request message.
func (e *Exchange) RequestMessage() (v *Message) {
	e.read(func(r *Record) { v = r.Request.Clone() })
	return
}

// ResponseMessage returns a copy of the response or fault message.
func (e *Exchange) ResponseMessage() (v *Message) {
	e.read(func(r *Record) { v = r.Response.Clone() })
	return
}

// FaultName returns the fault name of an AckFault acknowledgement.
func (e *Exchange) FaultName() (v string) { e.read(func(r *Record) { v = r.FaultName }); return }

// Failure returns the failure of an AckFailure acknowledgement.
func (e *Exchange) Failure() (v *Failure) { e.read(func(r *Record) { v = r.Failure.Clone() }); return }

// KnownFailure returns a failure noted before acknowledgement, if any.
func (e *Exchange) KnownFailure() (v *Failure) {
	e.read(func(r *Record) { v = r.KnownFailure.Clone() })
	return
}

// IsTransactional reports whether the exchange runs inside the invoker's
// transaction: true exactly for TRANSACTED and RELIABLE.
func (e *Exchange) IsTransactional() bool { return e.Style().Transactional() }

// Property returns a property value.
func (e *Exchange) Property(name string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.rec.Properties[name]
	return v, ok
}

// PropertyNames returns the names of all set properties, sorted.
func (e *Exchange) PropertyNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.rec.Properties))
}

// ──────────────────────────────────────────────────
// Setters (no state transition)
// ──────────────────────────────────────────────────

func (e *Exchange) write(fn func(r *Record)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.rec)
	e.rec.UpdatedAt = time.Now().UTC()
}

// SetProperty sets a property value.
func (e *Exchange) SetProperty(name, value string) {
	e.write(func(r *Record) { r.Properties[name] = value })
}

// SetTimeout overrides the timeout; non-positive values restore the
// default.
func (e *Exchange) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	e.write(func(r *Record) { r.Timeout = d })
}

// Bind sets the addressing fields of the exchange.
func (e *Exchange) Bind(clientKey, serviceID, operation, endpointRef string) {
	e.write(func(r *Record) {
		r.ClientKey = clientKey
		r.ServiceID = serviceID
		r.Operation = operation
		r.EndpointRef = endpointRef
	})
}

// SetProcess records the process the exchange belongs to.
func (e *Exchange) SetProcess(processID string) {
	e.write(func(r *Record) { r.ProcessID = processID })
}

// SetInstance binds the exchange to a process instance.
func (e *Exchange) SetInstance(instanceID int64) {
	e.write(func(r *Record) { r.InstanceID = &instanceID })
}

// SetChannel records the continuation channel awaiting the response.
func (e *Exchange) SetChannel(channel string) {
	e.write(func(r *Record) { r.Channel = channel })
}

// SetCorrelationStatus records what routing did with the exchange.
func (e *Exchange) SetCorrelationStatus(s CorrelationStatus) {
	e.write(func(r *Record) { r.CorrelationStatus = s })
}

// NoteFailure records a failure known before acknowledgement. It does not
// acknowledge the exchange and is ignored once an ack exists.
func (e *Exchange) NoteFailure(ft FailureType, explanation string) {
	e.write(func(r *Record) {
		if !r.Status.Acked() {
			r.KnownFailure = &Failure{Type: ft, Explanation: explanation}
		}
	})
}

// Release marks the exchange as released by the invoker. It is
// idempotent and legal in any state.
func (e *Exchange) Release() {
	e.write(func(r *Record) { r.Released = true })
}

// ──────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────

func (e *Exchange) transition(op string, allowed []Status, fn func(r *Record) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !slices.Contains(allowed, e.rec.Status) {
		return fmt.Errorf("%w: %s on exchange %s in status %s", ErrInvalidState, op, e.rec.ID, e.rec.Status)
	}
	if err := fn(&e.rec); err != nil {
		return err
	}
	e.rec.UpdatedAt = time.Now().UTC()
	return nil
}

var pending = []Status{StatusReq, StatusAsync}

// Request records the request and moves NEW to REQ for blocking styles
// or to ASYNC for the others.
func (e *Exchange) Request(request *Message) error {
	return e.transition("request", []Status{StatusNew}, func(r *Record) error {
		r.Request = request.Clone()
		if r.Style.Blocks() {
			r.Status = StatusReq
		} else {
			r.Status = StatusAsync
		}
		return nil
	})
}

// ReplyAsync defers the acknowledgement to a later transaction.
func (e *Exchange) ReplyAsync() error {
	return e.transition("replyAsync", pending, func(r *Record) error {
		r.Status = StatusAsync
		return nil
	})
}

// Reply acknowledges with a response message.
func (e *Exchange) Reply(response *Message) error {
	return e.transition("reply", pending, func(r *Record) error {
		if r.Pattern == PatternRequestOnly {
			return fmt.Errorf("%w: exchange %s", ErrNoResponseExpected, r.ID)
		}
		r.Response = response.Clone()
		e.ack(AckResponse)
		return nil
	})
}

// ReplyWithFault acknowledges with a named fault.
func (e *Exchange) ReplyWithFault(faultName string, fault *Message) error {
	return e.transition("replyWithFault", pending, func(r *Record) error {
		r.FaultName = faultName
		r.Response = fault.Clone()
		e.ack(AckFault)
		return nil
	})
}

// ReplyWithFailure acknowledges with a classified failure.
func (e *Exchange) ReplyWithFailure(ft FailureType, explanation string, detail *Message) error {
	return e.transition("replyWithFailure", pending, func(r *Record) error {
		r.Failure = &Failure{Type: ft, Explanation: explanation, Detail: detail.Clone()}
		e.ack(AckFailure)
		return nil
	})
}

// ReplyOneWayOK acknowledges a one-way request.
func (e *Exchange) ReplyOneWayOK() error {
	return e.transition("replyOneWayOk", pending, func(r *Record) error {
		e.ack(AckOneWay)
		return nil
	})
}

// Complete records that the invoker consumed the acknowledgement.
func (e *Exchange) Complete() error {
	return e.transition("complete", []Status{StatusAck}, func(r *Record) error {
		r.Status = StatusCompleted
		return nil
	})
}

// ack must be called with mu held.
func (e *Exchange) ack(t AckType) {
	e.rec.Status = StatusAck
	e.rec.AckType = t
	e.rec.KnownFailure = nil
	e.signal()
}
