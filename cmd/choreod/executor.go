package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/config"
	"github.com/xraph/choreo/correlation"
	"github.com/xraph/choreo/engine"
	"github.com/xraph/choreo/mex"
)

var _ engine.ProcessExecutor = (*journal)(nil)

type deployedProcess struct {
	name       string
	correlator string
	parts      []string
}

// journal serves the processes declared in the configuration. It keeps no
// process state: every callback is logged and inbound exchanges are
// acknowledged so the engine's routing and partner paths can be exercised
// end to end.
type journal struct {
	logger *slog.Logger
	ops    map[string]engine.Operation
	procs  map[string]*deployedProcess // by process name

	mu       sync.RWMutex
	inactive map[string]bool

	nextInstance atomic.Int64
}

func newJournal(processes []config.ProcessConfig, logger *slog.Logger) *journal {
	j := &journal{
		logger:   logger,
		ops:      make(map[string]engine.Operation),
		procs:    make(map[string]*deployedProcess),
		inactive: make(map[string]bool),
	}
	// Instance ids survive restarts on durable stores.
	j.nextInstance.Store(time.Now().UnixMicro())

	for _, p := range processes {
		corr := p.Correlator
		if corr == "" {
			corr = p.Name
		}
		j.procs[p.Name] = &deployedProcess{name: p.Name, correlator: corr, parts: p.CorrelationParts}
		j.inactive[p.Name] = p.Inactive
		for _, op := range p.Operations {
			j.ops[p.Service+"/"+op.Name] = engine.Operation{
				Process:        p.Name,
				OneWay:         op.OneWay,
				CreateInstance: op.CreateInstance,
			}
		}
	}
	return j
}

func (j *journal) Process(serviceID, operation string) (engine.Operation, error) {
	op, ok := j.ops[serviceID+"/"+operation]
	if !ok {
		return engine.Operation{}, fmt.Errorf("%w: %s/%s", choreo.ErrUnknownProcess, serviceID, operation)
	}
	return op, nil
}

func (j *journal) IsActive(process string) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return !j.inactive[process]
}

// setActive toggles a process; jobs addressed to it are pushed back while
// it is inactive.
func (j *journal) setActive(process string, active bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.inactive[process] = !active
}

// CorrelationKeys builds one key per configured part of the request.
func (j *journal) CorrelationKeys(_ context.Context, ex *mex.Exchange) (string, correlation.KeySet, error) {
	var keys correlation.KeySet
	op, err := j.Process(ex.ServiceID(), ex.Operation())
	if err != nil {
		return "", keys, err
	}
	p := j.procs[op.Process]

	msg := ex.RequestMessage()
	for _, part := range p.parts {
		if msg == nil {
			return "", keys, fmt.Errorf("no request message for part %q", part)
		}
		v, ok := msg.Parts[part]
		if !ok || v == "" {
			return "", keys, fmt.Errorf("request lacks correlation part %q", part)
		}
		keys = keys.Add(correlation.NewKey(part, v))
	}
	return p.correlator, keys, nil
}

func (j *journal) CreateInstance(ctx context.Context, process string, ex *mex.Exchange) (int64, error) {
	inst := j.nextInstance.Add(1)
	j.logger.InfoContext(ctx, "instance created",
		slog.String("process", process),
		slog.Int64("instance", inst),
		slog.String("mex_id", ex.ID().String()),
	)
	return inst, acknowledge(ex, inst)
}

func (j *journal) OnMessage(ctx context.Context, d engine.Delivery) error {
	attrs := []any{
		slog.String("process", d.Process),
		slog.Int64("instance", d.Instance),
		slog.String("mex_id", d.Exchange.ID().String()),
	}
	if d.Route != nil {
		attrs = append(attrs, slog.String("group", d.Route.GroupID), slog.String("keys", d.Route.Keys.String()))
	}
	j.logger.InfoContext(ctx, "message delivered", attrs...)
	return acknowledge(d.Exchange, d.Instance)
}

func (j *journal) OnTimer(ctx context.Context, process string, instance int64, channel string) error {
	j.logger.InfoContext(ctx, "timer fired",
		slog.String("process", process),
		slog.Int64("instance", instance),
		slog.String("channel", channel),
	)
	return nil
}

func (j *journal) OnResume(ctx context.Context, process string, instance int64) error {
	j.logger.InfoContext(ctx, "instance resumed",
		slog.String("process", process),
		slog.Int64("instance", instance),
	)
	return nil
}

func (j *journal) OnPartnerResponse(ctx context.Context, r engine.PartnerResponse) error {
	attrs := []any{
		slog.String("process", r.Process),
		slog.Int64("instance", r.Instance),
		slog.String("channel", r.Channel),
		slog.String("status", string(r.Exchange.Status())),
	}
	if f := r.Exchange.Failure(); f != nil {
		attrs = append(attrs, slog.String("failure", string(f.Type)))
	}
	j.logger.InfoContext(ctx, "partner response", attrs...)
	return nil
}

// acknowledge answers a pending exchange: one-way exchanges complete,
// request-response exchanges get a receipt naming the instance.
func acknowledge(ex *mex.Exchange, instance int64) error {
	if !ex.Status().Pending() {
		return nil
	}
	if ex.Pattern() == mex.PatternRequestOnly {
		return ex.ReplyOneWayOK()
	}
	return ex.Reply(mex.NewMessage("receipt").SetPart("instance", strconv.FormatInt(instance, 10)))
}
