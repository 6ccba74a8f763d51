package main

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/config"
	"github.com/xraph/choreo/cron"
	"github.com/xraph/choreo/engine"
	"github.com/xraph/choreo/mex"
	"github.com/xraph/choreo/store/memory"
)

func testProcesses() []config.ProcessConfig {
	return []config.ProcessConfig{{
		Name:             "order",
		Service:          "OrderService",
		Correlator:       "order-corr",
		CorrelationParts: []string{"orderId"},
		Operations: []config.OperationConfig{
			{Name: "place", CreateInstance: true},
			{Name: "cancel", OneWay: true},
		},
	}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pendingExchange(t *testing.T, pattern mex.Pattern, op string, msg *mex.Message) *mex.Exchange {
	t.Helper()
	ex := mex.New(mex.DirectionMyRole, mex.StyleBlocking, pattern)
	ex.Bind("client", "OrderService", op, "")
	require.NoError(t, ex.Request(msg))
	return ex
}

func TestJournalProcess(t *testing.T) {
	j := newJournal(testProcesses(), quietLogger())

	op, err := j.Process("OrderService", "place")
	require.NoError(t, err)
	assert.Equal(t, engine.Operation{Process: "order", CreateInstance: true}, op)

	op, err = j.Process("OrderService", "cancel")
	require.NoError(t, err)
	assert.True(t, op.OneWay)

	_, err = j.Process("OrderService", "refund")
	assert.ErrorIs(t, err, choreo.ErrUnknownProcess)
}

func TestJournalActivation(t *testing.T) {
	procs := testProcesses()
	procs[0].Inactive = true
	j := newJournal(procs, quietLogger())

	assert.False(t, j.IsActive("order"))
	j.setActive("order", true)
	assert.True(t, j.IsActive("order"))
	assert.True(t, j.IsActive("unknown"), "undeclared processes are not held back")
}

func TestJournalCorrelationKeys(t *testing.T) {
	j := newJournal(testProcesses(), quietLogger())
	ctx := context.Background()

	ex := pendingExchange(t, mex.PatternRequestResponse, "place", mex.NewMessage("order").SetPart("orderId", "42"))
	corr, keys, err := j.CorrelationKeys(ctx, ex)
	require.NoError(t, err)
	assert.Equal(t, "order-corr", corr)
	assert.Equal(t, 1, keys.Len())

	missing := pendingExchange(t, mex.PatternRequestResponse, "place", mex.NewMessage("order"))
	_, _, err = j.CorrelationKeys(ctx, missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orderId")
}

func TestJournalAcknowledges(t *testing.T) {
	j := newJournal(testProcesses(), quietLogger())
	ctx := context.Background()

	ex := pendingExchange(t, mex.PatternRequestResponse, "place", mex.NewMessage("order").SetPart("orderId", "1"))
	inst, err := j.CreateInstance(ctx, "order", ex)
	require.NoError(t, err)
	assert.Equal(t, mex.AckResponse, ex.AckType())
	assert.Equal(t, strconv.FormatInt(inst, 10), ex.ResponseMessage().Parts["instance"])

	next, err := j.CreateInstance(ctx, "order", pendingExchange(t, mex.PatternRequestResponse, "place", mex.NewMessage("order")))
	require.NoError(t, err)
	assert.Greater(t, next, inst)

	oneWay := pendingExchange(t, mex.PatternRequestOnly, "cancel", mex.NewMessage("cancel"))
	require.NoError(t, j.OnMessage(ctx, engine.Delivery{Process: "order", Instance: inst, Exchange: oneWay}))
	assert.Equal(t, mex.AckOneWay, oneWay.AckType())

	// Already acknowledged exchanges are left alone.
	require.NoError(t, j.OnMessage(ctx, engine.Delivery{Process: "order", Instance: inst, Exchange: oneWay}))
}

func TestJournalRunsUnderEngine(t *testing.T) {
	cfg := choreo.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond

	eng, err := engine.New(memory.New(), newJournal(testProcesses(), quietLogger()),
		engine.WithConfig(cfg),
		engine.WithLogger(quietLogger()),
		engine.WithMaintenance(cron.Config{}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		assert.NoError(t, eng.Stop(stopCtx))
	}()

	ex, err := eng.CreateMessageExchange(ctx, "client", "OrderService", "place", engine.WithTimeout(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, eng.InvokeBlocking(ctx, ex, mex.NewMessage("order").SetPart("orderId", "7")))
	assert.Equal(t, mex.AckResponse, ex.AckType())
	assert.NotEmpty(t, ex.ResponseMessage().Parts["instance"])
}
