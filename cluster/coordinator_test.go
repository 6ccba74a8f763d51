package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/store/memory"
)

func TestStaticCoordinator(t *testing.T) {
	ctx := context.Background()
	if !cluster.Static(true).AmICoordinator(ctx) {
		t.Fatal("Static(true) should coordinate")
	}
	if cluster.Static(false).AmICoordinator(ctx) {
		t.Fatal("Static(false) should not coordinate")
	}
}

func TestCoordinatorFunc(t *testing.T) {
	calls := 0
	c := cluster.CoordinatorFunc(func(context.Context) bool {
		calls++
		return calls%2 == 1
	})
	ctx := context.Background()
	if !c.AmICoordinator(ctx) || c.AmICoordinator(ctx) {
		t.Fatal("CoordinatorFunc should forward to the function")
	}
}

func TestLeaseCoordinatorFailover(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	ttl := 40 * time.Millisecond

	first := cluster.NewLeaseCoordinator(s, id.NewNodeID(), cluster.WithLeaseTTL(ttl))
	second := cluster.NewLeaseCoordinator(s, id.NewNodeID(), cluster.WithLeaseTTL(ttl))

	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := second.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = second.Stop(ctx) }()

	if !first.AmICoordinator(ctx) {
		t.Fatal("first coordinator should hold the lease")
	}
	if second.AmICoordinator(ctx) {
		t.Fatal("second coordinator should be standing by")
	}

	// Renewals keep the lease with the first node across several TTLs.
	time.Sleep(3 * ttl)
	if !first.AmICoordinator(ctx) || second.AmICoordinator(ctx) {
		t.Fatal("lease changed hands while the holder was renewing")
	}

	if err := first.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !second.AmICoordinator(ctx) {
		if time.Now().After(deadline) {
			t.Fatal("second coordinator never took over")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
