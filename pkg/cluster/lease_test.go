package cluster_test

import (
	"testing"

	"github.com/docent-net/cluster-rebalancer/pkg/cluster"
)

func TestLeaseGate_MutualExclusion(t *testing.T) {
	g := cluster.NewLeaseGate()

	if !g.TryAcquire("n1", "evictor") {
		t.Fatalf("first acquire must succeed")
	}
	if g.TryAcquire("n1", "rebalancer") {
		t.Errorf("second owner must not acquire a held lease")
	}
	if holder, ok := g.Holder("n1"); !ok || holder != "evictor" {
		t.Errorf("Holder = %q, %v; want evictor, true", holder, ok)
	}
}

func TestLeaseGate_ReacquireByHolder(t *testing.T) {
	g := cluster.NewLeaseGate()
	g.TryAcquire("n1", "evictor")
	if !g.TryAcquire("n1", "evictor") {
		t.Errorf("holder must be able to re-acquire its own lease")
	}
}

func TestLeaseGate_ReleaseByNonHolderIsIgnored(t *testing.T) {
	g := cluster.NewLeaseGate()
	g.TryAcquire("n1", "evictor")

	g.Release("n1", "rebalancer")
	if g.TryAcquire("n1", "rebalancer") {
		t.Errorf("release by non-holder must not free the lease")
	}

	g.Release("n1", "evictor")
	if !g.TryAcquire("n1", "rebalancer") {
		t.Errorf("released lease must be acquirable")
	}
}

func TestLeaseGate_IndependentNodes(t *testing.T) {
	g := cluster.NewLeaseGate()
	g.TryAcquire("n1", "evictor")
	if !g.TryAcquire("n2", "rebalancer") {
		t.Errorf("leases are per node")
	}
}
