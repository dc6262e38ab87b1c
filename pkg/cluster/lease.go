package cluster

import "sync"

// LeaseGate serializes node-level operations between the evictor and the
// rebalancing coordinator. Whoever acquires a node's lease first proceeds;
// the other defers to its next cycle. No lease is held across slow I/O by
// the gate itself; holders keep the lease for the duration of their drain.
type LeaseGate struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewLeaseGate() *LeaseGate {
	return &LeaseGate{owners: make(map[string]string)}
}

// TryAcquire takes the lease for a node on behalf of owner. It returns false
// without blocking when another owner already holds it. Re-acquiring a lease
// the owner already holds succeeds.
func (g *LeaseGate) TryAcquire(node, owner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if holder, held := g.owners[node]; held {
		return holder == owner
	}
	g.owners[node] = owner
	return true
}

// Release drops the lease if owner still holds it.
func (g *LeaseGate) Release(node, owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owners[node] == owner {
		delete(g.owners, node)
	}
}

// Holder returns the current lease holder for a node, if any.
func (g *LeaseGate) Holder(node string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.owners[node]
	return h, ok
}
