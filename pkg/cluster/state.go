// Package-level node bookkeeping for the decision engine.
//
// The tracker replaces implicit "is this node draining" flags with an
// explicit per-node state machine:
//
//	Active → Candidate(empty|underused) → Draining → Removed
//	Draining → Active on drain failure/rollback
//
// plus the eviction-failure backoff and empty-since timestamps the evictor
// needs between cycles. All of it is in-memory and ephemeral; a restart
// re-derives candidates from the next snapshot.

package cluster

import (
	"fmt"
	"sync"
	"time"
)

type NodeState string

const (
	StateActive             NodeState = "active"
	StateCandidateEmpty     NodeState = "candidate-empty"
	StateCandidateUnderused NodeState = "candidate-underused"
	StateDraining           NodeState = "draining"
	StateRemoved            NodeState = "removed"
	StateStuck              NodeState = "stuck"
)

var allowedTransitions = map[NodeState][]NodeState{
	StateActive:             {StateCandidateEmpty, StateCandidateUnderused, StateDraining},
	StateCandidateEmpty:     {StateActive, StateCandidateUnderused, StateDraining},
	StateCandidateUnderused: {StateActive, StateCandidateEmpty, StateDraining},
	StateDraining:           {StateActive, StateRemoved, StateStuck},
	StateStuck:              {StateActive, StateDraining},
	StateRemoved:            {},
}

// NodeStateTracker keeps per-node engine state between cycles.
type NodeStateTracker struct {
	mu            sync.Mutex
	states        map[string]NodeState
	emptySince    map[string]time.Time
	failureCounts map[string]int
	lastFailure   map[string]time.Time
	removedAt     map[string]time.Time
}

func NewNodeStateTracker() *NodeStateTracker {
	return &NodeStateTracker{
		states:        make(map[string]NodeState),
		emptySince:    make(map[string]time.Time),
		failureCounts: make(map[string]int),
		lastFailure:   make(map[string]time.Time),
		removedAt:     make(map[string]time.Time),
	}
}

// State returns the tracked state; untracked nodes are Active.
func (t *NodeStateTracker) State(node string) NodeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[node]
	if !ok {
		return StateActive
	}
	return s
}

// Transition moves a node to the next state, enforcing the state machine.
func (t *NodeStateTracker) Transition(node string, next NodeState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.states[node]
	if !ok {
		cur = StateActive
	}
	if cur == next {
		return nil
	}
	for _, allowed := range allowedTransitions[cur] {
		if allowed == next {
			t.states[node] = next
			if next == StateRemoved {
				t.removedAt[node] = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("illegal node state transition %s → %s for %q", cur, next, node)
}

// Forget drops all tracked state for a node that left the cluster.
func (t *NodeStateTracker) Forget(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, node)
	delete(t.emptySince, node)
	delete(t.failureCounts, node)
	delete(t.lastFailure, node)
	delete(t.removedAt, node)
}

// MarkEmptySince records the first cycle at which the node was observed with
// zero workload pods. Calling it again keeps the original timestamp.
func (t *NodeStateTracker) MarkEmptySince(node string, now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if since, ok := t.emptySince[node]; ok {
		return since
	}
	t.emptySince[node] = now
	return now
}

// ClearEmptySince restarts the emptiness countdown, used when a pod lands on
// a node that was counting down.
func (t *NodeStateTracker) ClearEmptySince(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.emptySince, node)
}

// MarkEvictionFailure records a failed eviction attempt and returns the new
// attempt count.
func (t *NodeStateTracker) MarkEvictionFailure(node string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failureCounts[node]++
	t.lastFailure[node] = now
	return t.failureCounts[node]
}

// ClearEvictionFailures resets failure bookkeeping after a successful drain.
func (t *NodeStateTracker) ClearEvictionFailures(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failureCounts, node)
	delete(t.lastFailure, node)
}

// FailureCount returns the consecutive eviction failures for a node.
func (t *NodeStateTracker) FailureCount(node string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failureCounts[node]
}

// IsInBackoff reports whether a node is still inside the eviction-failure
// backoff window.
func (t *NodeStateTracker) IsInBackoff(node string, now time.Time, backoff time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastFailure[node]
	if !ok {
		return false
	}
	return now.Sub(last) < backoff
}
