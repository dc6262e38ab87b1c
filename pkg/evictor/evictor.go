package evictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/docent-net/cluster-rebalancer/pkg/cluster"
	"github.com/docent-net/cluster-rebalancer/pkg/config"
	"github.com/docent-net/cluster-rebalancer/pkg/drain"
	"github.com/docent-net/cluster-rebalancer/pkg/metrics"
	"github.com/docent-net/cluster-rebalancer/pkg/provisioner"
)

// LeaseOwner identifies the evictor at the node admission gate.
const LeaseOwner = "evictor"

// CandidateReason records why a node was selected for removal.
type CandidateReason string

const (
	ReasonEmpty     CandidateReason = "empty"
	ReasonUnderused CandidateReason = "underused"
)

type Candidate struct {
	Node   string
	Reason CandidateReason
}

// CycleReport summarizes one evictor cycle for the audit sink.
type CycleReport struct {
	Candidates []Candidate
	Removed    []string
	RolledBack []string
	Stuck      []string
}

// Evictor drains and removes empty (and, in aggressive mode, underused)
// nodes on a fixed cycle interval.
type Evictor struct {
	Provider    cluster.StateProvider
	Drainer     *drain.Drainer
	Provisioner provisioner.Provisioner
	Tracker     *cluster.NodeStateTracker
	Gate        *cluster.LeaseGate
	Clock       clock.PassiveClock

	Cfg          config.EvictorConfig
	Labels       config.NodeLabelConfig
	IgnoreLabels map[string]string

	// MaxWorkers bounds concurrent node drains within one cycle.
	MaxWorkers int
}

// Run executes cycles until the context is cancelled.
func (e *Evictor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.Cfg.CycleInterval)
	defer ticker.Stop()
	for {
		if report, err := e.RunOnce(ctx); err != nil {
			slog.Error("evictor cycle failed", "err", err)
		} else {
			slog.Info("evictor cycle complete",
				"candidates", len(report.Candidates),
				"removed", len(report.Removed),
				"rolledBack", len(report.RolledBack),
				"stuck", len(report.Stuck),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single evictor cycle against a fresh snapshot.
func (e *Evictor) RunOnce(ctx context.Context) (*CycleReport, error) {
	metrics.EvictorCycles.Inc()

	snap, err := e.Provider.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing cluster snapshot: %w", err)
	}

	now := e.Clock.Now()
	report := &CycleReport{}
	var candidates []*cluster.NodeWrapper

	for _, node := range cluster.WrapNodes(snap, now) {
		reason, ok := e.evaluate(node, now)
		if !ok {
			// A node that stopped qualifying sheds its candidacy.
			switch e.Tracker.State(node.Name) {
			case cluster.StateCandidateEmpty, cluster.StateCandidateUnderused:
				_ = e.Tracker.Transition(node.Name, cluster.StateActive)
			}
			continue
		}
		report.Candidates = append(report.Candidates, Candidate{Node: node.Name, Reason: reason})
		candidates = append(candidates, node)
	}

	if e.Cfg.DryRun {
		for _, c := range report.Candidates {
			slog.Info("Dry-run: would drain and remove node", "node", c.Node, "reason", c.Reason)
		}
		return report, nil
	}

	workers := e.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	results := make([]string, len(candidates))
	for i, node := range candidates {
		if err := e.Tracker.Transition(node.Name, candidateState(report.Candidates[i].Reason)); err != nil {
			slog.Warn("Refusing candidacy", "node", node.Name, "err", err)
			results[i] = outcomeSkipped
			continue
		}
		g.Go(func() error {
			results[i] = e.process(gctx, node)
			// One node's failure never aborts the others.
			return nil
		})
	}
	_ = g.Wait()

	for i, outcome := range results {
		name := candidates[i].Name
		switch outcome {
		case outcomeRemoved:
			report.Removed = append(report.Removed, name)
		case outcomeRolledBack:
			report.RolledBack = append(report.RolledBack, name)
		case outcomeStuck:
			report.Stuck = append(report.Stuck, name)
		}
	}
	return report, nil
}

// evaluate runs the per-node decision path. It is identical in dry-run and
// live mode.
func (e *Evictor) evaluate(node *cluster.NodeWrapper, now time.Time) (CandidateReason, bool) {
	if e.Cfg.ScopedMode && !node.IsManaged(e.Labels.Managed) {
		return "", false
	}
	if e.Labels.Disabled != "" && node.Labels[e.Labels.Disabled] == "true" {
		return "", false
	}
	for k, v := range e.IgnoreLabels {
		if node.Labels[k] == v {
			return "", false
		}
	}

	switch e.Tracker.State(node.Name) {
	case cluster.StateDraining, cluster.StateRemoved:
		return "", false
	case cluster.StateStuck:
		// Stuck nodes are reported, not retried, until backoff clears.
		if e.Tracker.FailureCount(node.Name) >= e.Cfg.MaxEvictionRetries {
			return "", false
		}
	}

	grace := time.Duration(e.Cfg.NodeGracePeriodMinutes) * time.Minute
	if node.Age() < grace {
		return "", false
	}
	if e.Tracker.IsInBackoff(node.Name, now, e.Cfg.PodEvictionFailureBackOffInterval) {
		return "", false
	}

	pods := node.WorkloadPods()
	if len(pods) == 0 {
		since := e.Tracker.MarkEmptySince(node.Name, now)
		delay := time.Duration(e.Cfg.EmptyNodeDelaySeconds) * time.Second
		if now.Sub(since) >= delay {
			return ReasonEmpty, true
		}
		return "", false
	}

	// A pod landed: the emptiness countdown restarts from scratch.
	e.Tracker.ClearEmptySince(node.Name)

	if e.Cfg.AggressiveMode {
		cpu, mem := node.Utilization()
		threshold := float64(e.Cfg.UnderusedThresholdPercent) / 100
		if cpu < threshold && mem < threshold {
			return ReasonUnderused, true
		}
	}
	return "", false
}

const (
	outcomeRemoved    = "removed"
	outcomeRolledBack = "rolled-back"
	outcomeStuck      = "stuck"
	outcomeSkipped    = "skipped"
)

func candidateState(r CandidateReason) cluster.NodeState {
	if r == ReasonUnderused {
		return cluster.StateCandidateUnderused
	}
	return cluster.StateCandidateEmpty
}

func (e *Evictor) process(ctx context.Context, node *cluster.NodeWrapper) string {
	if !e.Gate.TryAcquire(node.Name, LeaseOwner) {
		slog.Info("Node lease held elsewhere; deferring to next cycle", "node", node.Name)
		return outcomeSkipped
	}
	defer e.Gate.Release(node.Name, LeaseOwner)

	if err := e.Tracker.Transition(node.Name, cluster.StateDraining); err != nil {
		slog.Warn("Refusing drain", "node", node.Name, "err", err)
		return outcomeSkipped
	}

	err := e.Drainer.CordonAndDrain(ctx, node, drain.Options{
		Force: e.Cfg.IgnorePodDisruptionBudgets,
	})
	if err != nil {
		return e.handleDrainFailure(ctx, node, err)
	}

	metrics.NodesDrained.Inc()
	handle := provisioner.NodeHandle(node.Spec.ProviderID)
	if handle == "" {
		handle = provisioner.NodeHandle(node.Name)
	}
	if err := e.Provisioner.TerminateNode(ctx, handle); err != nil {
		slog.Error("Node drained but termination failed", "node", node.Name, "err", err)
		return e.handleDrainFailure(ctx, node, err)
	}

	_ = e.Tracker.Transition(node.Name, cluster.StateRemoved)
	e.Tracker.ClearEvictionFailures(node.Name)
	metrics.NodesRemoved.Inc()
	slog.Info("Node removed", "node", node.Name)
	return outcomeRemoved
}

func (e *Evictor) handleDrainFailure(ctx context.Context, node *cluster.NodeWrapper, cause error) string {
	count := e.Tracker.MarkEvictionFailure(node.Name, e.Clock.Now())

	if errors.Is(cause, drain.ErrDisruptionBudgetDenied) {
		slog.Info("Drain blocked by disruption budget; backing off",
			"node", node.Name, "attempt", count, "backoff", e.Cfg.PodEvictionFailureBackOffInterval)
	} else {
		slog.Warn("Drain failed; backing off",
			"node", node.Name, "attempt", count, "err", cause)
	}

	if count >= e.Cfg.MaxEvictionRetries {
		_ = e.Tracker.Transition(node.Name, cluster.StateStuck)
		metrics.StuckNodes.Inc()
		slog.Error("Node stuck after exhausting eviction retries", "node", node.Name, "attempts", count)
		return outcomeStuck
	}

	_ = e.Tracker.Transition(node.Name, cluster.StateActive)

	if e.Cfg.KeepDrainTimeoutNodes {
		// Leave the node cordoned; a later cycle resumes the drain.
		return outcomeRolledBack
	}
	if err := e.Drainer.Uncordon(ctx, node.Name); err != nil {
		slog.Warn("Rollback uncordon failed", "node", node.Name, "err", err)
	}
	return outcomeRolledBack
}
