package rebalance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/docent-net/cluster-rebalancer/pkg/cluster"
	"github.com/docent-net/cluster-rebalancer/pkg/drain"
	"github.com/docent-net/cluster-rebalancer/pkg/metrics"
	"github.com/docent-net/cluster-rebalancer/pkg/pricing"
	"github.com/docent-net/cluster-rebalancer/pkg/provisioner"
	"github.com/docent-net/cluster-rebalancer/pkg/template"
)

// LeaseOwner identifies the coordinator at the node admission gate.
const LeaseOwner = "rebalancer"

// NodePlan is one node's replacement plan at current market prices.
type NodePlan struct {
	Node            string
	Shape           template.Shape
	ConfigID        string
	CurrentCost     float64
	ReplacementCost float64
}

func (p *NodePlan) savings() float64 {
	return pricing.Savings(pricing.Replacement{
		Node:            p.Node,
		CurrentCost:     p.CurrentCost,
		ReplacementCost: p.ReplacementCost,
	})
}

// Planner produces a replacement plan for a node, re-reading market prices
// on every call so per-node savings re-checks see price movement.
type Planner interface {
	Plan(ctx context.Context, node *cluster.NodeWrapper) (*NodePlan, error)
}

// Coordinator executes campaigns: it selects eligible nodes, provisions
// replacements, drains the old nodes, and rolls back on failure. One node's
// failure never aborts the rest of the campaign.
type Coordinator struct {
	Provider    cluster.StateProvider
	Planner     Planner
	Provisioner provisioner.Provisioner
	Drainer     *drain.Drainer
	Tracker     *cluster.NodeStateTracker
	Gate        *cluster.LeaseGate
	Clock       clock.PassiveClock

	// ManagedLabel scopes campaigns to engine-created nodes when set.
	ManagedLabel string

	MaxWorkers       int
	MaxLaunchRetries int
	LaunchRetryDelay time.Duration
}

func (c *Coordinator) Execute(ctx context.Context, campaign *Campaign) (*CampaignReport, error) {
	report := &CampaignReport{CampaignID: campaign.ID, ScheduleID: campaign.ScheduleID}

	snap, err := c.Provider.Snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("refreshing cluster snapshot: %w", err)
	}

	eligible := c.eligibleNodes(snap, campaign.Config)
	report.Eligible = len(eligible)

	if len(eligible) < campaign.Config.RebalancingMinNodes {
		report.Aborted = true
		report.AbortedReason = fmt.Sprintf("eligible nodes %d below rebalancingMinNodes %d",
			len(eligible), campaign.Config.RebalancingMinNodes)
		slog.Info("Campaign aborted", "campaign", campaign.ID, "reason", report.AbortedReason)
		metrics.CampaignsSkipped.WithLabelValues("min-nodes").Inc()
		return report, nil
	}

	plans := c.planNodes(ctx, eligible)
	if campaign.Config.NumTargetedNodes > 0 && len(plans) > campaign.Config.NumTargetedNodes {
		plans = plans[:campaign.Config.NumTargetedNodes]
	}

	workers := c.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	results := make([]NodeResult, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, plan := range plans {
		g.Go(func() error {
			// Cancellation stops nodes that have not started; replaceNode
			// detaches a drain from the campaign ctx once its replacement
			// is launched.
			if ctx.Err() != nil {
				results[i] = NodeResult{Node: plan.node.Name, Outcome: OutcomeCancelled}
				return nil
			}
			results[i] = c.replaceNode(gctx, campaign, plan)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	slog.Info("Campaign finished", "campaign", campaign.ID,
		"targeted", len(plans), "replaced", report.Replaced())
	return report, nil
}

// eligibleNodes applies the campaign selector (all nodes when empty), the
// managed-nodes scope, and skips nodes already being handled.
func (c *Coordinator) eligibleNodes(snap *cluster.Snapshot, lc LaunchConfiguration) []*cluster.NodeWrapper {
	var out []*cluster.NodeWrapper
	for _, node := range cluster.WrapNodes(snap, c.Clock.Now()) {
		if c.ManagedLabel != "" && !node.IsManaged(c.ManagedLabel) {
			continue
		}
		if !lc.Selector.Matches(node.Labels) {
			continue
		}
		switch c.Tracker.State(node.Name) {
		case cluster.StateDraining, cluster.StateRemoved, cluster.StateStuck:
			continue
		}
		out = append(out, node)
	}
	return out
}

type scoredPlan struct {
	node *cluster.NodeWrapper
	plan *NodePlan
}

// planNodes prices a replacement for each node and orders them best savings
// first, so a capped campaign spends its node budget where it pays most.
func (c *Coordinator) planNodes(ctx context.Context, nodes []*cluster.NodeWrapper) []scoredPlan {
	var plans []scoredPlan
	for _, node := range nodes {
		plan, err := c.Planner.Plan(ctx, node)
		if err != nil {
			slog.Info("No replacement plan for node; leaving as is", "node", node.Name, "err", err)
			continue
		}
		plans = append(plans, scoredPlan{node: node, plan: plan})
	}
	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].plan.savings() > plans[j].plan.savings()
	})
	return plans
}

func (c *Coordinator) replaceNode(ctx context.Context, campaign *Campaign, sp scoredPlan) NodeResult {
	node, lc := sp.node, campaign.Config

	if !c.Gate.TryAcquire(node.Name, LeaseOwner) {
		slog.Info("Node lease held elsewhere; skipping for this campaign", "node", node.Name)
		return NodeResult{Node: node.Name, Outcome: OutcomeSkippedLease}
	}
	defer c.Gate.Release(node.Name, LeaseOwner)

	// Prices may have moved since the campaign launched: re-check the
	// savings floor against a fresh plan right before acting on this node.
	if lc.ExecutionConditions.Enabled {
		fresh, err := c.Planner.Plan(ctx, node)
		if err != nil {
			slog.Info("Re-pricing failed; skipping node", "node", node.Name, "err", err)
			metrics.ReplacementsSkipped.Inc()
			return NodeResult{Node: node.Name, Outcome: OutcomeSkippedSavings, Err: err}
		}
		if realized := fresh.savings(); realized < lc.ExecutionConditions.AchievedSavingsPercentage {
			slog.Info("Realized savings below execution floor; skipping node",
				"node", node.Name, "realized", realized,
				"floor", lc.ExecutionConditions.AchievedSavingsPercentage)
			metrics.ReplacementsSkipped.Inc()
			return NodeResult{Node: node.Name, Outcome: OutcomeSkippedSavings}
		}
		sp.plan = fresh
	}

	replacement, err := c.launchWithRetry(ctx, sp.plan)
	if err != nil {
		if ctx.Err() != nil {
			return NodeResult{Node: node.Name, Outcome: OutcomeCancelled}
		}
		slog.Error("Replacement provisioning failed; node left untouched", "node", node.Name, "err", err)
		return NodeResult{Node: node.Name, Outcome: OutcomeStuck, Err: err}
	}

	if err := c.Tracker.Transition(node.Name, cluster.StateDraining); err != nil {
		return NodeResult{Node: node.Name, Outcome: OutcomeSkippedLease, Err: err}
	}

	// The replacement is running: from here on, campaign cancellation must
	// not cut the drain short. Only the node TTL bounds it now.
	detached := context.WithoutCancel(ctx)
	drainCtx := detached
	var cancel context.CancelFunc
	if lc.NodeTTLSeconds > 0 {
		drainCtx, cancel = context.WithTimeout(detached, time.Duration(lc.NodeTTLSeconds)*time.Second)
		defer cancel()
	}

	graceful := lc.EvictGracefully || lc.ExecutionConditions.Enabled
	err = c.Drainer.CordonAndDrain(drainCtx, node, drain.Options{Force: !graceful})
	if err != nil {
		return c.rollback(detached, node, replacement, lc, err)
	}

	handle := provisioner.NodeHandle(node.Spec.ProviderID)
	if handle == "" {
		handle = provisioner.NodeHandle(node.Name)
	}
	if err := c.Provisioner.TerminateNode(detached, handle); err != nil {
		return c.rollback(detached, node, replacement, lc, err)
	}

	_ = c.Tracker.Transition(node.Name, cluster.StateRemoved)
	metrics.NodesReplaced.Inc()
	slog.Info("Node replaced", "node", node.Name, "shape", sp.plan.Shape.Name, "replacement", string(replacement))
	return NodeResult{Node: node.Name, Outcome: OutcomeReplaced}
}

func (c *Coordinator) launchWithRetry(ctx context.Context, plan *NodePlan) (provisioner.NodeHandle, error) {
	attempts := c.MaxLaunchRetries
	if attempts < 1 {
		attempts = 3
	}
	delay := c.LaunchRetryDelay
	if delay == 0 {
		delay = 5 * time.Second
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		handle, err := c.Provisioner.LaunchNode(ctx, plan.Shape, plan.ConfigID)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		slog.Warn("Launch attempt failed", "shape", plan.Shape.Name, "attempt", i+1, "err", err)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return "", lastErr
}

// rollback handles a node whose drain or termination failed after its
// replacement was launched: the replacement is terminated to stop the cost
// leak, and the old node is restored or left cordoned per the campaign's
// keepDrainTimeoutNodes setting. The node stays in the cluster either way;
// it is reported, never silently dropped.
func (c *Coordinator) rollback(ctx context.Context, node *cluster.NodeWrapper, replacement provisioner.NodeHandle, lc LaunchConfiguration, cause error) NodeResult {
	outcome := OutcomeStuck
	if drainTimedOut(cause) {
		outcome = OutcomeDrainTimeout
	}
	slog.Warn("Replacement rolled back", "node", node.Name, "outcome", outcome, "err", cause)

	if err := c.Provisioner.TerminateNode(ctx, replacement); err != nil {
		slog.Error("Failed to terminate replacement during rollback", "handle", string(replacement), "err", err)
	}

	_ = c.Tracker.Transition(node.Name, cluster.StateActive)
	if !lc.KeepDrainTimeoutNodes {
		if err := c.Drainer.Uncordon(ctx, node.Name); err != nil {
			slog.Warn("Rollback uncordon failed", "node", node.Name, "err", err)
		}
	}
	return NodeResult{Node: node.Name, Outcome: outcome, Err: cause}
}

func drainTimedOut(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
