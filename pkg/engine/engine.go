// Package engine wires the evictor cycle and the rebalancing scheduler over
// a shared cluster-state provider and node admission gate. It owns no policy
// of its own: templates, schedules and the evictor policy arrive as
// configuration snapshots, and the engine re-reads the latest one at each
// refresh while in-flight campaigns keep the copy they started with.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/docent-net/cluster-rebalancer/pkg/cluster"
	"github.com/docent-net/cluster-rebalancer/pkg/config"
	"github.com/docent-net/cluster-rebalancer/pkg/drain"
	"github.com/docent-net/cluster-rebalancer/pkg/evictor"
	"github.com/docent-net/cluster-rebalancer/pkg/pricing"
	"github.com/docent-net/cluster-rebalancer/pkg/provisioner"
	"github.com/docent-net/cluster-rebalancer/pkg/rebalance"
	"github.com/docent-net/cluster-rebalancer/pkg/template"
)

type Engine struct {
	cfg      *config.Config
	provider cluster.StateProvider
	prov     provisioner.Provisioner
	clock    clock.PassiveClock

	tracker  *cluster.NodeStateTracker
	gate     *cluster.LeaseGate
	registry *rebalance.Registry

	evictor   *evictor.Evictor
	scheduler *rebalance.Scheduler

	mu     sync.RWMutex
	fleet  *config.Fleet
	snap   *template.Snapshot
	prices pricing.Provider
}

// New assembles the engine. The provisioner is wrapped in a dry-run
// decorator when the global dry-run flag is on, so no component can issue a
// mutating cloud call by accident.
func New(cfg *config.Config, provider cluster.StateProvider, prov provisioner.Provisioner, drainer *drain.Drainer, clk clock.PassiveClock) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.DryRun {
		prov = &provisioner.DryRun{Wrapped: prov}
		drainer.DryRun = true
	}

	e := &Engine{
		cfg:      cfg,
		provider: provider,
		prov:     prov,
		clock:    clk,
		tracker:  cluster.NewNodeStateTracker(),
		gate:     cluster.NewLeaseGate(),
		registry: rebalance.NewRegistry(),
	}

	evictorCfg := cfg.Evictor
	if cfg.DryRun {
		evictorCfg.DryRun = true
	}
	e.evictor = &evictor.Evictor{
		Provider:     provider,
		Drainer:      drainer,
		Provisioner:  prov,
		Tracker:      e.tracker,
		Gate:         e.gate,
		Clock:        clk,
		Cfg:          evictorCfg,
		Labels:       cfg.NodeLabels,
		IgnoreLabels: cfg.IgnoreLabels,
		MaxWorkers:   cfg.MaxDrainWorkers,
	}

	coordinator := &rebalance.Coordinator{
		Provider:     provider,
		Planner:      (*enginePlanner)(e),
		Provisioner:  prov,
		Drainer:      drainer,
		Tracker:      e.tracker,
		Gate:         e.gate,
		Clock:        clk,
		ManagedLabel: cfg.NodeLabels.Managed,
		MaxWorkers:   cfg.MaxDrainWorkers,
	}
	e.scheduler = rebalance.NewScheduler(e.registry, e.fleetSavings, coordinator, clk)

	return e
}

// Scheduler exposes the rebalancing scheduler, mainly for manual fires.
func (e *Engine) Scheduler() *rebalance.Scheduler { return e.scheduler }

// Run starts the loops and blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.refreshFleet(); err != nil {
		return fmt.Errorf("initial fleet snapshot: %w", err)
	}

	if e.cfg.Evictor.Enabled {
		go e.evictor.Run(ctx)
	} else {
		slog.Info("Evictor disabled by configuration")
	}
	go e.scheduler.Run(ctx)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.refreshFleet(); err != nil {
				// Malformed snapshots are fatal to that snapshot only; the
				// engine keeps running on the previous one.
				slog.Error("fleet snapshot refresh failed; keeping previous", "err", err)
			}
		}
	}
}

// refreshFleet re-reads the configuration layer's snapshot. Schedule edits
// take effect for future fires only.
func (e *Engine) refreshFleet() error {
	fleet, err := config.LoadFleet(e.cfg.FleetFile)
	if err != nil {
		return err
	}
	snap, err := fleet.TemplateSnapshot()
	if err != nil {
		return err
	}
	if err := e.registry.Replace(fleet.Schedules); err != nil {
		return err
	}

	e.mu.Lock()
	old := e.fleet
	e.fleet, e.snap, e.prices = fleet, snap, fleet.PriceProvider()
	e.mu.Unlock()

	if old == nil || old.Version != fleet.Version {
		slog.Info("Fleet snapshot refreshed", "version", fleet.Version,
			"templates", len(fleet.Templates), "schedules", len(fleet.Schedules))
	}
	return nil
}

func (e *Engine) currentFleet() (*config.Fleet, *template.Snapshot, pricing.Provider) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fleet, e.snap, e.prices
}

// fleetSavings is the scheduler's trigger input: the projected savings for
// replacing the currently managed fleet with best-fit shapes.
func (e *Engine) fleetSavings(ctx context.Context) (float64, error) {
	snap, err := e.provider.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	planner := (*enginePlanner)(e)

	var batch []pricing.Replacement
	for _, node := range cluster.WrapNodes(snap, e.clock.Now()) {
		if e.cfg.NodeLabels.Managed != "" && !node.IsManaged(e.cfg.NodeLabels.Managed) {
			continue
		}
		plan, err := planner.Plan(ctx, node)
		if err != nil {
			continue
		}
		batch = append(batch, pricing.Replacement{
			Node:            plan.Node,
			CurrentCost:     plan.CurrentCost,
			ReplacementCost: plan.ReplacementCost,
		})
	}
	return pricing.BatchSavings(batch), nil
}

// enginePlanner prices a node replacement against the latest fleet
// snapshot. Implemented on Engine so every Plan call sees fresh prices, as
// the per-node execution-conditions re-check requires.
type enginePlanner Engine

func (p *enginePlanner) Plan(ctx context.Context, node *cluster.NodeWrapper) (*rebalance.NodePlan, error) {
	fleet, snap, prices := (*Engine)(p).currentFleet()
	if fleet == nil {
		return nil, fmt.Errorf("no fleet snapshot loaded")
	}

	current, err := nodeCurrentCost(node, prices)
	if err != nil {
		return nil, err
	}

	need := nodeNeed(node)
	fams := familySpread(node.Snapshot, p.cfg.NodeLabels.Managed)
	sel := &template.Selector{
		Prices: func(shape template.Shape, spot bool) (float64, error) {
			if spot {
				return prices.SpotPrice(shape.Name, shape.Zone)
			}
			return prices.OnDemandPrice(shape.Name, shape.Zone)
		},
		FleetFamilies: fams,
		Now:           p.clock.Now(),
	}
	decision, err := sel.Select(need, snap, fleet.Shapes)
	if err != nil {
		return nil, err
	}

	return &rebalance.NodePlan{
		Node:            node.Name,
		Shape:           decision.Shape,
		ConfigID:        decision.Template.ConfigurationID,
		CurrentCost:     current,
		ReplacementCost: decision.HourlyPrice,
	}, nil
}

// nodeCurrentCost prices a node as it runs today, using the shape and
// lifecycle labels written at launch time.
func nodeCurrentCost(node *cluster.NodeWrapper, prices pricing.Provider) (float64, error) {
	shape := node.Labels[cluster.LabelManagedShape]
	if shape == "" {
		return 0, fmt.Errorf("node %s has no shape label", node.Name)
	}
	zone := node.Labels[cluster.LabelZone]
	if node.Labels[cluster.LabelLifecycle] == "spot" {
		return prices.SpotPrice(shape, zone)
	}
	return prices.OnDemandPrice(shape, zone)
}

// nodeNeed sums the node's workload pod requests: the replacement must be
// able to host what runs there today.
func nodeNeed(node *cluster.NodeWrapper) template.Need {
	var milliCPU, memBytes int64
	for _, p := range node.WorkloadPods() {
		for _, c := range p.Spec.Containers {
			milliCPU += c.Resources.Requests.Cpu().MilliValue()
			memBytes += c.Resources.Requests.Memory().Value()
		}
	}
	return template.Need{MilliCPU: milliCPU, MemoryMiB: memBytes / (1 << 20)}
}

func familySpread(snap *cluster.Snapshot, managedLabel string) map[string]int {
	fams := make(map[string]int)
	for _, n := range snap.Nodes {
		if managedLabel != "" && n.Labels[managedLabel] != "true" {
			continue
		}
		if shape := n.Labels[cluster.LabelManagedShape]; shape != "" {
			// Family is the shape name up to the first size separator.
			fams[familyOf(shape)]++
		}
	}
	return fams
}

func familyOf(shape string) string {
	for i, r := range shape {
		if r == '.' || r == '-' {
			return shape[:i]
		}
	}
	return shape
}
