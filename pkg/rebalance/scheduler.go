package rebalance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron"
	"k8s.io/utils/clock"

	"github.com/docent-net/cluster-rebalancer/pkg/metrics"
)

// Launcher executes a triggered campaign. Implemented by the Coordinator.
type Launcher interface {
	Execute(ctx context.Context, c *Campaign) (*CampaignReport, error)
}

// SavingsFunc returns the projected fleet savings percentage for the current
// snapshot, used to evaluate trigger conditions.
type SavingsFunc func(ctx context.Context) (float64, error)

// FireResult says what a single schedule fire did.
type FireResult struct {
	Launched bool
	Skipped  string
	Report   *CampaignReport
}

const (
	skipReasonActive    = "campaign-active"
	skipReasonSavings   = "savings-below-threshold"
	skipReasonEstimator = "savings-estimate-failed"
	skipReasonUnknown   = "unknown-schedule"
)

// Scheduler evaluates cron triggers and launches campaigns. A schedule has
// at most one active campaign; a fire that lands while one is running is
// skipped and logged, never queued.
type Scheduler struct {
	Registry *Registry
	Savings  SavingsFunc
	Launcher Launcher
	Clock    clock.PassiveClock

	mu       sync.Mutex
	active   map[string]*Campaign
	lastScan time.Time
	seq      int
}

func NewScheduler(registry *Registry, savings SavingsFunc, launcher Launcher, clk clock.PassiveClock) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		Registry: registry,
		Savings:  savings,
		Launcher: launcher,
		Clock:    clk,
		active:   make(map[string]*Campaign),
		lastScan: clk.Now(),
	}
}

// Run scans for due cron fires until the context is cancelled. Cron has
// minute granularity, so a sub-minute scan interval never misses a fire.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.dueSchedules() {
				go func() {
					if _, err := s.Fire(ctx, id); err != nil {
						slog.Error("campaign execution failed", "schedule", id, "err", err)
					}
				}()
			}
		}
	}
}

// dueSchedules returns the IDs of schedules whose cron fired since the last
// scan. Validation at acceptance time guarantees the expressions parse.
func (s *Scheduler) dueSchedules() []string {
	now := s.Clock.Now()
	s.mu.Lock()
	last := s.lastScan
	s.lastScan = now
	s.mu.Unlock()

	var due []string
	for _, sched := range s.Registry.All() {
		spec, err := cron.ParseStandard(sched.Cron)
		if err != nil {
			continue
		}
		if next := spec.Next(last); !next.After(now) {
			due = append(due, sched.ID)
		}
	}
	return due
}

// Fire evaluates trigger conditions for one schedule and, when they hold,
// runs a campaign to completion. Safe for concurrent use across schedules.
func (s *Scheduler) Fire(ctx context.Context, scheduleID string) (FireResult, error) {
	sched, ok := s.Registry.ByID(scheduleID)
	if !ok {
		return FireResult{Skipped: skipReasonUnknown}, nil
	}

	s.mu.Lock()
	if running, exists := s.active[scheduleID]; exists {
		s.mu.Unlock()
		slog.Info("Skipping schedule fire; campaign still active",
			"schedule", sched.Name, "campaign", running.ID)
		metrics.CampaignsSkipped.WithLabelValues(skipReasonActive).Inc()
		return FireResult{Skipped: skipReasonActive}, nil
	}
	// Reserve the slot before the (slow) savings estimate so a concurrent
	// fire cannot race past the single-campaign check.
	s.seq++
	campaign := newCampaign(s.seq, sched, s.Clock.Now())
	s.active[scheduleID] = campaign
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.active, scheduleID)
		s.mu.Unlock()
	}

	projected, err := s.Savings(ctx)
	if err != nil {
		release()
		slog.Warn("Savings estimate failed; skipping fire", "schedule", sched.Name, "err", err)
		metrics.CampaignsSkipped.WithLabelValues(skipReasonEstimator).Inc()
		return FireResult{Skipped: skipReasonEstimator}, nil
	}
	if projected < sched.TriggerConditions.SavingsPercentage {
		release()
		slog.Info("Projected savings below trigger threshold; skipping fire",
			"schedule", sched.Name,
			"projected", projected,
			"threshold", sched.TriggerConditions.SavingsPercentage,
		)
		metrics.CampaignsSkipped.WithLabelValues(skipReasonSavings).Inc()
		return FireResult{Skipped: skipReasonSavings}, nil
	}

	metrics.CampaignsLaunched.Inc()
	slog.Info("Launching rebalancing campaign",
		"schedule", sched.Name, "campaign", campaign.ID, "projectedSavings", projected)

	defer release()
	report, err := s.Launcher.Execute(ctx, campaign)
	if err != nil {
		return FireResult{Launched: true, Report: report}, err
	}
	return FireResult{Launched: true, Report: report}, nil
}

// ActiveCampaign returns the running campaign for a schedule, if any.
func (s *Scheduler) ActiveCampaign(scheduleID string) (*Campaign, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.active[scheduleID]
	return c, ok
}
