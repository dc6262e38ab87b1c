package rebalance

import (
	"fmt"
	"sync"

	"github.com/robfig/cron"
)

// TriggerConditions gates a schedule fire: a campaign launches only when the
// projected fleet savings reach the threshold.
type TriggerConditions struct {
	SavingsPercentage float64 `yaml:"savingsPercentage"`
}

// ExecutionConditions re-check realized savings per node right before that
// node's replacement executes.
type ExecutionConditions struct {
	Enabled                   bool    `yaml:"enabled"`
	AchievedSavingsPercentage float64 `yaml:"achievedSavingsPercentage"`
}

// LaunchConfiguration governs how a campaign replaces nodes.
type LaunchConfiguration struct {
	// NodeTTLSeconds bounds each node's drain; 0 means no forced deadline.
	NodeTTLSeconds int `yaml:"nodeTtlSeconds"`

	// NumTargetedNodes caps how many nodes one campaign replaces; 0 targets
	// all eligible nodes.
	NumTargetedNodes int `yaml:"numTargetedNodes"`

	// RebalancingMinNodes aborts the campaign when fewer nodes qualify.
	RebalancingMinNodes int `yaml:"rebalancingMinNodes"`

	EvictGracefully bool `yaml:"evictGracefully"`

	// Selector restricts eligible nodes; empty matches every node.
	Selector *NodeSelector `yaml:"selector"`

	KeepDrainTimeoutNodes bool `yaml:"keepDrainTimeoutNodes"`

	ExecutionConditions ExecutionConditions `yaml:"executionConditions"`
}

// Schedule is a cron-driven rebalancing trigger. Its identity (ID) survives
// edits to cron, trigger, or launch configuration.
type Schedule struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	Cron string `yaml:"cron"`

	TriggerConditions   TriggerConditions   `yaml:"triggerConditions"`
	LaunchConfiguration LaunchConfiguration `yaml:"launchConfiguration"`
}

// Validate rejects a malformed schedule at acceptance time so the fire loop
// never sees a parse error.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if _, err := cron.ParseStandard(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
	}
	if p := s.TriggerConditions.SavingsPercentage; p < 0 || p > 100 {
		return fmt.Errorf("triggerConditions.savingsPercentage must be within 0-100, got %v", p)
	}
	lc := s.LaunchConfiguration
	if lc.NodeTTLSeconds < 0 {
		return fmt.Errorf("launchConfiguration.nodeTtlSeconds must be >= 0")
	}
	if lc.NumTargetedNodes < 0 {
		return fmt.Errorf("launchConfiguration.numTargetedNodes must be >= 0")
	}
	if lc.RebalancingMinNodes < 0 {
		return fmt.Errorf("launchConfiguration.rebalancingMinNodes must be >= 0")
	}
	if p := lc.ExecutionConditions.AchievedSavingsPercentage; p < 0 || p > 100 {
		return fmt.Errorf("executionConditions.achievedSavingsPercentage must be within 0-100, got %v", p)
	}
	if lc.Selector != nil {
		if err := lc.Selector.Validate(); err != nil {
			return fmt.Errorf("launchConfiguration.selector: %w", err)
		}
	}
	return nil
}

// Registry holds the cluster's schedules, unique by name, addressable by ID
// or name. Updates preserve identity and only affect future fires; in-flight
// campaigns keep their launch-time snapshot.
type Registry struct {
	mu        sync.RWMutex
	schedules map[string]Schedule
	byName    map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		schedules: make(map[string]Schedule),
		byName:    make(map[string]string),
	}
}

func (r *Registry) Add(s Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == "" {
		return fmt.Errorf("schedule ID is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schedules[s.ID]; exists {
		return fmt.Errorf("schedule %q already exists", s.ID)
	}
	if _, taken := r.byName[s.Name]; taken {
		return fmt.Errorf("schedule name %q already in use", s.Name)
	}
	r.schedules[s.ID] = s
	r.byName[s.Name] = s.ID
	return nil
}

// Update replaces an existing schedule's cron, trigger, and launch
// configuration. Renames are allowed as long as the new name is free.
func (r *Registry) Update(s Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old, exists := r.schedules[s.ID]
	if !exists {
		return fmt.Errorf("schedule %q not found", s.ID)
	}
	if id, taken := r.byName[s.Name]; taken && id != s.ID {
		return fmt.Errorf("schedule name %q already in use", s.Name)
	}
	delete(r.byName, old.Name)
	r.schedules[s.ID] = s
	r.byName[s.Name] = s.ID
	return nil
}

func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.schedules[id]; ok {
		delete(r.byName, s.Name)
		delete(r.schedules, id)
	}
}

func (r *Registry) ByID(id string) (Schedule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[id]
	return s, ok
}

func (r *Registry) ByName(name string) (Schedule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Schedule{}, false
	}
	return r.schedules[id], true
}

func (r *Registry) All() []Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		out = append(out, s)
	}
	return out
}

// Replace swaps the whole schedule set for a fresh configuration snapshot.
// Every schedule must validate; on any failure the registry is unchanged.
func (r *Registry) Replace(schedules []Schedule) error {
	next := make(map[string]Schedule, len(schedules))
	names := make(map[string]string, len(schedules))
	for _, s := range schedules {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		if s.ID == "" {
			return fmt.Errorf("schedule %q: ID is required", s.Name)
		}
		if _, dup := next[s.ID]; dup {
			return fmt.Errorf("duplicate schedule ID %q", s.ID)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		next[s.ID] = s
		names[s.Name] = s.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules = next
	r.byName = names
	return nil
}
