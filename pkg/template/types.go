package template

import (
	"fmt"
	"time"
)

// OptimizationState is the tri-state toggle used by categorical shape
// attributes. "required" means a matching shape must carry the attribute,
// "disabled" means it must not, "enabled" (and the empty value) means the
// attribute is permitted but not mandated. Two conflicting "required" flags
// are not reconciled; a shape that cannot satisfy both simply never matches.
type OptimizationState string

const (
	OptimizationEnabled  OptimizationState = "enabled"
	OptimizationDisabled OptimizationState = "disabled"
	OptimizationRequired OptimizationState = "required"
)

// Interruption-prediction feeds a constraint record may pin itself to.
const (
	PredictionsAWSRebalanceRecommendations = "aws-rebalance-recommendations"
	PredictionsInterruptionModel           = "interruption-predictions"
)

func (o OptimizationState) valid() bool {
	switch o {
	case "", OptimizationEnabled, OptimizationDisabled, OptimizationRequired:
		return true
	}
	return false
}

// allows reports whether a shape attribute value passes this toggle.
func (o OptimizationState) allows(attr bool) bool {
	switch o {
	case OptimizationRequired:
		return attr
	case OptimizationDisabled:
		return !attr
	default:
		return true
	}
}

// Shape describes one candidate instance type offering in one zone.
type Shape struct {
	Name   string `yaml:"name"`
	Family string `yaml:"family"`
	Zone   string `yaml:"zone"`

	VCPU      int   `yaml:"vcpu"`
	MemoryMiB int64 `yaml:"memoryMiB"`
	GPUCount  int   `yaml:"gpuCount"`

	// SpotAvailable is false when the zone currently has no spot capacity for
	// this shape; on-demand is assumed always purchasable.
	SpotAvailable bool `yaml:"spotAvailable"`

	// SpotRestoredAt is when spot capacity last came back after an outage;
	// zero when capacity never lapsed.
	SpotRestoredAt time.Time `yaml:"spotRestoredAt"`

	// PredictedInterruption is set from live interruption-prediction signals;
	// InterruptionSource names the feed the signal came from.
	PredictedInterruption bool   `yaml:"predictedInterruption"`
	InterruptionSource    string `yaml:"interruptionSource"`

	ComputeOptimized bool `yaml:"computeOptimized"`
	StorageOptimized bool `yaml:"storageOptimized"`
	Burstable        bool `yaml:"burstable"`
	CustomerSpecific bool `yaml:"customerSpecific"`
}

type Constraints struct {
	OnDemand bool `yaml:"onDemand"`
	Spot     bool `yaml:"spot"`

	MinCPU       int   `yaml:"minCpu"`
	MaxCPU       int   `yaml:"maxCpu"`
	MinMemoryMiB int64 `yaml:"minMemoryMiB"`
	MaxMemoryMiB int64 `yaml:"maxMemoryMiB"`

	Zones []string `yaml:"zones"`

	// IncludeFamilies and ExcludeFamilies are mutually exclusive. A non-empty
	// include set is exhaustive: families outside it never match.
	IncludeFamilies []string `yaml:"includeFamilies"`
	ExcludeFamilies []string `yaml:"excludeFamilies"`

	UseSpotFallbacks           bool `yaml:"useSpotFallbacks"`
	FallbackRestoreRateSeconds int  `yaml:"fallbackRestoreRateSeconds"`

	EnableSpotDiversity                    bool `yaml:"enableSpotDiversity"`
	SpotDiversityPriceIncreaseLimitPercent int  `yaml:"spotDiversityPriceIncreaseLimitPercent"`

	SpotInterruptionPredictionsEnabled bool   `yaml:"spotInterruptionPredictionsEnabled"`
	SpotInterruptionPredictionsType    string `yaml:"spotInterruptionPredictionsType"`

	ComputeOptimized OptimizationState `yaml:"computeOptimizedState"`
	StorageOptimized OptimizationState `yaml:"storageOptimizedState"`
	Burstable        OptimizationState `yaml:"burstableInstances"`
	CustomerSpecific OptimizationState `yaml:"customerSpecific"`

	GPUOnly bool `yaml:"isGpuOnly"`
}

// Validate checks that the constraint record is well-formed. Violations are
// configuration errors: the record is rejected before the engine consumes it.
func (c Constraints) Validate() error {
	if !c.OnDemand && !c.Spot {
		return fmt.Errorf("at least one of onDemand or spot must be enabled")
	}
	if c.MinCPU < 0 || c.MaxCPU < 0 {
		return fmt.Errorf("cpu bounds must not be negative")
	}
	if c.MinCPU > 0 && c.MaxCPU > 0 && c.MinCPU > c.MaxCPU {
		return fmt.Errorf("minCpu %d exceeds maxCpu %d", c.MinCPU, c.MaxCPU)
	}
	if c.MinMemoryMiB < 0 || c.MaxMemoryMiB < 0 {
		return fmt.Errorf("memory bounds must not be negative")
	}
	if c.MinMemoryMiB > 0 && c.MaxMemoryMiB > 0 && c.MinMemoryMiB > c.MaxMemoryMiB {
		return fmt.Errorf("minMemoryMiB %d exceeds maxMemoryMiB %d", c.MinMemoryMiB, c.MaxMemoryMiB)
	}
	if len(c.IncludeFamilies) > 0 && len(c.ExcludeFamilies) > 0 {
		return fmt.Errorf("includeFamilies and excludeFamilies are mutually exclusive")
	}
	if c.FallbackRestoreRateSeconds < 0 {
		return fmt.Errorf("fallbackRestoreRateSeconds must be >= 0")
	}
	if l := c.SpotDiversityPriceIncreaseLimitPercent; l < 0 || l > 100 {
		return fmt.Errorf("spotDiversityPriceIncreaseLimitPercent must be within 0-100, got %d", l)
	}
	switch c.SpotInterruptionPredictionsType {
	case "", PredictionsAWSRebalanceRecommendations, PredictionsInterruptionModel:
	default:
		return fmt.Errorf("invalid spotInterruptionPredictionsType %q", c.SpotInterruptionPredictionsType)
	}
	for _, s := range []OptimizationState{c.ComputeOptimized, c.StorageOptimized, c.Burstable, c.CustomerSpecific} {
		if !s.valid() {
			return fmt.Errorf("invalid optimization state %q", s)
		}
	}
	return nil
}

// specificity counts the bounded dimensions of a constraint record. The
// selector prefers more specific templates when several match.
func (c Constraints) specificity() int {
	n := 0
	if c.MinCPU > 0 || c.MaxCPU > 0 {
		n++
	}
	if c.MinMemoryMiB > 0 || c.MaxMemoryMiB > 0 {
		n++
	}
	if len(c.Zones) > 0 {
		n++
	}
	if len(c.IncludeFamilies) > 0 || len(c.ExcludeFamilies) > 0 {
		n++
	}
	if !(c.OnDemand && c.Spot) {
		n++
	}
	if c.GPUOnly {
		n++
	}
	for _, s := range []OptimizationState{c.ComputeOptimized, c.StorageOptimized, c.Burstable, c.CustomerSpecific} {
		if s == OptimizationRequired || s == OptimizationDisabled {
			n++
		}
	}
	return n
}

type NodeTemplate struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	IsDefault bool   `yaml:"isDefault"`
	IsEnabled bool   `yaml:"isEnabled"`

	// CustomLabels are applied to nodes provisioned from this template.
	CustomLabels map[string]string `yaml:"customLabels"`

	// ConfigurationID links the cloud-specific launch parameters consumed by
	// the provisioner; the engine never evaluates them.
	ConfigurationID string `yaml:"configurationID"`

	ShouldTaint bool `yaml:"shouldTaint"`

	Constraints Constraints `yaml:"constraints"`

	CreatedAt time.Time `yaml:"createdAt"`
}

// Snapshot is a versioned, immutable view of the cluster's templates. The
// engine treats the latest snapshot as ground truth each cycle; in-flight
// campaigns keep the copy they were launched with.
type Snapshot struct {
	Version   string
	templates []NodeTemplate
}

// NewSnapshot validates the template set and freezes it. Exactly one
// template may be the default.
func NewSnapshot(version string, templates []NodeTemplate) (*Snapshot, error) {
	defaults := 0
	seen := make(map[string]struct{}, len(templates))
	for _, t := range templates {
		if t.Name == "" {
			return nil, fmt.Errorf("template %q: name is required", t.ID)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("duplicate template name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.IsDefault {
			defaults++
		}
		if err := t.Constraints.Validate(); err != nil {
			return nil, fmt.Errorf("template %q: %w", t.Name, err)
		}
	}
	if defaults != 1 {
		return nil, fmt.Errorf("exactly one default template required, found %d", defaults)
	}
	cp := make([]NodeTemplate, len(templates))
	copy(cp, templates)
	return &Snapshot{Version: version, templates: cp}, nil
}

// Templates returns a copy of the template set.
func (s *Snapshot) Templates() []NodeTemplate {
	cp := make([]NodeTemplate, len(s.templates))
	copy(cp, s.templates)
	return cp
}

// Default returns the cluster's default template.
func (s *Snapshot) Default() NodeTemplate {
	for _, t := range s.templates {
		if t.IsDefault {
			return t
		}
	}
	// NewSnapshot guarantees one default exists.
	return NodeTemplate{}
}

// Enabled returns the enabled non-default templates.
func (s *Snapshot) Enabled() []NodeTemplate {
	var out []NodeTemplate
	for _, t := range s.templates {
		if t.IsEnabled && !t.IsDefault {
			out = append(out, t)
		}
	}
	return out
}
