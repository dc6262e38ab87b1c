package template

import "slices"

// Match reports whether a shape satisfies a constraint record, together with
// a fit score in (0, 1]. The score biases toward the smallest acceptable
// shape: a shape sitting exactly on the lower bounds scores 1.0 and larger
// shapes score progressively lower. The function is pure; it runs on every
// candidate shape every cycle.
func Match(s Shape, c Constraints) (bool, float64) {
	if s.VCPU <= 0 || s.MemoryMiB <= 0 {
		return false, 0
	}
	if !pricingClassAllowed(s, c) {
		return false, 0
	}
	if c.MinCPU > 0 && s.VCPU < c.MinCPU {
		return false, 0
	}
	if c.MaxCPU > 0 && s.VCPU > c.MaxCPU {
		return false, 0
	}
	if c.MinMemoryMiB > 0 && s.MemoryMiB < c.MinMemoryMiB {
		return false, 0
	}
	if c.MaxMemoryMiB > 0 && s.MemoryMiB > c.MaxMemoryMiB {
		return false, 0
	}
	if len(c.Zones) > 0 && !slices.Contains(c.Zones, s.Zone) {
		return false, 0
	}
	if len(c.IncludeFamilies) > 0 && !slices.Contains(c.IncludeFamilies, s.Family) {
		return false, 0
	}
	if slices.Contains(c.ExcludeFamilies, s.Family) {
		return false, 0
	}
	if c.GPUOnly && s.GPUCount == 0 {
		return false, 0
	}
	if !c.GPUOnly && s.GPUCount > 0 {
		return false, 0
	}
	if heedsPrediction(s, c) {
		return false, 0
	}
	if !c.ComputeOptimized.allows(s.ComputeOptimized) {
		return false, 0
	}
	if !c.StorageOptimized.allows(s.StorageOptimized) {
		return false, 0
	}
	if !c.Burstable.allows(s.Burstable) {
		return false, 0
	}
	if !c.CustomerSpecific.allows(s.CustomerSpecific) {
		return false, 0
	}
	return true, fitScore(s, c)
}

// pricingClassAllowed checks the spot/onDemand flags against what the shape
// can currently deliver. A spot-only template with fallbacks enabled still
// accepts a shape whose spot capacity is gone, since the selector will price
// it on demand until capacity restores.
func pricingClassAllowed(s Shape, c Constraints) bool {
	if c.OnDemand {
		return true
	}
	// spot-only
	if s.SpotAvailable {
		return true
	}
	return c.UseSpotFallbacks
}

// heedsPrediction reports whether an interruption signal excludes the
// shape. A constraint may pin itself to a single prediction feed; untyped
// signals are always heeded.
func heedsPrediction(s Shape, c Constraints) bool {
	if !c.SpotInterruptionPredictionsEnabled || !s.PredictedInterruption {
		return false
	}
	if c.SpotInterruptionPredictionsType == "" || s.InterruptionSource == "" {
		return true
	}
	return c.SpotInterruptionPredictionsType == s.InterruptionSource
}

func fitScore(s Shape, c Constraints) float64 {
	cpuFloor := c.MinCPU
	if cpuFloor <= 0 {
		cpuFloor = 1
	}
	memFloor := c.MinMemoryMiB
	if memFloor <= 0 {
		memFloor = 1
	}
	cpu := float64(cpuFloor) / float64(s.VCPU)
	mem := float64(memFloor) / float64(s.MemoryMiB)
	return (cpu + mem) / 2
}
