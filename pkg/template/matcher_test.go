package template_test

import (
	"testing"

	"github.com/docent-net/cluster-rebalancer/pkg/template"
)

func shape(name string, vcpu int, memMiB int64) template.Shape {
	return template.Shape{Name: name, Family: "m5", Zone: "zone-a", VCPU: vcpu, MemoryMiB: memMiB, SpotAvailable: true}
}

func onDemandOnly() template.Constraints {
	return template.Constraints{OnDemand: true}
}

func TestMatch_CPUAndMemoryBounds(t *testing.T) {
	c := onDemandOnly()
	c.MinCPU = 2
	c.MaxCPU = 8
	c.MinMemoryMiB = 4096
	c.MaxMemoryMiB = 16384

	cases := []struct {
		name string
		s    template.Shape
		want bool
	}{
		{"on lower bounds", shape("a", 2, 4096), true},
		{"on upper bounds", shape("b", 8, 16384), true},
		{"cpu below min", shape("c", 1, 8192), false},
		{"cpu above max", shape("d", 16, 8192), false},
		{"mem below min", shape("e", 4, 2048), false},
		{"mem above max", shape("f", 4, 32768), false},
	}
	for _, tc := range cases {
		if got, _ := template.Match(tc.s, c); got != tc.want {
			t.Errorf("%s: Match = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMatch_UnsetBoundsMatchEverything(t *testing.T) {
	c := onDemandOnly()
	if ok, _ := template.Match(shape("tiny", 1, 512), c); !ok {
		t.Errorf("expected unconstrained match for tiny shape")
	}
	if ok, _ := template.Match(shape("huge", 96, 1<<20), c); !ok {
		t.Errorf("expected unconstrained match for huge shape")
	}
}

func TestMatch_RejectsInvalidShape(t *testing.T) {
	c := onDemandOnly()
	if ok, _ := template.Match(template.Shape{Name: "zero"}, c); ok {
		t.Errorf("shape with zero resources must never match")
	}
}

func TestMatch_ZonesAndFamilies(t *testing.T) {
	s := shape("a", 4, 8192)

	c := onDemandOnly()
	c.Zones = []string{"zone-b"}
	if ok, _ := template.Match(s, c); ok {
		t.Errorf("zone outside the allowed set must not match")
	}

	c = onDemandOnly()
	c.IncludeFamilies = []string{"c5"}
	if ok, _ := template.Match(s, c); ok {
		t.Errorf("include set is exhaustive; family m5 must not match")
	}

	c = onDemandOnly()
	c.ExcludeFamilies = []string{"m5"}
	if ok, _ := template.Match(s, c); ok {
		t.Errorf("excluded family must not match")
	}
}

func TestMatch_GPUOnlyIsSymmetric(t *testing.T) {
	gpu := shape("gpu", 8, 32768)
	gpu.GPUCount = 4
	plain := shape("plain", 8, 32768)

	c := onDemandOnly()
	c.GPUOnly = true
	if ok, _ := template.Match(plain, c); ok {
		t.Errorf("gpu-only constraint must reject shapes without GPUs")
	}
	if ok, _ := template.Match(gpu, c); !ok {
		t.Errorf("gpu-only constraint must accept GPU shapes")
	}

	c.GPUOnly = false
	if ok, _ := template.Match(gpu, c); ok {
		t.Errorf("non-gpu constraint must reject GPU shapes")
	}
}

func TestMatch_SpotOnlyAndFallbacks(t *testing.T) {
	noSpot := shape("a", 4, 8192)
	noSpot.SpotAvailable = false

	c := template.Constraints{Spot: true}
	if ok, _ := template.Match(noSpot, c); ok {
		t.Errorf("spot-only without fallbacks must reject shapes with no spot capacity")
	}

	c.UseSpotFallbacks = true
	if ok, _ := template.Match(noSpot, c); !ok {
		t.Errorf("spot fallbacks must admit the shape for on-demand pricing")
	}
}

func TestMatch_InterruptionPredictions(t *testing.T) {
	risky := shape("a", 4, 8192)
	risky.PredictedInterruption = true

	c := template.Constraints{Spot: true, SpotInterruptionPredictionsEnabled: true}
	if ok, _ := template.Match(risky, c); ok {
		t.Errorf("predicted interruption must exclude the shape when predictions are enabled")
	}

	c.SpotInterruptionPredictionsEnabled = false
	if ok, _ := template.Match(risky, c); !ok {
		t.Errorf("predictions disabled must not exclude the shape")
	}
}

func TestMatch_InterruptionPredictionsPinnedToFeed(t *testing.T) {
	risky := shape("a", 4, 8192)
	risky.PredictedInterruption = true
	risky.InterruptionSource = template.PredictionsInterruptionModel

	c := template.Constraints{
		Spot:                               true,
		SpotInterruptionPredictionsEnabled: true,
		SpotInterruptionPredictionsType:    template.PredictionsAWSRebalanceRecommendations,
	}
	if ok, _ := template.Match(risky, c); !ok {
		t.Errorf("a signal from another feed must be ignored when the constraint pins a feed")
	}

	risky.InterruptionSource = template.PredictionsAWSRebalanceRecommendations
	if ok, _ := template.Match(risky, c); ok {
		t.Errorf("a signal from the pinned feed must exclude the shape")
	}

	risky.InterruptionSource = ""
	if ok, _ := template.Match(risky, c); ok {
		t.Errorf("an untyped signal must always be heeded")
	}
}

func TestMatch_OptimizationStates(t *testing.T) {
	co := shape("a", 4, 8192)
	co.ComputeOptimized = true
	plain := shape("b", 4, 8192)

	c := onDemandOnly()
	c.ComputeOptimized = template.OptimizationRequired
	if ok, _ := template.Match(plain, c); ok {
		t.Errorf("required attribute must reject shapes without it")
	}
	if ok, _ := template.Match(co, c); !ok {
		t.Errorf("required attribute must accept shapes with it")
	}

	c.ComputeOptimized = template.OptimizationDisabled
	if ok, _ := template.Match(co, c); ok {
		t.Errorf("disabled attribute must reject shapes with it")
	}

	c.ComputeOptimized = template.OptimizationEnabled
	if ok, _ := template.Match(co, c); !ok {
		t.Errorf("enabled attribute must accept either")
	}
	if ok, _ := template.Match(plain, c); !ok {
		t.Errorf("enabled attribute must accept either")
	}
}

func TestMatch_ConflictingRequiredStatesNeverMatch(t *testing.T) {
	c := onDemandOnly()
	c.ComputeOptimized = template.OptimizationRequired
	c.Burstable = template.OptimizationRequired

	// No shape in the catalog is both; every candidate is rejected rather
	// than the conflict being reconciled.
	co := shape("a", 4, 8192)
	co.ComputeOptimized = true
	burst := shape("b", 4, 8192)
	burst.Burstable = true

	if ok, _ := template.Match(co, c); ok {
		t.Errorf("shape missing a required attribute must not match")
	}
	if ok, _ := template.Match(burst, c); ok {
		t.Errorf("shape missing a required attribute must not match")
	}
}

func TestMatch_FitScorePrefersSmallestAcceptable(t *testing.T) {
	c := onDemandOnly()
	c.MinCPU = 2
	c.MinMemoryMiB = 4096

	_, exact := template.Match(shape("exact", 2, 4096), c)
	_, bigger := template.Match(shape("bigger", 8, 16384), c)

	if exact != 1.0 {
		t.Errorf("shape on the lower bounds should score 1.0, got %v", exact)
	}
	if bigger >= exact {
		t.Errorf("larger shape must score lower: %v >= %v", bigger, exact)
	}
}
