package template

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ErrNoEligibleTemplate signals that no enabled template can serve a need.
// The caller surfaces it as an unschedulable condition and retries on the
// next cycle instead of looping.
var ErrNoEligibleTemplate = errors.New("no eligible node template")

// Need describes one scheduling demand: either an unschedulable pod with a
// concrete resource request, or a fleet top-up (zero request, any shape the
// template accepts qualifies).
type Need struct {
	MilliCPU  int64
	MemoryMiB int64
}

// PriceFunc returns the hourly price for a shape in its zone. spot selects
// the market; implementations come from pkg/pricing.
type PriceFunc func(shape Shape, spot bool) (float64, error)

// Decision is a selected template plus the concrete shape to launch.
type Decision struct {
	Template    NodeTemplate
	Shape       Shape
	Spot        bool
	HourlyPrice float64
	Score       float64
}

type Selector struct {
	Prices PriceFunc

	// FleetFamilies holds current node counts per instance family, used to
	// spread spot capacity across families when a template enables diversity.
	FleetFamilies map[string]int

	// Now anchors the fallback restore-rate check; zero means wall-clock
	// time.
	Now time.Time
}

func (sel *Selector) now() time.Time {
	if sel.Now.IsZero() {
		return time.Now()
	}
	return sel.Now
}

// Select picks the best-fit template and shape for a need. Non-default
// templates are considered first, most specific constraints first; the
// default template is a fallback only. Ties break on lower projected cost,
// then on template creation order.
func (sel *Selector) Select(need Need, snap *Snapshot, shapes []Shape) (Decision, error) {
	candidates := snap.Enabled()
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i].Constraints.specificity(), candidates[j].Constraints.specificity()
		if si != sj {
			return si > sj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var (
		best     Decision
		found    bool
		bestSpec = -1
	)
	for _, t := range candidates {
		spec := t.Constraints.specificity()
		if found && spec < bestSpec {
			break
		}
		d, err := sel.bestShape(need, t, shapes)
		if err != nil {
			continue
		}
		if !found || d.HourlyPrice < best.HourlyPrice {
			best, found, bestSpec = d, true, spec
		}
	}
	if found {
		return best, nil
	}

	def := snap.Default()
	if def.IsEnabled {
		if d, err := sel.bestShape(need, def, shapes); err == nil {
			return d, nil
		}
	}
	return Decision{}, fmt.Errorf("%w for need cpu=%dm mem=%dMiB", ErrNoEligibleTemplate, need.MilliCPU, need.MemoryMiB)
}

func (sel *Selector) bestShape(need Need, t NodeTemplate, shapes []Shape) (Decision, error) {
	var matched []Decision
	for _, s := range shapes {
		ok, score := Match(s, t.Constraints)
		if !ok {
			continue
		}
		if need.MilliCPU > 0 && int64(s.VCPU)*1000 < need.MilliCPU {
			continue
		}
		if need.MemoryMiB > 0 && s.MemoryMiB < need.MemoryMiB {
			continue
		}
		spot := sel.useSpot(s, t.Constraints)
		price, err := sel.Prices(s, spot)
		if err != nil {
			slog.Warn("no price for shape, skipping", "shape", s.Name, "zone", s.Zone, "err", err)
			continue
		}
		matched = append(matched, Decision{Template: t, Shape: s, Spot: spot, HourlyPrice: price, Score: score})
	}
	if len(matched) == 0 {
		return Decision{}, ErrNoEligibleTemplate
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].HourlyPrice != matched[j].HourlyPrice {
			return matched[i].HourlyPrice < matched[j].HourlyPrice
		}
		return matched[i].Score > matched[j].Score
	})

	if t.Constraints.EnableSpotDiversity {
		return sel.diversify(matched, t.Constraints), nil
	}
	return matched[0], nil
}

// useSpot decides which market to price a shape on. When both classes are
// allowed the spot market wins while capacity exists; a spot-only template
// with fallbacks prices on demand until spot capacity restores, and keeps
// the fallback for the restore rate after capacity returns.
func (sel *Selector) useSpot(s Shape, c Constraints) bool {
	if !c.Spot {
		return false
	}
	if !s.SpotAvailable {
		return false
	}
	if c.UseSpotFallbacks && c.FallbackRestoreRateSeconds > 0 && !s.SpotRestoredAt.IsZero() {
		restore := time.Duration(c.FallbackRestoreRateSeconds) * time.Second
		if sel.now().Sub(s.SpotRestoredAt) < restore {
			return false
		}
	}
	return true
}

// diversify trades a bounded price increase for family spread: among shapes
// priced within the configured limit of the cheapest, pick the family the
// fleet currently has the fewest of.
func (sel *Selector) diversify(sorted []Decision, c Constraints) Decision {
	cheapest := sorted[0]
	limit := cheapest.HourlyPrice * (1 + float64(c.SpotDiversityPriceIncreaseLimitPercent)/100)

	best := cheapest
	bestCount := sel.FleetFamilies[cheapest.Shape.Family]
	for _, d := range sorted[1:] {
		if d.HourlyPrice > limit {
			break
		}
		if n := sel.FleetFamilies[d.Shape.Family]; n < bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
