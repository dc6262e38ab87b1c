package pricing

import "sort"

// Replacement is one proposed node swap: the hourly cost of the node as it
// runs today and the hourly cost of its intended replacement. A removal with
// no replacement has ReplacementCost 0.
type Replacement struct {
	Node            string
	CurrentCost     float64
	ReplacementCost float64
}

// Savings returns the projected cost delta of a single replacement as a
// percentage of current cost. A zero current cost is defined as 0% savings.
func Savings(r Replacement) float64 {
	if r.CurrentCost <= 0 {
		return 0
	}
	return (r.CurrentCost - r.ReplacementCost) / r.CurrentCost * 100
}

// BatchSavings computes the savings percentage for a batch of replacements.
//
// The batch figure gates rebalancing triggers, so it must be monotonic:
// adding another candidate may never lower the result. Plain aggregate
// division does not have that property (a cheap-but-mediocre candidate
// dilutes a strong batch), so candidates are ranked by individual savings and
// the best aggregate over any leading subset is reported. The engine is free
// to execute only that subset.
func BatchSavings(batch []Replacement) float64 {
	if len(batch) == 0 {
		return 0
	}
	ranked := make([]Replacement, len(batch))
	copy(ranked, batch)
	sort.SliceStable(ranked, func(i, j int) bool {
		return Savings(ranked[i]) > Savings(ranked[j])
	})

	var best, current, projected float64
	for _, r := range ranked {
		current += r.CurrentCost
		projected += r.ReplacementCost
		if current <= 0 {
			continue
		}
		if s := (current - projected) / current * 100; s > best {
			best = s
		}
	}
	return best
}
