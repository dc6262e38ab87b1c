package rebalance

import (
	"fmt"
	"time"
)

// Outcome classifies what happened to one targeted node.
type Outcome string

const (
	OutcomeReplaced       Outcome = "replaced"
	OutcomeSkippedSavings Outcome = "skipped-savings-floor"
	OutcomeSkippedLease   Outcome = "skipped-lease-held"
	OutcomeDrainTimeout   Outcome = "drain-timeout"
	OutcomeStuck          Outcome = "stuck"
	OutcomeCancelled      Outcome = "cancelled"
)

type NodeResult struct {
	Node    string
	Outcome Outcome
	Err     error
}

// CampaignReport is the audit record of one campaign execution.
type CampaignReport struct {
	CampaignID string
	ScheduleID string

	// Aborted is set when fewer than rebalancingMinNodes nodes qualified.
	// An aborted campaign makes zero provisioning calls; it is a normal
	// outcome, not an error.
	Aborted       bool
	AbortedReason string

	Eligible int
	Results  []NodeResult
}

func (r *CampaignReport) Replaced() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeReplaced {
			n++
		}
	}
	return n
}

// Campaign is one execution of a schedule's launch configuration. It holds
// an immutable copy of the configuration active at launch time; schedule
// edits never reach a campaign in flight.
type Campaign struct {
	ID         string
	ScheduleID string
	Config     LaunchConfiguration
	StartedAt  time.Time
}

func newCampaign(seq int, s Schedule, now time.Time) *Campaign {
	return &Campaign{
		ID:         fmt.Sprintf("%s-%d", s.ID, seq),
		ScheduleID: s.ID,
		Config:     cloneLaunchConfiguration(s.LaunchConfiguration),
		StartedAt:  now,
	}
}

// cloneLaunchConfiguration deep-copies the configuration so later schedule
// edits cannot leak into a running campaign through shared pointers.
func cloneLaunchConfiguration(lc LaunchConfiguration) LaunchConfiguration {
	cp := lc
	if lc.Selector != nil {
		sel := NodeSelector{NodeSelectorTerms: make([]Term, len(lc.Selector.NodeSelectorTerms))}
		for i, term := range lc.Selector.NodeSelectorTerms {
			exprs := make([]MatchExpression, len(term.MatchExpressions))
			for j, e := range term.MatchExpressions {
				exprs[j] = MatchExpression{Key: e.Key, Operator: e.Operator, Values: append([]string(nil), e.Values...)}
			}
			sel.NodeSelectorTerms[i] = Term{MatchExpressions: exprs}
		}
		cp.Selector = &sel
	}
	return cp
}
