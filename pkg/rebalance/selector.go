package rebalance

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Selector operators, matching the affinity-style predicate grammar the
// configuration layer emits.
const (
	OperatorIn           = "in"
	OperatorNotIn        = "notIn"
	OperatorExists       = "exists"
	OperatorDoesNotExist = "doesNotExist"
)

type MatchExpression struct {
	Key      string   `yaml:"key" json:"key"`
	Operator string   `yaml:"operator" json:"operator"`
	Values   []string `yaml:"values" json:"values"`
}

// Term groups expressions that must all hold (AND).
type Term struct {
	MatchExpressions []MatchExpression `yaml:"matchExpressions" json:"matchExpressions"`
}

// NodeSelector is a structured node predicate: terms are OR'd, expressions
// within a term are AND'd. An empty selector matches everything.
type NodeSelector struct {
	NodeSelectorTerms []Term `yaml:"nodeSelectorTerms" json:"nodeSelectorTerms"`
}

// ParseSelector accepts the JSON document form produced by the configuration
// layer.
func ParseSelector(data []byte) (*NodeSelector, error) {
	var sel NodeSelector
	if err := json.Unmarshal(data, &sel); err != nil {
		return nil, fmt.Errorf("parsing node selector: %w", err)
	}
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return &sel, nil
}

func (s *NodeSelector) Validate() error {
	for _, term := range s.NodeSelectorTerms {
		for _, expr := range term.MatchExpressions {
			if expr.Key == "" {
				return fmt.Errorf("matchExpression key is required")
			}
			switch normalizeOperator(expr.Operator) {
			case OperatorIn, OperatorNotIn:
				if len(expr.Values) == 0 {
					return fmt.Errorf("operator %q on key %q requires values", expr.Operator, expr.Key)
				}
			case OperatorExists, OperatorDoesNotExist:
				if len(expr.Values) > 0 {
					return fmt.Errorf("operator %q on key %q takes no values", expr.Operator, expr.Key)
				}
			default:
				return fmt.Errorf("unknown selector operator %q", expr.Operator)
			}
		}
	}
	return nil
}

// Matches evaluates the selector against a node's labels. A nil selector or
// one with no terms matches every node.
func (s *NodeSelector) Matches(labels map[string]string) bool {
	if s == nil || len(s.NodeSelectorTerms) == 0 {
		return true
	}
	for _, term := range s.NodeSelectorTerms {
		if termMatches(term, labels) {
			return true
		}
	}
	return false
}

func termMatches(term Term, labels map[string]string) bool {
	for _, expr := range term.MatchExpressions {
		val, exists := labels[expr.Key]
		switch normalizeOperator(expr.Operator) {
		case OperatorIn:
			if !exists || !slices.Contains(expr.Values, val) {
				return false
			}
		case OperatorNotIn:
			if exists && slices.Contains(expr.Values, val) {
				return false
			}
		case OperatorExists:
			if !exists {
				return false
			}
		case OperatorDoesNotExist:
			if exists {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func normalizeOperator(op string) string {
	switch strings.ToLower(op) {
	case "in":
		return OperatorIn
	case "notin":
		return OperatorNotIn
	case "exists":
		return OperatorExists
	case "doesnotexist":
		return OperatorDoesNotExist
	}
	return op
}
