package service

import (
	"sort"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
)

// RuleCounters is the subset of a session's context snapshot the Rules
// Engine evaluates conditions against (§4.5).
type RuleCounters struct {
	Iteration          int
	SearchesUsed       int
	ClarificationsUsed int
	State              entity.SessionState
}

// EvaluateRules is the pure function §4.5 specifies: it applies rules whose
// ApplyTo includes phase, in declaration order, each transforming
// candidates. keep_only wins over exclude within the same rule. The
// returned stage is the last non-empty set_stage seen, or "" if none fired.
func EvaluateRules(rules []valueobject.Rule, phase valueobject.RuleApplyPhase, counters RuleCounters, candidates []string) (filtered []string, stage string) {
	filtered = append([]string(nil), candidates...)
	for _, rule := range rules {
		if !appliesToPhase(rule, phase) {
			continue
		}
		if !conditionHolds(rule.When, counters) {
			continue
		}
		filtered = applyActions(rule.Actions, filtered)
		if rule.Actions.SetStage != "" {
			stage = rule.Actions.SetStage
		}
	}
	return filtered, stage
}

func appliesToPhase(rule valueobject.Rule, phase valueobject.RuleApplyPhase) bool {
	if len(rule.ApplyTo) == 0 {
		return true
	}
	for _, p := range rule.ApplyTo {
		if p == phase {
			return true
		}
	}
	return false
}

// conditionHolds evaluates the conjunction of a rule's when-clause.
// Unspecified conditions trivially hold.
func conditionHolds(when valueobject.RuleCondition, c RuleCounters) bool {
	if when.IterationGTE != nil && c.Iteration < *when.IterationGTE {
		return false
	}
	if when.SearchesUsedGTE != nil && c.SearchesUsed < *when.SearchesUsedGTE {
		return false
	}
	if when.ClarificationsUsedGTE != nil && c.ClarificationsUsed < *when.ClarificationsUsedGTE {
		return false
	}
	if when.State != nil && string(c.State) != *when.State {
		return false
	}
	return true
}

func applyActions(actions valueobject.RuleActions, candidates []string) []string {
	if len(actions.KeepOnly) > 0 {
		keep := toSet(actions.KeepOnly)
		out := make([]string, 0, len(candidates))
		for _, name := range candidates {
			if keep[name] {
				out = append(out, name)
			}
		}
		return out
	}
	if len(actions.Exclude) > 0 {
		exclude := toSet(actions.Exclude)
		out := make([]string, 0, len(candidates))
		for _, name := range candidates {
			if !exclude[name] {
				out = append(out, name)
			}
		}
		return out
	}
	return candidates
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// stableSortByTemplateOrderThenName breaks ties the way §4.4 requires: a
// tool's position in the template version's declared tool list, then
// lexicographic name.
func stableSortByTemplateOrderThenName(names []string, templateOrder []string) []string {
	rank := make(map[string]int, len(templateOrder))
	for i, n := range templateOrder {
		rank[n] = i
	}
	out := append([]string(nil), names...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i]]
		rj, jok := rank[out[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		case jok:
			return false
		default:
			return out[i] < out[j]
		}
	})
	return out
}
