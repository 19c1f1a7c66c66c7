package service

import (
	"testing"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
)

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func TestEvaluateRules_NoRulesMatch(t *testing.T) {
	rules := []valueobject.Rule{
		{
			ApplyTo: []valueobject.RuleApplyPhase{valueobject.ApplyPreRetrieval},
			When:    valueobject.RuleCondition{IterationGTE: intPtr(10)},
			Actions: valueobject.RuleActions{Exclude: []string{"shell_exec"}},
		},
	}
	counters := RuleCounters{Iteration: 2}
	filtered, stage := EvaluateRules(rules, valueobject.ApplyPreRetrieval, counters, []string{"shell_exec", "file_read"})

	if len(filtered) != 2 {
		t.Fatalf("expected no filtering, got %v", filtered)
	}
	if stage != "" {
		t.Errorf("expected no stage set, got %q", stage)
	}
}

func TestEvaluateRules_ExcludeAction(t *testing.T) {
	rules := []valueobject.Rule{
		{
			ApplyTo: []valueobject.RuleApplyPhase{valueobject.ApplyPreRetrieval},
			When:    valueobject.RuleCondition{SearchesUsedGTE: intPtr(3)},
			Actions: valueobject.RuleActions{Exclude: []string{"web_search"}},
		},
	}
	counters := RuleCounters{SearchesUsed: 5}
	filtered, _ := EvaluateRules(rules, valueobject.ApplyPreRetrieval, counters, []string{"web_search", "file_read"})

	if len(filtered) != 1 || filtered[0] != "file_read" {
		t.Errorf("expected [file_read], got %v", filtered)
	}
}

func TestEvaluateRules_KeepOnlyWinsOverExclude(t *testing.T) {
	rules := []valueobject.Rule{
		{
			When: valueobject.RuleCondition{},
			Actions: valueobject.RuleActions{
				KeepOnly: []string{"file_read"},
				Exclude:  []string{"file_read"},
			},
		},
	}
	filtered, _ := EvaluateRules(rules, valueobject.ApplyPreRetrieval, RuleCounters{}, []string{"file_read", "shell_exec"})

	if len(filtered) != 1 || filtered[0] != "file_read" {
		t.Errorf("keep_only should win over exclude within the same rule, got %v", filtered)
	}
}

func TestEvaluateRules_PhaseGating(t *testing.T) {
	rules := []valueobject.Rule{
		{
			ApplyTo: []valueobject.RuleApplyPhase{valueobject.ApplyPostRetrieval},
			When:    valueobject.RuleCondition{},
			Actions: valueobject.RuleActions{Exclude: []string{"file_read"}},
		},
	}
	filteredPre, _ := EvaluateRules(rules, valueobject.ApplyPreRetrieval, RuleCounters{}, []string{"file_read"})
	if len(filteredPre) != 1 {
		t.Errorf("rule scoped to post_retrieval must not apply at pre_retrieval, got %v", filteredPre)
	}

	filteredPost, _ := EvaluateRules(rules, valueobject.ApplyPostRetrieval, RuleCounters{}, []string{"file_read"})
	if len(filteredPost) != 0 {
		t.Errorf("rule scoped to post_retrieval should apply at post_retrieval, got %v", filteredPost)
	}
}

func TestEvaluateRules_StateCondition(t *testing.T) {
	rules := []valueobject.Rule{
		{
			When:    valueobject.RuleCondition{State: strPtr(string(entity.SessionWaitingForClarification))},
			Actions: valueobject.RuleActions{KeepOnly: []string{"clarification"}},
		},
	}
	filtered, _ := EvaluateRules(rules, valueobject.ApplyPreRetrieval, RuleCounters{State: entity.SessionResearching}, []string{"clarification", "shell_exec"})
	if len(filtered) != 2 {
		t.Errorf("rule gated on a different state must not apply, got %v", filtered)
	}

	filtered, _ = EvaluateRules(rules, valueobject.ApplyPreRetrieval, RuleCounters{State: entity.SessionWaitingForClarification}, []string{"clarification", "shell_exec"})
	if len(filtered) != 1 || filtered[0] != "clarification" {
		t.Errorf("expected [clarification], got %v", filtered)
	}
}

func TestEvaluateRules_LastSetStageWins(t *testing.T) {
	rules := []valueobject.Rule{
		{When: valueobject.RuleCondition{}, Actions: valueobject.RuleActions{SetStage: "research"}},
		{When: valueobject.RuleCondition{}, Actions: valueobject.RuleActions{SetStage: "finalize"}},
	}
	_, stage := EvaluateRules(rules, valueobject.ApplyPreRetrieval, RuleCounters{}, []string{"a"})
	if stage != "finalize" {
		t.Errorf("expected last non-empty set_stage to win, got %q", stage)
	}
}

func TestEvaluateRules_SequentialActionsCompose(t *testing.T) {
	rules := []valueobject.Rule{
		{When: valueobject.RuleCondition{}, Actions: valueobject.RuleActions{Exclude: []string{"a"}}},
		{When: valueobject.RuleCondition{}, Actions: valueobject.RuleActions{Exclude: []string{"b"}}},
	}
	filtered, _ := EvaluateRules(rules, valueobject.ApplyPreRetrieval, RuleCounters{}, []string{"a", "b", "c"})
	if len(filtered) != 1 || filtered[0] != "c" {
		t.Errorf("expected rules to apply in sequence over the prior result, got %v", filtered)
	}
}

func TestEvaluateRules_DoesNotMutateInputSlice(t *testing.T) {
	rules := []valueobject.Rule{
		{When: valueobject.RuleCondition{}, Actions: valueobject.RuleActions{Exclude: []string{"a"}}},
	}
	candidates := []string{"a", "b"}
	_, _ = EvaluateRules(rules, valueobject.ApplyPreRetrieval, RuleCounters{}, candidates)
	if len(candidates) != 2 || candidates[0] != "a" {
		t.Errorf("input candidates slice must not be mutated, got %v", candidates)
	}
}

func TestStableSortByTemplateOrderThenName(t *testing.T) {
	order := []string{"web_search", "file_read", "shell_exec"}
	out := stableSortByTemplateOrderThenName([]string{"shell_exec", "web_search", "unlisted_b", "unlisted_a"}, order)
	want := []string{"web_search", "shell_exec", "unlisted_a", "unlisted_b"}
	for i, name := range want {
		if out[i] != name {
			t.Errorf("position %d: got %s, want %s (full: %v)", i, out[i], name, out)
		}
	}
}
