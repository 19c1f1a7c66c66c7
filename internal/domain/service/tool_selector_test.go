package service

import (
	"context"
	"errors"
	"testing"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/tool"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
)

var assertErr = errors.New("catalog lookup failed")

// fakeToolRepository is an in-memory stand-in for repository.ToolRepository.
type fakeToolRepository struct {
	tools []*entity.CatalogTool
}

func (f *fakeToolRepository) FindByID(ctx context.Context, id string) (*entity.CatalogTool, error) {
	for _, t := range f.tools {
		if t.ID() == id {
			return t, nil
		}
	}
	return nil, nil
}

func (f *fakeToolRepository) FindByName(ctx context.Context, name string) (*entity.CatalogTool, error) {
	for _, t := range f.tools {
		if t.Name() == name {
			return t, nil
		}
	}
	return nil, nil
}

func (f *fakeToolRepository) FindByNames(ctx context.Context, names []string) ([]*entity.CatalogTool, error) {
	want := toSet(names)
	var out []*entity.CatalogTool
	for _, t := range f.tools {
		if want[t.Name()] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeToolRepository) FindAllActive(ctx context.Context) ([]*entity.CatalogTool, error) {
	var out []*entity.CatalogTool
	for _, t := range f.tools {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeToolRepository) Save(ctx context.Context, t *entity.CatalogTool) error {
	f.tools = append(f.tools, t)
	return nil
}

func (f *fakeToolRepository) Generation(ctx context.Context) (int64, error) {
	return int64(len(f.tools)), nil
}

func mustCatalogTool(t *testing.T, name string) *entity.CatalogTool {
	t.Helper()
	ct, err := entity.NewCatalogTool(name, name, "desc", "pkg:"+name, entity.ToolCategoryResearch)
	if err != nil {
		t.Fatalf("failed to build catalog tool %s: %v", name, err)
	}
	return ct
}

func selectorWithTools(t *testing.T, names ...string) *ToolSelector {
	t.Helper()
	repo := &fakeToolRepository{}
	for _, n := range names {
		repo.tools = append(repo.tools, mustCatalogTool(t, n))
	}
	return NewToolSelector(repo, nil, nil, testLogger())
}

func templateVersionWithPolicy(t *testing.T, tools []string, policy valueobject.ToolPolicy, rules []valueobject.Rule) *entity.TemplateVersion {
	t.Helper()
	settings := valueobject.TemplateSettings{
		BaseClass: valueobject.BaseClassToolCallingAgent,
		LLM:       valueobject.LLMPolicy{Model: "gpt-4o"},
		Execution: valueobject.ExecutionPolicy{MaxIterations: 20},
		Tools:     policy,
		Rules:     rules,
	}
	v, err := entity.NewTemplateVersion("tv-1", "tpl-1", 1, settings, tools)
	if err != nil {
		t.Fatalf("failed to build template version: %v", err)
	}
	return v
}

func TestToolSelector_IntersectsWithActiveCatalog(t *testing.T) {
	selector := selectorWithTools(t, "web_search")
	version := templateVersionWithPolicy(t,
		[]string{"web_search", "retired_tool"},
		valueobject.ToolPolicy{MaxToolsInPrompt: 8, SelectionStrategy: valueobject.SelectionStrategyStatic},
		nil,
	)

	names, _, err := selector.Select(context.Background(), version, RuleCounters{}, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(names) != 1 || names[0] != "web_search" {
		t.Errorf("expected only web_search (retired_tool is not in the active catalog), got %v", names)
	}
}

func TestToolSelector_DenyListWinsOverTemplateTools(t *testing.T) {
	selector := selectorWithTools(t, "web_search", "shell_exec")
	version := templateVersionWithPolicy(t,
		[]string{"web_search", "shell_exec"},
		valueobject.ToolPolicy{MaxToolsInPrompt: 8, DenyList: []string{"shell_exec"}, SelectionStrategy: valueobject.SelectionStrategyStatic},
		nil,
	)

	names, _, err := selector.Select(context.Background(), version, RuleCounters{}, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(names) != 1 || names[0] != "web_search" {
		t.Errorf("expected shell_exec denied, got %v", names)
	}
}

func TestToolSelector_AllowListIsAbsolute(t *testing.T) {
	selector := selectorWithTools(t, "web_search", "shell_exec", "file_read")
	version := templateVersionWithPolicy(t,
		[]string{"web_search", "shell_exec", "file_read"},
		valueobject.ToolPolicy{MaxToolsInPrompt: 8, AllowList: []string{"file_read"}, SelectionStrategy: valueobject.SelectionStrategyStatic},
		nil,
	)

	names, _, err := selector.Select(context.Background(), version, RuleCounters{}, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(names) != 1 || names[0] != "file_read" {
		t.Errorf("expected only file_read per allow_list, got %v", names)
	}
}

func TestToolSelector_RequiredToolsSurviveTruncation(t *testing.T) {
	selector := selectorWithTools(t, "a", "b", "c", "required_tool")
	version := templateVersionWithPolicy(t,
		[]string{"a", "b", "c", "required_tool"},
		valueobject.ToolPolicy{MaxToolsInPrompt: 2, RequiredTools: []string{"required_tool"}, SelectionStrategy: valueobject.SelectionStrategyStatic},
		nil,
	)

	names, _, err := selector.Select(context.Background(), version, RuleCounters{}, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "required_tool" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected required_tool to survive static truncation, got %v", names)
	}
}

func TestToolSelector_FallsBackToRequiredToolsWhenRulesEmptyTheSet(t *testing.T) {
	selector := selectorWithTools(t, "a", "required_tool")
	rules := []valueobject.Rule{
		{When: valueobject.RuleCondition{}, Actions: valueobject.RuleActions{Exclude: []string{"a", "required_tool"}}},
	}
	version := templateVersionWithPolicy(t,
		[]string{"a", "required_tool"},
		valueobject.ToolPolicy{MaxToolsInPrompt: 8, RequiredTools: []string{"required_tool"}, SelectionStrategy: valueobject.SelectionStrategyStatic},
		rules,
	)

	names, _, err := selector.Select(context.Background(), version, RuleCounters{}, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(names) != 1 || names[0] != "required_tool" {
		t.Errorf("expected fallback to required_tools alone, got %v", names)
	}
}

func TestToolSelector_FallsBackToFinalAnswerToolWhenNoRequiredTools(t *testing.T) {
	selector := selectorWithTools(t, "a")
	rules := []valueobject.Rule{
		{When: valueobject.RuleCondition{}, Actions: valueobject.RuleActions{Exclude: []string{"a"}}},
	}
	version := templateVersionWithPolicy(t,
		[]string{"a"},
		valueobject.ToolPolicy{MaxToolsInPrompt: 8, SelectionStrategy: valueobject.SelectionStrategyStatic},
		rules,
	)

	names, _, err := selector.Select(context.Background(), version, RuleCounters{}, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(names) != 1 || names[0] != tool.NameFinalAnswerTool {
		t.Errorf("expected fallback to [FinalAnswerTool], got %v", names)
	}
}

func TestToolSelector_PropagatesCatalogLookupErrors(t *testing.T) {
	selector := NewToolSelector(erroringToolRepository{}, nil, nil, testLogger())
	version := templateVersionWithPolicy(t,
		[]string{"a"},
		valueobject.ToolPolicy{MaxToolsInPrompt: 8, SelectionStrategy: valueobject.SelectionStrategyStatic},
		nil,
	)

	_, _, err := selector.Select(context.Background(), version, RuleCounters{}, "")
	if err == nil {
		t.Error("expected the catalog lookup failure to propagate")
	}
}

type erroringToolRepository struct{}

func (erroringToolRepository) FindByID(ctx context.Context, id string) (*entity.CatalogTool, error) {
	return nil, assertErr
}
func (erroringToolRepository) FindByName(ctx context.Context, name string) (*entity.CatalogTool, error) {
	return nil, assertErr
}
func (erroringToolRepository) FindByNames(ctx context.Context, names []string) ([]*entity.CatalogTool, error) {
	return nil, assertErr
}
func (erroringToolRepository) FindAllActive(ctx context.Context) ([]*entity.CatalogTool, error) {
	return nil, assertErr
}
func (erroringToolRepository) Save(ctx context.Context, t *entity.CatalogTool) error { return assertErr }
func (erroringToolRepository) Generation(ctx context.Context) (int64, error)         { return 0, assertErr }

func TestToolSelector_StableOrderFollowsTemplateDeclaration(t *testing.T) {
	selector := selectorWithTools(t, "c", "a", "b")
	version := templateVersionWithPolicy(t,
		[]string{"b", "a", "c"},
		valueobject.ToolPolicy{MaxToolsInPrompt: 8, SelectionStrategy: valueobject.SelectionStrategyStatic},
		nil,
	)

	names, _, err := selector.Select(context.Background(), version, RuleCounters{}, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	want := []string{"b", "a", "c"}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("position %d: got %s, want %s (full: %v)", i, names[i], n, names)
		}
	}
}
