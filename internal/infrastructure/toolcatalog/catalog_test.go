package toolcatalog

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/tool"
)

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

// fakeToolRepository is an in-memory stand-in for repository.ToolRepository.
type fakeToolRepository struct {
	mu         sync.Mutex
	tools      map[string]*entity.CatalogTool
	generation int64
}

func newFakeToolRepository(tools ...*entity.CatalogTool) *fakeToolRepository {
	m := make(map[string]*entity.CatalogTool, len(tools))
	for _, t := range tools {
		m[t.Name()] = t
	}
	return &fakeToolRepository{tools: m, generation: 1}
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
	f.mu.Lock()
	defer f.mu.Unlock()
	// Case-insensitive, like GormToolRepository.FindByName.
	for n, t := range f.tools {
		if strings.EqualFold(n, name) {
			return t, nil
		}
	}
	return nil, nil
}

func (f *fakeToolRepository) FindByNames(ctx context.Context, names []string) ([]*entity.CatalogTool, error) {
	var out []*entity.CatalogTool
	for _, n := range names {
		if t, ok := f.tools[n]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeToolRepository) FindAllActive(ctx context.Context) ([]*entity.CatalogTool, error) {
	var out []*entity.CatalogTool
	for _, t := range f.tools {
		if t.Active() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeToolRepository) Save(ctx context.Context, t *entity.CatalogTool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools[t.Name()] = t
	f.generation++
	return nil
}

func (f *fakeToolRepository) Generation(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation, nil
}

// fakeExecutionRepository is an in-memory stand-in for repository.ToolExecutionRepository.
type fakeExecutionRepository struct {
	mu         sync.Mutex
	okCounts   map[string]int
	lastCallAt map[string]int64
}

func newFakeExecutionRepository() *fakeExecutionRepository {
	return &fakeExecutionRepository{okCounts: make(map[string]int), lastCallAt: make(map[string]int64)}
}

func (f *fakeExecutionRepository) Create(ctx context.Context, exec *entity.ToolExecution) error { return nil }
func (f *fakeExecutionRepository) Finish(ctx context.Context, id string, status entity.ToolExecutionStatus, result string) error {
	return nil
}

func (f *fakeExecutionRepository) CountOK(ctx context.Context, sessionID, toolName string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.okCounts[sessionID+"/"+toolName], nil
}

func (f *fakeExecutionRepository) LastCallAt(ctx context.Context, sessionID, toolName string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCallAt[sessionID+"/"+toolName], nil
}

func (f *fakeExecutionRepository) setOK(sessionID, toolName string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.okCounts[sessionID+"/"+toolName] = n
}

func (f *fakeExecutionRepository) setLastCallAt(sessionID, toolName string, unixSec int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCallAt[sessionID+"/"+toolName] = unixSec
}

// stubTool is a minimal domain/tool.Tool fixture.
type stubTool struct {
	name   string
	delay  time.Duration
	err    error
	output string
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Kind() tool.Kind     { return tool.KindSearch }
func (s *stubTool) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) (*tool.Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &tool.Result{Success: true, Output: s.output}, nil
}

func mustCatalogTool(t *testing.T, name string) *entity.CatalogTool {
	t.Helper()
	ct, err := entity.NewCatalogTool(name, name, "desc", "pkg:"+name, entity.ToolCategoryResearch)
	if err != nil {
		t.Fatalf("failed to build catalog tool: %v", err)
	}
	return ct
}

func TestResolve_CachesBindingAcrossCalls(t *testing.T) {
	toolRepo := newFakeToolRepository(mustCatalogTool(t, "web_search"))
	registry := tool.NewInMemoryRegistry()
	registry.Register(&stubTool{name: "web_search", output: "results"})
	cat := New(toolRepo, newFakeExecutionRepository(), registry, testLogger())

	ct1, exec1, _, err := cat.Resolve(context.Background(), "web_search")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	ct2, exec2, _, err := cat.Resolve(context.Background(), "web_search")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if ct1 != ct2 || exec1 != exec2 {
		t.Error("expected the cached binding to be returned on a repeat Resolve")
	}
}

func TestResolve_CaseInsensitiveLookup(t *testing.T) {
	toolRepo := newFakeToolRepository(mustCatalogTool(t, "WebSearch"))
	registry := tool.NewInMemoryRegistry()
	registry.Register(&stubTool{name: "WebSearch"})
	cat := New(toolRepo, newFakeExecutionRepository(), registry, testLogger())

	_, _, _, err := cat.Resolve(context.Background(), "websearch")
	if err != nil {
		t.Errorf("expected case-insensitive resolution to succeed, got %v", err)
	}
}

func TestResolve_RejectsInactiveTool(t *testing.T) {
	ct := entity.ReconstructCatalogTool("retired", "retired", "desc", "pkg:retired",
		map[string]interface{}{}, nil, entity.ToolCategoryResearch, false, 0, 0, 0, time.Now(), time.Now())
	toolRepo := newFakeToolRepository(ct)
	registry := tool.NewInMemoryRegistry()
	registry.Register(&stubTool{name: "retired"})
	cat := New(toolRepo, newFakeExecutionRepository(), registry, testLogger())

	_, _, _, err := cat.Resolve(context.Background(), "retired")
	if err == nil {
		t.Error("expected an error resolving an inactive tool")
	}
}

func TestResolve_ErrorsWhenNoLocalExecutorBound(t *testing.T) {
	toolRepo := newFakeToolRepository(mustCatalogTool(t, "orphaned"))
	registry := tool.NewInMemoryRegistry()
	cat := New(toolRepo, newFakeExecutionRepository(), registry, testLogger())

	_, _, _, err := cat.Resolve(context.Background(), "orphaned")
	if err == nil {
		t.Error("expected an error when the catalog entry has no matching registered executor")
	}
}

func TestInvalidate_ForcesReResolutionOnNextCall(t *testing.T) {
	toolRepo := newFakeToolRepository(mustCatalogTool(t, "web_search"))
	registry := tool.NewInMemoryRegistry()
	registry.Register(&stubTool{name: "web_search"})
	cat := New(toolRepo, newFakeExecutionRepository(), registry, testLogger())

	if _, _, _, err := cat.Resolve(context.Background(), "web_search"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	cat.Invalidate()

	before := toolRepo.generation
	if _, _, _, err := cat.Resolve(context.Background(), "web_search"); err != nil {
		t.Fatalf("Resolve after Invalidate failed: %v", err)
	}
	if toolRepo.generation != before {
		t.Errorf("Resolve should not itself bump the repository's generation, got %d want %d", toolRepo.generation, before)
	}
}

func TestInvoke_ReturnsUnsuccessfulResultOnQuotaExceeded(t *testing.T) {
	ct := entity.ReconstructCatalogTool("web_search", "web_search", "desc", "pkg:web_search",
		map[string]interface{}{}, nil, entity.ToolCategoryResearch, true, 1, 30, 0, time.Now(), time.Now())
	toolRepo := newFakeToolRepository(ct)
	execRepo := newFakeExecutionRepository()
	execRepo.setOK("sess-1", "web_search", 1)
	registry := tool.NewInMemoryRegistry()
	registry.Register(&stubTool{name: "web_search"})
	cat := New(toolRepo, execRepo, registry, testLogger())

	result, err := cat.Invoke(context.Background(), "sess-1", "web_search", nil)
	if err != nil {
		t.Fatalf("Invoke should not return a Go error for a quota violation, got %v", err)
	}
	if result.Success {
		t.Error("expected Success=false once the quota is exhausted")
	}
	if result.Error != string(tool.ViolationQuotaExceeded) {
		t.Errorf("expected quota_exceeded, got %q", result.Error)
	}
}

func TestInvoke_ReturnsUnsuccessfulResultOnCooldown(t *testing.T) {
	ct := entity.ReconstructCatalogTool("web_search", "web_search", "desc", "pkg:web_search",
		map[string]interface{}{}, nil, entity.ToolCategoryResearch, true, 0, 30, 60, time.Now(), time.Now())
	toolRepo := newFakeToolRepository(ct)
	execRepo := newFakeExecutionRepository()
	execRepo.setLastCallAt("sess-1", "web_search", time.Now().Unix())
	registry := tool.NewInMemoryRegistry()
	registry.Register(&stubTool{name: "web_search"})
	cat := New(toolRepo, execRepo, registry, testLogger())

	result, err := cat.Invoke(context.Background(), "sess-1", "web_search", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if result.Success || result.Error != string(tool.ViolationCooldown) {
		t.Errorf("expected a cooldown violation, got %+v", result)
	}
}

func TestInvoke_ReturnsUnsuccessfulResultOnTimeout(t *testing.T) {
	// TimeoutSeconds 0 falls back to the 30s default inside Invoke, so set a
	// short positive timeout well below the stub's delay.
	ct := entity.ReconstructCatalogTool("slow", "slow", "desc", "pkg:slow",
		map[string]interface{}{}, nil, entity.ToolCategoryResearch, true, 0, 1, 0, time.Now(), time.Now())
	toolRepo := newFakeToolRepository(ct)
	registry := tool.NewInMemoryRegistry()
	registry.Register(&stubTool{name: "slow", delay: 2 * time.Second})
	cat := New(toolRepo, newFakeExecutionRepository(), registry, testLogger())

	result, err := cat.Invoke(context.Background(), "sess-1", "slow", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if result.Success || result.Error != "timeout" {
		t.Errorf("expected a timeout result, got %+v", result)
	}
}

func TestInvoke_WrapsExecutorErrorAsUnsuccessfulResult(t *testing.T) {
	ct := mustCatalogTool(t, "flaky")
	toolRepo := newFakeToolRepository(ct)
	registry := tool.NewInMemoryRegistry()
	registry.Register(&stubTool{name: "flaky", err: errToolRaised})
	cat := New(toolRepo, newFakeExecutionRepository(), registry, testLogger())

	result, err := cat.Invoke(context.Background(), "sess-1", "flaky", nil)
	if err != nil {
		t.Fatalf("Invoke should not surface a raised tool error as a Go error, got %v", err)
	}
	if result.Success {
		t.Error("expected Success=false when the executor raises")
	}
}

func TestInvoke_SucceedsAndReturnsOutput(t *testing.T) {
	ct := mustCatalogTool(t, "web_search")
	toolRepo := newFakeToolRepository(ct)
	registry := tool.NewInMemoryRegistry()
	registry.Register(&stubTool{name: "web_search", output: "3 hotels found"})
	cat := New(toolRepo, newFakeExecutionRepository(), registry, testLogger())

	result, err := cat.Invoke(context.Background(), "sess-1", "web_search", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !result.Success || result.Output != "3 hotels found" {
		t.Errorf("expected a successful result with the stub's output, got %+v", result)
	}
}

var errToolRaised = &toolError{"boom"}

type toolError struct{ msg string }

func (e *toolError) Error() string { return e.msg }
