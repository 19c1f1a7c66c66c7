// Package toolcatalog implements the Tool Catalog & Loader (C3): resolving
// a catalog tool name to an executable binding, caching that resolution
// process-wide, and enforcing per-call quota/cooldown/timeout policy.
// Grounded on domain/service/tool_cache.go's TTL-bounded cache shape,
// generalized from caching tool *results* to caching tool *resolution*
// bindings, and on domain/tool.Registry/Policy for the binding contract.
package toolcatalog

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/repository"
	"github.com/agentkernel/gateway/internal/domain/tool"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// pollInterval bounds cache staleness per §4.3 ("bounded at 60s").
const pollInterval = 60 * time.Second

// binding is a resolved (builder, executor, policy) tuple for one tool name.
type binding struct {
	catalogTool *entity.CatalogTool
	executor    tool.Tool
	policy      tool.ExecutionPolicy
}

// Catalog wraps a domain/tool.Registry of locally-resolvable executors with
// a process-wide resolution cache over the Store's tool rows.
type Catalog struct {
	toolRepo     repository.ToolRepository
	execRepo     repository.ToolExecutionRepository
	registry     tool.Registry
	logger       *zap.Logger

	mu          sync.RWMutex
	bindings    map[string]binding // keyed by lowercased name
	generation  int64
	lastPolled  time.Time
}

// New constructs a Catalog. registry supplies the locally-executable tool.Tool
// implementations (including the synthetic Reasoning/Clarification/FinalAnswer
// tools); toolRepo is the Store's catalog table; execRepo backs quota checks.
func New(toolRepo repository.ToolRepository, execRepo repository.ToolExecutionRepository, registry tool.Registry, logger *zap.Logger) *Catalog {
	return &Catalog{
		toolRepo: toolRepo, execRepo: execRepo, registry: registry, logger: logger,
		bindings: make(map[string]binding),
	}
}

// Resolve returns the binding for name (case-insensitive), re-resolving from
// the Store if the cache is stale (generation changed, or > 60s elapsed) or
// the name isn't cached yet.
func (c *Catalog) Resolve(ctx context.Context, name string) (*entity.CatalogTool, tool.Tool, tool.ExecutionPolicy, error) {
	key := strings.ToLower(name)

	c.mu.RLock()
	b, ok := c.bindings[key]
	stale := time.Since(c.lastPolled) > pollInterval
	c.mu.RUnlock()

	if ok && !stale {
		if fresh, changed := c.checkGeneration(ctx); changed {
			_ = fresh // invalidation broadcast: readers re-resolve lazily
		} else {
			return b.catalogTool, b.executor, b.policy, nil
		}
	}

	return c.resolveFresh(ctx, key, name)
}

func (c *Catalog) checkGeneration(ctx context.Context) (int64, bool) {
	gen, err := c.toolRepo.Generation(ctx)
	if err != nil {
		return 0, false
	}
	c.mu.RLock()
	changed := gen != c.generation
	c.mu.RUnlock()
	return gen, changed
}

func (c *Catalog) resolveFresh(ctx context.Context, key, name string) (*entity.CatalogTool, tool.Tool, tool.ExecutionPolicy, error) {
	catalogTool, err := c.toolRepo.FindByName(ctx, name)
	if err != nil {
		return nil, nil, tool.ExecutionPolicy{}, err
	}
	if !catalogTool.Active() {
		return nil, nil, tool.ExecutionPolicy{}, domainErrors.NewInvalidInputError("tool is not active: " + name)
	}
	executor, ok := c.registry.Get(catalogTool.Name())
	if !ok {
		return nil, nil, tool.ExecutionPolicy{}, domainErrors.NewNotFoundError("no local executor bound to entrypoint: " + catalogTool.Entrypoint())
	}
	policy := tool.ExecutionPolicy{
		MaxCalls: catalogTool.MaxCalls(), TimeoutSeconds: catalogTool.TimeoutSeconds(), CooldownSeconds: catalogTool.CooldownSeconds(),
	}
	gen, _ := c.toolRepo.Generation(ctx)

	c.mu.Lock()
	c.bindings[key] = binding{catalogTool: catalogTool, executor: executor, policy: policy}
	c.generation = gen
	c.lastPolled = time.Now()
	c.mu.Unlock()

	return catalogTool, executor, policy, nil
}

// Invalidate forces the next Resolve of any name to re-read the Store.
// Called by the admin layer when a tool row changes.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.lastPolled = time.Time{}
	c.mu.Unlock()
}

// Invoke resolves name, enforces its quota/cooldown, and executes it under a
// timeout deadline, per §4.3's "per-call enforcement" rules. It never
// returns a Go error for policy violations or tool failures — those become
// a *tool.Result with Success=false, which is the loop's normal path for
// ToolQuota/ToolTimeout/ToolRaised (§7).
func (c *Catalog) Invoke(ctx context.Context, sessionID string, name string, args map[string]interface{}) (*tool.Result, error) {
	catalogTool, executor, policy, err := c.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	okCalls, err := c.execRepo.CountOK(ctx, sessionID, catalogTool.Name())
	if err != nil {
		return nil, err
	}
	lastCallAt, err := c.execRepo.LastCallAt(ctx, sessionID, catalogTool.Name())
	if err != nil {
		return nil, err
	}
	if violation, hit := policy.CheckQuota(okCalls, lastCallAt, time.Now().Unix()); hit {
		return &tool.Result{Success: false, Error: string(violation)}, nil
	}

	timeout := time.Duration(policy.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execOutcome struct {
		result *tool.Result
		err    error
	}
	done := make(chan execOutcome, 1)
	go func() {
		result, err := executor.Execute(execCtx, args)
		done <- execOutcome{result, err}
	}()

	select {
	case <-execCtx.Done():
		return &tool.Result{Success: false, Error: "timeout"}, nil
	case out := <-done:
		if out.err != nil {
			if c.logger != nil {
				c.logger.Warn("tool execution raised", zap.String("tool", name), zap.Error(out.err))
			}
			return &tool.Result{Success: false, Error: out.err.Error()}, nil
		}
		return out.result, nil
	}
}
