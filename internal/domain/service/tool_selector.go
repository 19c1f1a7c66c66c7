package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/repository"
	"github.com/agentkernel/gateway/internal/domain/tool"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
	"github.com/agentkernel/gateway/internal/infrastructure/retrieval"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// domainNoViableToolsError reports that the selection pipeline emptied the
// candidate set with no required tools and no FinalAnswerTool to fall back
// to (§4.4 step 7, final branch). The driver treats this as PolicyViolation.
func domainNoViableToolsError() error {
	return domainErrors.NewPolicyViolationError("tool selector produced an empty candidate set with no fallback available")
}

// EmbeddingProvider computes a query embedding for retrieval-strategy
// selection. Satisfied by infrastructure/embedding.OllamaEmbedder.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ToolSelector implements the Tool Catalog narrowing algorithm (§4.4): it
// turns a template version's declared tool list plus the running session's
// counters into the bounded set of tool names offered to the LLM this step.
type ToolSelector struct {
	toolRepo repository.ToolRepository
	index    retrieval.ToolIndex
	embedder EmbeddingProvider
	logger   *zap.Logger
}

// NewToolSelector constructs a ToolSelector. index and embedder may be nil;
// a nil index/embedder silently degrades "retrieval" strategy templates to
// static (first MaxToolsInPrompt candidates), which keeps the driver usable
// in deployments that haven't provisioned a vector store.
func NewToolSelector(toolRepo repository.ToolRepository, index retrieval.ToolIndex, embedder EmbeddingProvider, logger *zap.Logger) *ToolSelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolSelector{toolRepo: toolRepo, index: index, embedder: embedder, logger: logger}
}

// Select runs the full §4.4 pipeline and returns the tool names to offer
// this step, plus the stage the Rules Engine set (if any).
func (s *ToolSelector) Select(ctx context.Context, version *entity.TemplateVersion, counters RuleCounters, reasoningHint string) ([]string, string, error) {
	policy := version.Settings().Tools
	rules := version.Settings().Rules

	// 1. candidate set: template.tools ∪ required_tools, intersected with
	// active catalog tools.
	candidates := unionStrings(version.Tools(), policy.RequiredTools)
	active, err := s.activeNameSet(ctx)
	if err != nil {
		return nil, "", err
	}
	candidates = intersect(candidates, active)

	// 2. denylist, then allowlist (allowlist, if non-empty, is absolute).
	candidates = subtract(candidates, policy.DenyList)
	if len(policy.AllowList) > 0 {
		candidates = intersect(candidates, toSet(policy.AllowList))
	}

	// 3. rules pre-filter.
	candidates, stage := EvaluateRules(rules, valueobject.ApplyPreRetrieval, counters, candidates)

	// 4. retrieval top-k, only if over budget and strategy says so.
	maxTools := policy.MaxToolsInPrompt
	if maxTools <= 0 {
		maxTools = len(candidates)
	}
	if policy.SelectionStrategy == valueobject.SelectionStrategyRetrieval && len(candidates) > maxTools && s.index != nil && s.embedder != nil {
		ranked, err := s.retrievalRank(ctx, reasoningHint, candidates, maxTools)
		if err != nil {
			s.logger.Warn("tool retrieval ranking failed, falling back to static truncation", zap.Error(err))
			candidates = staticTruncate(candidates, maxTools, version.Tools())
		} else {
			candidates = ranked
		}
	} else if len(candidates) > maxTools {
		candidates = staticTruncate(candidates, maxTools, version.Tools())
	}

	// 5. union required_tools back in at the front (retrieval/truncation must
	// never drop a required tool).
	candidates = unionFront(policy.RequiredTools, candidates)

	// 6. rules post-filter.
	var postStage string
	candidates, postStage = EvaluateRules(rules, valueobject.ApplyPostRetrieval, counters, candidates)
	if postStage != "" {
		stage = postStage
	}

	// 7. fallback chain: required_tools alone -> [FinalAnswerTool] -> fail.
	if len(candidates) == 0 {
		if len(policy.RequiredTools) > 0 {
			candidates = append([]string(nil), policy.RequiredTools...)
		} else if active[tool.NameFinalAnswerTool] {
			candidates = []string{tool.NameFinalAnswerTool}
		} else {
			return nil, stage, domainNoViableToolsError()
		}
	}

	return stableSortByTemplateOrderThenName(candidates, version.Tools()), stage, nil
}

func (s *ToolSelector) activeNameSet(ctx context.Context) (map[string]bool, error) {
	tools, err := s.toolRepo.FindAllActive(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(tools)+3)
	for _, t := range tools {
		set[t.Name()] = true
	}
	// Synthetic tools are always resolvable locally even if never rowed in
	// the catalog table (a fresh deployment may not seed them).
	set[tool.NameReasoningTool] = true
	set[tool.NameClarificationTool] = true
	set[tool.NameFinalAnswerTool] = true
	return set, nil
}

func (s *ToolSelector) retrievalRank(ctx context.Context, hint string, candidates []string, topK int) ([]string, error) {
	query, err := s.embedder.Embed(ctx, hint)
	if err != nil {
		return nil, err
	}
	candidateSet := toSet(candidates)
	ranked, err := s.index.Search(ctx, query, topK, candidateSet)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return staticTruncate(candidates, topK, candidates), nil
	}
	return ranked, nil
}

func staticTruncate(candidates []string, max int, order []string) []string {
	sorted := stableSortByTemplateOrderThenName(candidates, order)
	if len(sorted) <= max {
		return sorted
	}
	return sorted[:max]
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, x := range append(append([]string(nil), a...), b...) {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}

func unionFront(front, rest []string) []string {
	seen := make(map[string]bool, len(front)+len(rest))
	out := make([]string, 0, len(front)+len(rest))
	for _, x := range front {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	for _, x := range rest {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}

func intersect(names []string, set map[string]bool) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if set[n] {
			out = append(out, n)
		}
	}
	return out
}

func subtract(names []string, exclude []string) []string {
	ex := toSet(exclude)
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !ex[n] {
			out = append(out, n)
		}
	}
	return out
}
