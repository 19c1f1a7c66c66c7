package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/eventstream"
	"github.com/agentkernel/gateway/internal/domain/repository"
	domaintool "github.com/agentkernel/gateway/internal/domain/tool"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
	"github.com/agentkernel/gateway/internal/infrastructure/toolcatalog"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// AgentLoopDriver implements the Reason -> Select -> Act Agent Loop Driver
// (C8) as a re-entrant RunStep call instead of the teacher's in-process
// unbounded for-loop in agent_loop.go: every call drives a claimed session
// through exactly one step and returns, so a worker crash between steps
// loses at most one step's work, never a whole session (§4.1, §4.8).
//
// It reuses the teacher's LLM-call retry by constructing a throwaway
// *AgentLoop per step scoped to that step's selected tool set, rather than
// reimplementing retry/backoff from scratch. The AgentLoop's context
// compaction, loop detection and token-budget guardrails are not invoked by
// RunStep.
type AgentLoopDriver struct {
	llm          LLMClient
	sessions     *SessionService
	sessionRepo  repository.SessionRepository
	versions     repository.TemplateVersionRepository
	toolSelector *ToolSelector
	catalog      *toolcatalog.Catalog
	streams      *eventstream.Registry
	config       AgentLoopConfig
	watcher      *ConfigWatcher
	logger       *zap.Logger
}

// UseConfigWatcher attaches a hot-reloadable base AgentLoopConfig (retry
// backoff, compaction thresholds, doom-loop detection) so ops can tune the
// step mechanics without a restart; per-template LLMPolicy still overlays
// model/temperature/token-budget on top of whatever the watcher currently
// holds (§4.8's step mechanics vs. §4.3's per-template LLM policy are
// orthogonal layers).
func (d *AgentLoopDriver) UseConfigWatcher(w *ConfigWatcher) {
	d.watcher = w
}

// NewAgentLoopDriver constructs an AgentLoopDriver.
func NewAgentLoopDriver(
	llm LLMClient,
	sessions *SessionService,
	sessionRepo repository.SessionRepository,
	versions repository.TemplateVersionRepository,
	toolSelector *ToolSelector,
	catalog *toolcatalog.Catalog,
	streams *eventstream.Registry,
	logger *zap.Logger,
) *AgentLoopDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentLoopDriver{
		llm: llm, sessions: sessions, sessionRepo: sessionRepo, versions: versions,
		toolSelector: toolSelector, catalog: catalog, streams: streams,
		config: DefaultAgentLoopConfig(), logger: logger,
	}
}

// RunStep drives sess through one Reason->Select->Act cycle (§4.8).
func (d *AgentLoopDriver) RunStep(ctx context.Context, sess *entity.Session) (StepOutcome, error) {
	version, err := d.versions.FindByID(ctx, sess.TemplateVersionID())
	if err != nil {
		return StepWorkerFault, err
	}
	settings := version.Settings()
	snapshot := sess.ContextSnapshot().Clone()

	if outcome, done := d.checkBudgets(ctx, sess, settings.Execution, snapshot); done {
		return outcome, nil
	}

	stream, ok := d.streams.Get(sess.ID())
	if !ok {
		stream = d.streams.Create(sess.ID())
	}
	stream.Emit(eventstream.KindStepStart, map[string]interface{}{"iteration": snapshot.Iteration})

	_, messages, err := d.sessionRepo.Load(ctx, sess.ID())
	if err != nil {
		return StepWorkerFault, err
	}
	llmMessages := toLLMMessages(messages)

	counters := RuleCounters{
		Iteration: snapshot.Iteration, SearchesUsed: snapshot.SearchesUsed,
		ClarificationsUsed: snapshot.ClarificationsUsed, State: sess.State(),
	}
	hint := snapshot.LastReasoning
	if hint == "" {
		hint = lastUserContent(messages)
	}
	toolNames, stage, err := d.toolSelector.Select(ctx, version, counters, hint)
	if err != nil {
		if domainErrors.Code(err) == domainErrors.CodePolicyViolation {
			_ = d.sessions.Finish(ctx, sess, entity.SessionFailed, snapshot)
			return StepFailed, nil
		}
		return StepWorkerFault, err
	}
	if stage != "" {
		snapshot.Stage = stage
	}

	defs, kinds := d.resolveDefinitions(ctx, toolNames)
	executor := &catalogToolExecutor{catalog: d.catalog, sessionID: sess.ID(), defs: defs, kinds: kinds}
	legacy := NewAgentLoop(d.llm, executor, d.mergedConfig(settings.LLM), d.logger)

	if settings.BaseClass.RequiresForcedReasoningTool() {
		rationale, err := d.runReasoningPhase(ctx, legacy, sess, &llmMessages, snapshot.Iteration, settings.LLM.Model)
		if err != nil {
			return StepWorkerFault, err
		}
		snapshot.LastReasoning = rationale
		stream.Emit(eventstream.KindThinking, map[string]interface{}{"rationale": rationale})
	}

	llmMessages = sanitizeMessages(llmMessages)
	sinkCh, closeSink := drainedEventSink()
	resp, err := legacy.callLLMWithRetry(ctx, &LLMRequest{
		Messages: llmMessages, Tools: defs, Model: settings.LLM.Model, Temperature: settings.LLM.Temperature,
		ToolChoice: "required", ParallelToolCalls: true,
	}, snapshot.Iteration, sinkCh)
	closeSink()
	if err != nil {
		_ = d.sessions.Finish(ctx, sess, entity.SessionFailed, snapshot)
		stream.Emit(eventstream.KindError, map[string]interface{}{"error": err.Error()})
		return StepFailed, nil
	}
	finalContent := StripReasoningTags(resp.Content)

	outcome, err := d.actPhase(ctx, sess, &snapshot, resp, finalContent, stream)
	if err != nil {
		return StepWorkerFault, err
	}
	return outcome, nil
}

// checkBudgets enforces ExecutionPolicy (§6.8 carried from spec.md's
// iteration/time-budget invariants); exceeding either is a PolicyViolation.
func (d *AgentLoopDriver) checkBudgets(ctx context.Context, sess *entity.Session, exec valueobject.ExecutionPolicy, snapshot valueobject.ContextSnapshot) (StepOutcome, bool) {
	if exec.MaxIterations > 0 && snapshot.Iteration >= exec.MaxIterations {
		_ = d.sessions.Finish(ctx, sess, entity.SessionFailed, snapshot)
		return StepFailed, true
	}
	if exec.TimeBudgetSeconds > 0 && snapshot.StartedAtUnixSec > 0 {
		elapsed := time.Now().Unix() - snapshot.StartedAtUnixSec
		if elapsed > int64(exec.TimeBudgetSeconds) {
			_ = d.sessions.Finish(ctx, sess, entity.SessionFailed, snapshot)
			return StepFailed, true
		}
	}
	return StepContinue, false
}

func (d *AgentLoopDriver) mergedConfig(llmPolicy valueobject.LLMPolicy) AgentLoopConfig {
	cfg := d.config
	if d.watcher != nil {
		cfg = d.watcher.Config()
	}
	cfg.Model = llmPolicy.Model
	cfg.Temperature = llmPolicy.Temperature
	if llmPolicy.MaxTokens > 0 {
		cfg.MaxTokenBudget = int64(llmPolicy.MaxTokens)
	}
	return cfg
}

func (d *AgentLoopDriver) resolveDefinitions(ctx context.Context, names []string) ([]domaintool.Definition, map[string]domaintool.Kind) {
	defs := make([]domaintool.Definition, 0, len(names))
	kinds := make(map[string]domaintool.Kind, len(names))
	for _, name := range names {
		catalogTool, executor, _, err := d.catalog.Resolve(ctx, name)
		if err != nil {
			d.logger.Warn("tool selected but failed to resolve, dropping from prompt", zap.String("tool", name), zap.Error(err))
			continue
		}
		defs = append(defs, domaintool.Definition{Name: catalogTool.Name(), Description: catalogTool.Description(), Parameters: executor.Schema()})
		kinds[name] = executor.Kind()
	}
	return defs, kinds
}

// runReasoningPhase forces a ReasoningTool call (§4.8 step 1 for
// ToolCallingAgent/FlexibleToolCallingAgent) and echoes the rationale back
// into the transcript as an assistant/tool pair, same shape as a regular
// tool call so the rest of the pipeline treats it uniformly.
func (d *AgentLoopDriver) runReasoningPhase(ctx context.Context, legacy *AgentLoop, sess *entity.Session, messages *[]LLMMessage, step int, model string) (string, error) {
	reasoningDef := domaintool.Definition{
		Name: domaintool.NameReasoningTool, Description: "Record your reasoning before selecting a tool.",
		Parameters: map[string]interface{}{
			"type": "object", "properties": map[string]interface{}{"rationale": map[string]interface{}{"type": "string"}},
			"required": []string{"rationale"},
		},
	}
	sinkCh, closeSink := drainedEventSink()
	resp, err := legacy.callLLMWithRetry(ctx, &LLMRequest{
		Messages: sanitizeMessages(*messages), Tools: []domaintool.Definition{reasoningDef}, Model: model,
		ToolChoice: "required",
	}, step, sinkCh)
	closeSink()
	if err != nil {
		return "", err
	}
	rationale := resp.Content
	var callID string
	for _, tc := range resp.ToolCalls {
		if tc.Name == domaintool.NameReasoningTool {
			if r, ok := tc.Arguments["rationale"].(string); ok {
				rationale = r
			}
			callID = tc.ID
		}
	}
	if callID == "" {
		callID = fmt.Sprintf("%d-reason-0", step)
	}
	_, err = d.sessions.AppendAssistantWithToolCalls(ctx, sess.ID(), step, resp.Content,
		[]entity.ToolCallRef{{ID: callID, Name: domaintool.NameReasoningTool, Arguments: rationale}},
		[]ToolResultEntry{{ToolCallID: callID, Content: rationale}},
	)
	*messages = append(*messages,
		LLMMessage{Role: "assistant", Content: resp.Content},
		LLMMessage{Role: "tool", Content: rationale, ToolCallID: callID, Name: domaintool.NameReasoningTool},
	)
	return rationale, err
}

// actPhase interprets the Act-phase response: sole ClarificationTool call
// suspends the session, a FinalAnswerTool call terminates it, an empty tool
// call list is malformed output under tool_choice=required and is finished
// as a synthesized failed FinalAnswerTool rather than a silent success, and
// anything else is dispatched to the catalog with bounded parallelism
// (§4.6, §4.8, §4.9, §7 LLMInvariant).
func (d *AgentLoopDriver) actPhase(ctx context.Context, sess *entity.Session, snapshot *valueobject.ContextSnapshot, resp *LLMResponse, finalContent string, stream *eventstream.Stream) (StepOutcome, error) {
	if len(resp.ToolCalls) == 0 {
		callID := fmt.Sprintf("%d-act-synthesized", snapshot.Iteration)
		snapshot.ExecutionResult = finalContent
		if _, err := d.sessions.AppendAssistantWithToolCalls(ctx, sess.ID(), snapshot.Iteration, resp.Content,
			[]entity.ToolCallRef{{ID: callID, Name: domaintool.NameFinalAnswerTool, Arguments: finalContent}},
			[]ToolResultEntry{{ToolCallID: callID, Content: finalContent}},
		); err != nil {
			return StepWorkerFault, err
		}
		if err := d.sessions.Finish(ctx, sess, entity.SessionFailed, *snapshot); err != nil {
			return StepWorkerFault, err
		}
		stream.EmitMessage(finalContent)
		stream.Emit(eventstream.KindDone, nil)
		return StepFailed, nil
	}

	for _, tc := range resp.ToolCalls {
		if tc.Name == domaintool.NameClarificationTool {
			if len(resp.ToolCalls) != 1 {
				_ = d.sessions.Finish(ctx, sess, entity.SessionFailed, *snapshot)
				return StepFailed, nil
			}
			question, _ := tc.Arguments["question"].(string)
			if _, err := d.sessions.AppendAssistantWithToolCalls(ctx, sess.ID(), snapshot.Iteration, resp.Content,
				[]entity.ToolCallRef{{ID: tc.ID, Name: tc.Name, Arguments: question}}, nil,
			); err != nil {
				return StepWorkerFault, err
			}
			snapshot.ClarificationsUsed++
			if err := d.sessions.Suspend(ctx, sess, *snapshot); err != nil {
				return StepWorkerFault, err
			}
			stream.Emit(eventstream.KindMessage, map[string]interface{}{"question": question})
			return StepSuspended, nil
		}
	}

	for _, tc := range resp.ToolCalls {
		if tc.Name == domaintool.NameFinalAnswerTool {
			answer, _ := tc.Arguments["answer"].(string)
			status, _ := tc.Arguments["status"].(string)
			final := entity.SessionCompleted
			if status != "completed" {
				final = entity.SessionFailed
			}
			snapshot.ExecutionResult = answer
			if _, err := d.sessions.AppendAssistantWithToolCalls(ctx, sess.ID(), snapshot.Iteration, resp.Content,
				[]entity.ToolCallRef{{ID: tc.ID, Name: tc.Name, Arguments: answer}},
				[]ToolResultEntry{{ToolCallID: tc.ID, Content: answer}},
			); err != nil {
				return StepWorkerFault, err
			}
			if err := d.sessions.Finish(ctx, sess, final, *snapshot); err != nil {
				return StepWorkerFault, err
			}
			stream.EmitMessage(answer)
			stream.Emit(eventstream.KindDone, nil)
			if final == entity.SessionCompleted {
				return StepCompleted, nil
			}
			return StepFailed, nil
		}
	}

	return d.executeToolCalls(ctx, sess, snapshot, resp, stream)
}

type toolExecOutcome struct {
	callID, name, output string
}

// executeToolCalls runs non-terminal tool calls with bounded parallelism
// (at most 4 at a time), preserving the LLM's emission order in the
// resulting transcript regardless of completion order (§4.6).
func (d *AgentLoopDriver) executeToolCalls(ctx context.Context, sess *entity.Session, snapshot *valueobject.ContextSnapshot, resp *LLMResponse, stream *eventstream.Stream) (StepOutcome, error) {
	outcomes := make([]toolExecOutcome, len(resp.ToolCalls))
	sem := make(chan struct{}, 4)
	var wg sync.WaitGroup

	for i, tc := range resp.ToolCalls {
		callID := fmt.Sprintf("%d-act-%d", snapshot.Iteration, i)
		if tc.ID != "" {
			callID = tc.ID
		}
		stream.Emit(eventstream.KindToolCall, map[string]interface{}{"id": callID, "name": tc.Name, "arguments": tc.Arguments})

		wg.Add(1)
		go func(idx int, call entity.ToolCallInfo, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := d.catalog.Invoke(ctx, sess.ID(), call.Name, call.Arguments)
			var output string
			if err != nil {
				output = "error: " + err.Error()
			} else if result.Success {
				output = result.Output
			} else {
				output = "error: " + result.Error
			}
			outcomes[idx] = toolExecOutcome{callID: id, name: call.Name, output: output}
		}(i, tc, callID)
	}
	wg.Wait()

	calls := make([]entity.ToolCallRef, len(resp.ToolCalls))
	results := make([]ToolResultEntry, len(outcomes))
	now := time.Now().Unix()
	for i, tc := range resp.ToolCalls {
		calls[i] = entity.ToolCallRef{ID: outcomes[i].callID, Name: tc.Name, Arguments: argsToJSON(tc.Arguments)}
		results[i] = ToolResultEntry{ToolCallID: outcomes[i].callID, Content: outcomes[i].output}
		snapshot.ToolCallCounts[tc.Name]++
		snapshot.ToolLastCallUnixSec[tc.Name] = now
		if d.isSearchTool(ctx, tc.Name) {
			snapshot.SearchesUsed++
		}
		stream.Emit(eventstream.KindToolResult, map[string]interface{}{"id": outcomes[i].callID, "name": tc.Name, "output": outcomes[i].output})
	}
	snapshot.Iteration++

	if _, err := d.sessions.AppendAssistantWithToolCalls(ctx, sess.ID(), snapshot.Iteration, resp.Content, calls, results); err != nil {
		return StepWorkerFault, err
	}
	if err := d.sessions.Snapshot(ctx, sess.ID(), *snapshot); err != nil {
		return StepWorkerFault, err
	}
	stream.Emit(eventstream.KindStepEnd, map[string]interface{}{"iteration": snapshot.Iteration})
	return StepContinue, nil
}

func (d *AgentLoopDriver) isSearchTool(ctx context.Context, name string) bool {
	_, executor, _, err := d.catalog.Resolve(ctx, name)
	if err != nil {
		return false
	}
	return executor.Kind() == domaintool.KindSearch
}

// catalogToolExecutor adapts the Tool Catalog to the legacy ToolExecutor
// interface so an AgentLoop can be built over the step's tool set and its
// LLM-call retry reused as-is.
type catalogToolExecutor struct {
	catalog   *toolcatalog.Catalog
	sessionID string
	defs      []domaintool.Definition
	kinds     map[string]domaintool.Kind
}

func (c *catalogToolExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	return c.catalog.Invoke(ctx, c.sessionID, name, args)
}
func (c *catalogToolExecutor) GetDefinitions() []domaintool.Definition { return c.defs }
func (c *catalogToolExecutor) GetToolKind(name string) domaintool.Kind {
	if k, ok := c.kinds[name]; ok {
		return k
	}
	return domaintool.KindExecute
}

func toLLMMessages(messages []*entity.SessionMessage) []LLMMessage {
	out := make([]LLMMessage, 0, len(messages))
	for _, m := range messages {
		lm := LLMMessage{Role: string(m.Role()), Content: m.Content(), ToolCallID: m.ToolCallID()}
		for _, tc := range m.ToolCalls() {
			lm.ToolCalls = append(lm.ToolCalls, entity.ToolCallInfo{ID: tc.ID, Name: tc.Name, Arguments: jsonToArgs(tc.Arguments)})
		}
		out = append(out, lm)
	}
	return out
}

func lastUserContent(messages []*entity.SessionMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role() == entity.RoleUser {
			return messages[i].Content()
		}
	}
	return ""
}

func argsToJSON(args map[string]interface{}) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func jsonToArgs(raw string) map[string]interface{} {
	args := make(map[string]interface{})
	if raw == "" {
		return args
	}
	_ = json.Unmarshal([]byte(raw), &args)
	return args
}

// drainedEventSink returns a channel that discards everything written to it
// plus a close func the caller must invoke once the producer has returned,
// so the draining goroutine exits instead of leaking for the life of the
// process.
func drainedEventSink() (chan<- entity.AgentEvent, func()) {
	ch := make(chan entity.AgentEvent, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
		}
	}()
	return ch, func() {
		close(ch)
		<-done
	}
}
