package service

import (
	"context"
	"testing"
	"time"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/eventstream"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
)

func newTestDriver(t *testing.T, repo *fakeSessionRepository) (*AgentLoopDriver, *SessionService) {
	t.Helper()
	sessions := NewSessionService(repo, testLogger())
	driver := &AgentLoopDriver{
		sessions: sessions,
		logger:   testLogger(),
		config:   DefaultAgentLoopConfig(),
	}
	return driver, sessions
}

func startedTestSession(t *testing.T, repo *fakeSessionRepository, sessions *SessionService) *entity.Session {
	t.Helper()
	sess, err := sessions.StartSession(context.Background(), testTemplateVersion(t), "find a hotel")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	return sess
}

// === mergedConfig ===

func TestMergedConfig_OverlaysLLMPolicyOnStaticBase(t *testing.T) {
	driver, _ := newTestDriver(t, newFakeSessionRepository())
	policy := valueobject.LLMPolicy{Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 2048}

	cfg := driver.mergedConfig(policy)

	if cfg.Model != "gpt-4o-mini" || cfg.Temperature != 0.7 || cfg.MaxTokenBudget != 2048 {
		t.Errorf("expected overlay to win, got %+v", cfg)
	}
}

func TestMergedConfig_WatcherSuppliesBaseWhenAttached(t *testing.T) {
	driver, _ := newTestDriver(t, newFakeSessionRepository())
	watcher := NewConfigWatcher("/nonexistent/agent_loop.json", testLogger())
	driver.UseConfigWatcher(watcher)

	cfg := driver.mergedConfig(valueobject.LLMPolicy{Model: "gpt-4o", Temperature: 0.1})
	if cfg.MaxRetries != DefaultAgentLoopConfig().MaxRetries {
		t.Errorf("expected watcher's base config (falling back to defaults) to carry MaxRetries, got %d", cfg.MaxRetries)
	}
	// The per-template overlay must still win over whatever the watcher holds.
	if cfg.Model != "gpt-4o" {
		t.Errorf("expected LLMPolicy.Model to override the watcher's base, got %q", cfg.Model)
	}
}

// === checkBudgets ===

func TestCheckBudgets_MaxIterationsExceededFailsSession(t *testing.T) {
	repo := newFakeSessionRepository()
	driver, sessions := newTestDriver(t, repo)
	sess := startedTestSession(t, repo, sessions)

	snap := sess.ContextSnapshot()
	snap.Iteration = 10
	outcome, done := driver.checkBudgets(context.Background(), sess, valueobject.ExecutionPolicy{MaxIterations: 10}, snap)

	if !done || outcome != StepFailed {
		t.Errorf("expected StepFailed/done when iteration budget is exhausted, got %v done=%v", outcome, done)
	}
	if !sess.IsTerminal() {
		t.Error("expected session to transition to a terminal state")
	}
}

func TestCheckBudgets_TimeBudgetExceededFailsSession(t *testing.T) {
	repo := newFakeSessionRepository()
	driver, sessions := newTestDriver(t, repo)
	sess := startedTestSession(t, repo, sessions)

	snap := sess.ContextSnapshot()
	snap.StartedAtUnixSec = time.Now().Add(-time.Hour).Unix()
	outcome, done := driver.checkBudgets(context.Background(), sess, valueobject.ExecutionPolicy{TimeBudgetSeconds: 60}, snap)

	if !done || outcome != StepFailed {
		t.Errorf("expected StepFailed/done when time budget is exhausted, got %v done=%v", outcome, done)
	}
}

func TestCheckBudgets_UnderBudgetContinues(t *testing.T) {
	repo := newFakeSessionRepository()
	driver, sessions := newTestDriver(t, repo)
	sess := startedTestSession(t, repo, sessions)

	snap := sess.ContextSnapshot()
	snap.Iteration = 1
	outcome, done := driver.checkBudgets(context.Background(), sess, valueobject.ExecutionPolicy{MaxIterations: 20, TimeBudgetSeconds: 300}, snap)

	if done || outcome != StepContinue {
		t.Errorf("expected StepContinue/not-done under budget, got %v done=%v", outcome, done)
	}
	if sess.IsTerminal() {
		t.Error("session should not be terminal when under budget")
	}
}

// === actPhase ===

func TestActPhase_EmptyToolCallsFailsSession(t *testing.T) {
	repo := newFakeSessionRepository()
	driver, sessions := newTestDriver(t, repo)
	sess := startedTestSession(t, repo, sessions)
	snap := sess.ContextSnapshot()
	stream := eventstream.New(sess.ID())

	resp := &LLMResponse{Content: "the final answer is 42"}
	outcome, err := driver.actPhase(context.Background(), sess, &snap, resp, resp.Content, stream)

	if err != nil {
		t.Fatalf("actPhase failed: %v", err)
	}
	if outcome != StepFailed {
		t.Errorf("expected StepFailed for an empty tool_calls response, got %v", outcome)
	}
	if sess.State() != entity.SessionFailed {
		t.Errorf("expected session FAILED, got %s", sess.State())
	}
}

func TestActPhase_SoleClarificationCallSuspends(t *testing.T) {
	repo := newFakeSessionRepository()
	driver, sessions := newTestDriver(t, repo)
	sess := startedTestSession(t, repo, sessions)
	snap := sess.ContextSnapshot()
	stream := eventstream.New(sess.ID())

	resp := &LLMResponse{
		Content: "need more info",
		ToolCalls: []entity.ToolCallInfo{
			{ID: "call_1", Name: "ClarificationTool", Arguments: map[string]interface{}{"question": "which city?"}},
		},
	}
	outcome, err := driver.actPhase(context.Background(), sess, &snap, resp, resp.Content, stream)

	if err != nil {
		t.Fatalf("actPhase failed: %v", err)
	}
	if outcome != StepSuspended {
		t.Errorf("expected StepSuspended for a sole ClarificationTool call, got %v", outcome)
	}
	if sess.State() != entity.SessionWaitingForClarification {
		t.Errorf("expected WAITING_FOR_CLARIFICATION, got %s", sess.State())
	}
	if snap.ClarificationsUsed != 1 {
		t.Errorf("expected ClarificationsUsed incremented, got %d", snap.ClarificationsUsed)
	}
}

func TestActPhase_ClarificationAlongsideOtherCallsFails(t *testing.T) {
	repo := newFakeSessionRepository()
	driver, sessions := newTestDriver(t, repo)
	sess := startedTestSession(t, repo, sessions)
	snap := sess.ContextSnapshot()
	stream := eventstream.New(sess.ID())

	resp := &LLMResponse{
		Content: "confused",
		ToolCalls: []entity.ToolCallInfo{
			{ID: "call_1", Name: "ClarificationTool", Arguments: map[string]interface{}{"question": "which city?"}},
			{ID: "call_2", Name: "web_search", Arguments: map[string]interface{}{"q": "hotels"}},
		},
	}
	outcome, err := driver.actPhase(context.Background(), sess, &snap, resp, resp.Content, stream)

	if err != nil {
		t.Fatalf("actPhase failed: %v", err)
	}
	if outcome != StepFailed {
		t.Errorf("expected StepFailed when ClarificationTool is not the sole call, got %v", outcome)
	}
	if sess.State() != entity.SessionFailed {
		t.Errorf("expected session FAILED, got %s", sess.State())
	}
}

func TestActPhase_FinalAnswerToolCompletedStatus(t *testing.T) {
	repo := newFakeSessionRepository()
	driver, sessions := newTestDriver(t, repo)
	sess := startedTestSession(t, repo, sessions)
	snap := sess.ContextSnapshot()
	stream := eventstream.New(sess.ID())

	resp := &LLMResponse{
		Content: "done",
		ToolCalls: []entity.ToolCallInfo{
			{ID: "call_1", Name: "FinalAnswerTool", Arguments: map[string]interface{}{"answer": "the Park Hyatt", "status": "completed"}},
		},
	}
	outcome, err := driver.actPhase(context.Background(), sess, &snap, resp, resp.Content, stream)

	if err != nil {
		t.Fatalf("actPhase failed: %v", err)
	}
	if outcome != StepCompleted {
		t.Errorf("expected StepCompleted for status=completed, got %v", outcome)
	}
	if sess.State() != entity.SessionCompleted {
		t.Errorf("expected session COMPLETED, got %s", sess.State())
	}
	if snap.ExecutionResult != "the Park Hyatt" {
		t.Errorf("expected execution result recorded, got %q", snap.ExecutionResult)
	}
}

func TestActPhase_FinalAnswerToolNonCompletedStatusFails(t *testing.T) {
	repo := newFakeSessionRepository()
	driver, sessions := newTestDriver(t, repo)
	sess := startedTestSession(t, repo, sessions)
	snap := sess.ContextSnapshot()
	stream := eventstream.New(sess.ID())

	resp := &LLMResponse{
		Content: "giving up",
		ToolCalls: []entity.ToolCallInfo{
			{ID: "call_1", Name: "FinalAnswerTool", Arguments: map[string]interface{}{"answer": "no result", "status": "failed"}},
		},
	}
	outcome, err := driver.actPhase(context.Background(), sess, &snap, resp, resp.Content, stream)

	if err != nil {
		t.Fatalf("actPhase failed: %v", err)
	}
	if outcome != StepFailed {
		t.Errorf("expected StepFailed for status=failed, got %v", outcome)
	}
	if sess.State() != entity.SessionFailed {
		t.Errorf("expected session FAILED, got %s", sess.State())
	}
}

// === message conversion helpers ===

func TestToLLMMessages_PreservesRoleContentAndToolCalls(t *testing.T) {
	msg, err := entity.NewSessionMessage("m1", "s1", entity.RoleAssistant, "searching", entity.MessageTypeToolCall, 1)
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}
	msg.WithToolCalls([]entity.ToolCallRef{{ID: "call_1", Name: "web_search", Arguments: `{"q":"hotels"}`}})

	out := toLLMMessages([]*entity.SessionMessage{msg})
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	if out[0].Role != "assistant" || out[0].Content != "searching" {
		t.Errorf("unexpected conversion: %+v", out[0])
	}
	if len(out[0].ToolCalls) != 1 || out[0].ToolCalls[0].Name != "web_search" {
		t.Errorf("expected tool call carried over, got %+v", out[0].ToolCalls)
	}
	if out[0].ToolCalls[0].Arguments["q"] != "hotels" {
		t.Errorf("expected arguments JSON decoded, got %+v", out[0].ToolCalls[0].Arguments)
	}
}

func TestLastUserContent_FindsMostRecentUserMessage(t *testing.T) {
	sys, _ := entity.NewSessionMessage("m1", "s1", entity.RoleSystem, "you are an agent", entity.MessageTypeMessage, 0)
	u1, _ := entity.NewSessionMessage("m2", "s1", entity.RoleUser, "first question", entity.MessageTypeMessage, 0)
	a1, _ := entity.NewSessionMessage("m3", "s1", entity.RoleAssistant, "first answer", entity.MessageTypeMessage, 0)
	u2, _ := entity.NewSessionMessage("m4", "s1", entity.RoleUser, "second question", entity.MessageTypeMessage, 0)

	got := lastUserContent([]*entity.SessionMessage{sys, u1, a1, u2})
	if got != "second question" {
		t.Errorf("expected the most recent user message, got %q", got)
	}
}

func TestArgsJSONRoundTrip(t *testing.T) {
	args := map[string]interface{}{"q": "hotels", "limit": float64(5)}
	raw := argsToJSON(args)
	back := jsonToArgs(raw)

	if back["q"] != "hotels" || back["limit"] != float64(5) {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestJSONToArgs_EmptyStringYieldsEmptyMap(t *testing.T) {
	args := jsonToArgs("")
	if len(args) != 0 {
		t.Errorf("expected empty map for empty input, got %+v", args)
	}
}
