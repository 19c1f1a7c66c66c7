package service

import (
	"context"
	"testing"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// fakeSessionRepository is an in-memory stand-in for repository.SessionRepository,
// enforcing the same compare-and-set contract the Gorm implementation does.
type fakeSessionRepository struct {
	sessions map[string]*entity.Session
	states   map[string]entity.SessionState // stored row state, compared by UpdateState
	messages map[string][]*entity.SessionMessage
	nextSeq  map[string]int64
}

func newFakeSessionRepository() *fakeSessionRepository {
	return &fakeSessionRepository{
		sessions: make(map[string]*entity.Session),
		states:   make(map[string]entity.SessionState),
		messages: make(map[string][]*entity.SessionMessage),
		nextSeq:  make(map[string]int64),
	}
}

func (f *fakeSessionRepository) Create(ctx context.Context, s *entity.Session) error {
	f.sessions[s.ID()] = s
	f.states[s.ID()] = s.State()
	return nil
}

func (f *fakeSessionRepository) Load(ctx context.Context, id string) (*entity.Session, []*entity.SessionMessage, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil, domainErrors.NewNotFoundError("session not found")
	}
	return s, f.messages[id], nil
}

func (f *fakeSessionRepository) AppendMessage(ctx context.Context, msg *entity.SessionMessage) (int64, error) {
	return f.appendAll(msg.SessionID(), []*entity.SessionMessage{msg})[0], nil
}

func (f *fakeSessionRepository) AppendMessages(ctx context.Context, msgs []*entity.SessionMessage) ([]int64, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	return f.appendAll(msgs[0].SessionID(), msgs), nil
}

func (f *fakeSessionRepository) appendAll(sessionID string, msgs []*entity.SessionMessage) []int64 {
	seqs := make([]int64, len(msgs))
	for i, m := range msgs {
		f.nextSeq[sessionID]++
		seqs[i] = f.nextSeq[sessionID]
		f.messages[sessionID] = append(f.messages[sessionID], m)
	}
	return seqs
}

func (f *fakeSessionRepository) UpdateState(ctx context.Context, id string, expectedOldState, newState entity.SessionState, snapshot valueobject.ContextSnapshot) error {
	if _, ok := f.sessions[id]; !ok {
		return domainErrors.NewNotFoundError("session not found")
	}
	if f.states[id] != expectedOldState {
		return domainErrors.NewStaleSessionError("session state changed underneath the caller")
	}
	f.states[id] = newState
	_ = snapshot
	return nil
}

func (f *fakeSessionRepository) Snapshot(ctx context.Context, id string, snapshot valueobject.ContextSnapshot) error {
	if _, ok := f.sessions[id]; !ok {
		return domainErrors.NewNotFoundError("session not found")
	}
	return nil
}

func (f *fakeSessionRepository) AssignInstance(ctx context.Context, sessionID, instanceID string) error {
	f.sessions[sessionID].AssignInstance(instanceID)
	return nil
}

func (f *fakeSessionRepository) ClearInstance(ctx context.Context, sessionID string) error {
	f.sessions[sessionID].ClearInstance()
	return nil
}

func (f *fakeSessionRepository) FindResearchingUnclaimed(ctx context.Context, templateVersionID string) ([]*entity.Session, error) {
	var out []*entity.Session
	for _, s := range f.sessions {
		if s.TemplateVersionID() == templateVersionID && s.State() == entity.SessionResearching && s.InstanceID() == "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func testTemplateVersion(t *testing.T) *entity.TemplateVersion {
	t.Helper()
	settings := valueobject.TemplateSettings{
		BaseClass: valueobject.BaseClassToolCallingAgent,
		LLM:       valueobject.LLMPolicy{Model: "gpt-4o", Temperature: 0.2, MaxTokens: 4096},
		Execution: valueobject.ExecutionPolicy{MaxIterations: 20, TimeBudgetSeconds: 300},
		Tools:     valueobject.ToolPolicy{MaxToolsInPrompt: 8, SelectionStrategy: valueobject.SelectionStrategyStatic},
		Prompts: valueobject.Prompts{
			System:        "you are a research agent",
			InitialUser:   "task: {{user_message}}",
			Clarification: "please clarify: {{user_message}}",
		},
	}
	v, err := entity.NewTemplateVersion("tv-1", "tpl-1", 1, settings, []string{"web_search"})
	if err != nil {
		t.Fatalf("failed to build template version: %v", err)
	}
	return v
}

func TestStartSession_TransitionsToResearchingAndSeedsTranscript(t *testing.T) {
	repo := newFakeSessionRepository()
	svc := NewSessionService(repo, testLogger())

	sess, err := svc.StartSession(context.Background(), testTemplateVersion(t), "find me a hotel in Tokyo")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if sess.State() != entity.SessionResearching {
		t.Errorf("expected state RESEARCHING, got %s", sess.State())
	}

	msgs := repo.messages[sess.ID()]
	if len(msgs) != 2 {
		t.Fatalf("expected 2 seeded messages, got %d", len(msgs))
	}
	if msgs[0].Role() != entity.RoleSystem || msgs[1].Role() != entity.RoleUser {
		t.Errorf("expected system then user message, got %s then %s", msgs[0].Role(), msgs[1].Role())
	}
	if msgs[1].Content() != "task: find me a hotel in Tokyo" {
		t.Errorf("expected rendered prompt, got %q", msgs[1].Content())
	}
}

func TestResumeWithClarification_RequiresWaitingState(t *testing.T) {
	repo := newFakeSessionRepository()
	svc := NewSessionService(repo, testLogger())

	sess, err := svc.StartSession(context.Background(), testTemplateVersion(t), "book a flight")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// sess is RESEARCHING, not WAITING_FOR_CLARIFICATION.
	if _, err := svc.ResumeWithClarification(context.Background(), sess.ID(), "economy class"); err == nil {
		t.Error("expected error resuming a session that is not waiting for clarification")
	}
}

func TestResumeWithClarification_AppendsAnswerAndIncrementsCounter(t *testing.T) {
	repo := newFakeSessionRepository()
	svc := NewSessionService(repo, testLogger())

	sess, err := svc.StartSession(context.Background(), testTemplateVersion(t), "book a flight")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	snap := sess.ContextSnapshot()
	if err := svc.Suspend(context.Background(), sess, snap); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if sess.State() != entity.SessionWaitingForClarification {
		t.Fatalf("expected WAITING_FOR_CLARIFICATION, got %s", sess.State())
	}

	resumed, err := svc.ResumeWithClarification(context.Background(), sess.ID(), "economy class")
	if err != nil {
		t.Fatalf("ResumeWithClarification failed: %v", err)
	}
	if resumed.State() != entity.SessionResearching {
		t.Errorf("expected RESEARCHING after resume, got %s", resumed.State())
	}
	if resumed.ContextSnapshot().ClarificationsUsed != 1 {
		t.Errorf("expected ClarificationsUsed=1, got %d", resumed.ContextSnapshot().ClarificationsUsed)
	}

	msgs := repo.messages[sess.ID()]
	last := msgs[len(msgs)-1]
	if last.Role() != entity.RoleUser || last.Content() != "economy class" {
		t.Errorf("expected trailing user message with the clarifying answer, got role=%s content=%q", last.Role(), last.Content())
	}
}

func TestFinish_RejectsDoubleTermination(t *testing.T) {
	repo := newFakeSessionRepository()
	svc := NewSessionService(repo, testLogger())

	sess, err := svc.StartSession(context.Background(), testTemplateVersion(t), "book a flight")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	snap := sess.ContextSnapshot()
	if err := svc.Finish(context.Background(), sess, entity.SessionCompleted, snap); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if !sess.IsTerminal() {
		t.Fatal("expected session to be terminal after Finish")
	}

	if err := svc.Finish(context.Background(), sess, entity.SessionFailed, snap); err == nil {
		t.Error("expected error finishing an already-terminal session")
	}
}

func TestAppendAssistantWithToolCalls_PersistsAsOneSequenceRun(t *testing.T) {
	repo := newFakeSessionRepository()
	svc := NewSessionService(repo, testLogger())

	sess, err := svc.StartSession(context.Background(), testTemplateVersion(t), "book a flight")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	calls := []entity.ToolCallRef{{ID: "call_1", Name: "web_search", Arguments: `{"q":"flights"}`}}
	results := []ToolResultEntry{{ToolCallID: "call_1", Content: "3 results found"}}

	seqs, err := svc.AppendAssistantWithToolCalls(context.Background(), sess.ID(), 1, "searching now", calls, results)
	if err != nil {
		t.Fatalf("AppendAssistantWithToolCalls failed: %v", err)
	}
	if len(seqs) != 2 {
		t.Fatalf("expected 2 sequence numbers, got %d", len(seqs))
	}

	msgs := repo.messages[sess.ID()]
	assistantMsg := msgs[len(msgs)-2]
	toolMsg := msgs[len(msgs)-1]
	if assistantMsg.MessageType() != entity.MessageTypeToolCall || len(assistantMsg.ToolCalls()) != 1 {
		t.Errorf("expected assistant tool_call message with 1 call, got %+v", assistantMsg.ToolCalls())
	}
	if toolMsg.Role() != entity.RoleTool || toolMsg.ToolCallID() != "call_1" {
		t.Errorf("expected tool message answering call_1, got role=%s toolCallID=%s", toolMsg.Role(), toolMsg.ToolCallID())
	}
}
