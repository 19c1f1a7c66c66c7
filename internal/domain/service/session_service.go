package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/repository"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// SessionService implements the Session Service (C6): the narrow surface the
// gateway adapter uses to start a new session or resume one that is
// WAITING_FOR_CLARIFICATION, plus the transcript-append helpers the Agent
// Loop Driver uses to record a step atomically.
type SessionService struct {
	sessions repository.SessionRepository
	logger   *zap.Logger
}

// NewSessionService constructs a SessionService.
func NewSessionService(sessions repository.SessionRepository, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{sessions: sessions, logger: logger}
}

// StartSession creates a session in INITED, immediately transitions it to
// RESEARCHING (§4.1: a session never rests in INITED once it has a prompt to
// work from), and seeds the transcript with the rendered system and initial
// user messages.
func (s *SessionService) StartSession(ctx context.Context, templateVersion *entity.TemplateVersion, userMessage string) (*entity.Session, error) {
	id := uuid.NewString()
	sess, err := entity.NewSession(id, templateVersion.ID(), firstLine(userMessage))
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	prompts := templateVersion.Settings().Prompts
	vars := map[string]string{"user_message": userMessage}
	systemMsg, _ := entity.NewSessionMessage(uuid.NewString(), id, entity.RoleSystem, render(prompts.System, vars), entity.MessageTypeMessage, 0)
	userMsg, _ := entity.NewSessionMessage(uuid.NewString(), id, entity.RoleUser, render(prompts.InitialUser, vars), entity.MessageTypeMessage, 0)
	if _, err := s.sessions.AppendMessages(ctx, []*entity.SessionMessage{systemMsg, userMsg}); err != nil {
		return nil, err
	}

	snapshot := sess.ContextSnapshot()
	if err := sess.Transition(entity.SessionResearching, snapshot); err != nil {
		return nil, err
	}
	if err := s.sessions.UpdateState(ctx, id, entity.SessionInited, entity.SessionResearching, snapshot); err != nil {
		return nil, err
	}
	return sess, nil
}

// ResumeWithClarification appends the user's clarifying answer and
// transitions WAITING_FOR_CLARIFICATION -> RESEARCHING (§4.1, §4.9). It is
// the only legal way out of WAITING_FOR_CLARIFICATION.
func (s *SessionService) ResumeWithClarification(ctx context.Context, sessionID, answer string) (*entity.Session, error) {
	sess, _, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State() != entity.SessionWaitingForClarification {
		return nil, domainErrors.NewInvalidInputError("session is not waiting for clarification")
	}

	msg, _ := entity.NewSessionMessage(uuid.NewString(), sessionID, entity.RoleUser, answer, entity.MessageTypeMessage, sess.ContextSnapshot().Iteration)
	if _, err := s.sessions.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	snapshot := sess.ContextSnapshot().Clone()
	snapshot.ClarificationsUsed++
	if err := sess.Transition(entity.SessionResearching, snapshot); err != nil {
		return nil, err
	}
	if err := s.sessions.UpdateState(ctx, sessionID, entity.SessionWaitingForClarification, entity.SessionResearching, snapshot); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load returns a session and its full transcript.
func (s *SessionService) Load(ctx context.Context, sessionID string) (*entity.Session, []*entity.SessionMessage, error) {
	return s.sessions.Load(ctx, sessionID)
}

// AppendAssistantWithToolCalls persists the assistant's tool_call message and
// the resulting tool_result messages as one atomic sequence run (§4.6), so a
// crash between the two can never leave a dangling tool_call in storage.
func (s *SessionService) AppendAssistantWithToolCalls(ctx context.Context, sessionID string, step int, assistantContent string, calls []entity.ToolCallRef, results []ToolResultEntry) ([]int64, error) {
	msgs := make([]*entity.SessionMessage, 0, 1+len(results))

	assistant, err := entity.NewSessionMessage(uuid.NewString(), sessionID, entity.RoleAssistant, assistantContent, entity.MessageTypeToolCall, step)
	if err != nil {
		return nil, err
	}
	assistant.WithToolCalls(calls)
	msgs = append(msgs, assistant)

	for _, r := range results {
		toolMsg, err := entity.NewSessionMessage(uuid.NewString(), sessionID, entity.RoleTool, r.Content, entity.MessageTypeToolResult, step)
		if err != nil {
			return nil, err
		}
		toolMsg.WithToolCallID(r.ToolCallID)
		msgs = append(msgs, toolMsg)
	}

	return s.sessions.AppendMessages(ctx, msgs)
}

// ToolResultEntry is one rendered tool_result row paired to a prior tool_call
// by id, used by AppendAssistantWithToolCalls.
type ToolResultEntry struct {
	ToolCallID string
	Content    string
}

// Snapshot persists an updated context snapshot without changing state,
// used mid-step for bookkeeping that doesn't cross a state boundary.
func (s *SessionService) Snapshot(ctx context.Context, sessionID string, snapshot valueobject.ContextSnapshot) error {
	return s.sessions.Snapshot(ctx, sessionID, snapshot)
}

// Suspend transitions RESEARCHING -> WAITING_FOR_CLARIFICATION (§4.8 step on
// a sole ClarificationTool call).
func (s *SessionService) Suspend(ctx context.Context, sess *entity.Session, snapshot valueobject.ContextSnapshot) error {
	if err := sess.Transition(entity.SessionWaitingForClarification, snapshot); err != nil {
		return err
	}
	return s.sessions.UpdateState(ctx, sess.ID(), entity.SessionResearching, entity.SessionWaitingForClarification, snapshot)
}

// Finish transitions RESEARCHING -> COMPLETED or FAILED (§4.8 FinalAnswerTool
// handling, §7 PolicyViolation handling).
func (s *SessionService) Finish(ctx context.Context, sess *entity.Session, final entity.SessionState, snapshot valueobject.ContextSnapshot) error {
	if err := sess.Transition(final, snapshot); err != nil {
		return err
	}
	return s.sessions.UpdateState(ctx, sess.ID(), entity.SessionResearching, final, snapshot)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

// render performs simple "{{var}}" substitution over a prompt template. The
// corpus carries no text-templating dependency for config-driven string
// interpolation (the teacher's prompt engine composes whole markdown files,
// not per-field substitution), so this stays on text/strings rather than
// reaching for an unrelated third-party templating engine; see DESIGN.md.
func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
