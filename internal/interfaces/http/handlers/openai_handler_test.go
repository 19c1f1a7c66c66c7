package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/eventstream"
	"github.com/agentkernel/gateway/internal/domain/repository"
	"github.com/agentkernel/gateway/internal/domain/service"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSessionRepo is an in-memory stand-in for repository.SessionRepository,
// scoped to this package's tests (handlers can't reach the service
// package's unexported fakeSessionRepository).
type fakeSessionRepo struct {
	sessions map[string]*entity.Session
	messages map[string][]*entity.SessionMessage
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: map[string]*entity.Session{}, messages: map[string][]*entity.SessionMessage{}}
}

func (f *fakeSessionRepo) Create(ctx context.Context, s *entity.Session) error {
	f.sessions[s.ID()] = s
	return nil
}
func (f *fakeSessionRepo) Load(ctx context.Context, id string) (*entity.Session, []*entity.SessionMessage, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil, domainErrors.NewNotFoundError("session not found")
	}
	return s, f.messages[id], nil
}
func (f *fakeSessionRepo) AppendMessage(ctx context.Context, msg *entity.SessionMessage) (int64, error) {
	f.messages[msg.SessionID()] = append(f.messages[msg.SessionID()], msg)
	return int64(len(f.messages[msg.SessionID()])), nil
}
func (f *fakeSessionRepo) AppendMessages(ctx context.Context, msgs []*entity.SessionMessage) ([]int64, error) {
	var out []int64
	for _, m := range msgs {
		seq, _ := f.AppendMessage(ctx, m)
		out = append(out, seq)
	}
	return out, nil
}
func (f *fakeSessionRepo) UpdateState(ctx context.Context, id string, expectedOldState, newState entity.SessionState, snapshot valueobject.ContextSnapshot) error {
	return nil
}
func (f *fakeSessionRepo) Snapshot(ctx context.Context, id string, snapshot valueobject.ContextSnapshot) error {
	return nil
}
func (f *fakeSessionRepo) AssignInstance(ctx context.Context, sessionID, instanceID string) error {
	return nil
}
func (f *fakeSessionRepo) ClearInstance(ctx context.Context, sessionID string) error { return nil }
func (f *fakeSessionRepo) FindResearchingUnclaimed(ctx context.Context, templateVersionID string) ([]*entity.Session, error) {
	return nil, nil
}

type fakeTemplateVersionRepo struct {
	byName map[string]*entity.TemplateVersion
}

func (f *fakeTemplateVersionRepo) FindByID(ctx context.Context, id string) (*entity.TemplateVersion, error) {
	for _, v := range f.byName {
		if v.ID() == id {
			return v, nil
		}
	}
	return nil, domainErrors.NewNotFoundError("not found")
}
func (f *fakeTemplateVersionRepo) FindActiveByTemplateID(ctx context.Context, templateID string) (*entity.TemplateVersion, error) {
	return nil, nil
}
func (f *fakeTemplateVersionRepo) FindActiveByTemplateName(ctx context.Context, name string) (*entity.TemplateVersion, error) {
	v, ok := f.byName[name]
	if !ok {
		return nil, domainErrors.NewNotFoundError("no such template")
	}
	return v, nil
}
func (f *fakeTemplateVersionRepo) FindAllActive(ctx context.Context) ([]*entity.TemplateVersion, error) {
	var out []*entity.TemplateVersion
	for _, v := range f.byName {
		out = append(out, v)
	}
	return out, nil
}
func (f *fakeTemplateVersionRepo) Create(ctx context.Context, v *entity.TemplateVersion) error { return nil }

type fakeTemplateRepo struct{}

func (fakeTemplateRepo) FindByID(ctx context.Context, id string) (*entity.Template, error) {
	return nil, domainErrors.NewNotFoundError("not found")
}
func (fakeTemplateRepo) FindByName(ctx context.Context, name string) (*entity.Template, error) {
	return nil, domainErrors.NewNotFoundError("not found")
}
func (fakeTemplateRepo) FindAll(ctx context.Context) ([]*entity.Template, error) { return nil, nil }
func (fakeTemplateRepo) Save(ctx context.Context, tpl *entity.Template) error    { return nil }
func (fakeTemplateRepo) ActivateVersion(ctx context.Context, templateID, versionID string) error {
	return nil
}

var _ repository.SessionRepository = (*fakeSessionRepo)(nil)
var _ repository.TemplateVersionRepository = (*fakeTemplateVersionRepo)(nil)
var _ repository.TemplateRepository = fakeTemplateRepo{}

func testTemplateVersion(t *testing.T, id, templateID string) *entity.TemplateVersion {
	t.Helper()
	settings := valueobject.TemplateSettings{
		BaseClass: valueobject.BaseClassToolCallingAgent,
		LLM:       valueobject.LLMPolicy{Model: "gpt-4o"},
		Execution: valueobject.ExecutionPolicy{MaxIterations: 20},
		Tools:     valueobject.ToolPolicy{MaxToolsInPrompt: 8, SelectionStrategy: valueobject.SelectionStrategyStatic},
		Prompts:   valueobject.Prompts{System: "you are an agent", InitialUser: "task: {{user_message}}"},
	}
	v, err := entity.NewTemplateVersion(id, templateID, 1, settings, nil)
	if err != nil {
		t.Fatalf("failed to build template version: %v", err)
	}
	return v
}

func newTestHandler(t *testing.T) (*OpenAIHandler, *fakeTemplateVersionRepo) {
	t.Helper()
	versions := &fakeTemplateVersionRepo{byName: map[string]*entity.TemplateVersion{
		"hotel-finder": testTemplateVersion(t, "tv-1", "tpl-1"),
	}}
	sessions := service.NewSessionService(newFakeSessionRepo(), nil)
	return NewOpenAIHandler(sessions, versions, fakeTemplateRepo{}, nil, eventstream.NewRegistry(), nil), versions
}

func doChatCompletions(h *OpenAIHandler, body map[string]interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req
	h.ChatCompletions(c)
	return rec
}

func TestChatCompletions_RejectsEmptyMessages(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doChatCompletions(h, map[string]interface{}{"model": "hotel-finder", "messages": []interface{}{}})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty messages, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletions_RejectsMalformedJSON(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req
	h.ChatCompletions(c)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestChatCompletions_UnknownModelReturns404(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doChatCompletions(h, map[string]interface{}{
		"model":    "does-not-exist",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unrecognized model/session id, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	errObj, _ := body["error"].(map[string]interface{})
	if errObj["code"] != "model_not_found" {
		t.Errorf("expected code=model_not_found, got %v", errObj["code"])
	}
}

func TestChatCompletions_SessionNotWaitingForClarificationIsConflict(t *testing.T) {
	h, _ := newTestHandler(t)
	sess, err := h.sessions.StartSession(context.Background(), testTemplateVersion(t, "tv-1", "tpl-1"), "find a hotel")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	// sess is RESEARCHING, not WAITING_FOR_CLARIFICATION.
	rec := doChatCompletions(h, map[string]interface{}{
		"model":    sess.ID(),
		"messages": []map[string]string{{"role": "user", "content": "economy please"}},
	})

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 when resuming a non-clarifying session, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFinalResponse_BuildsExpectedShape(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := h.finalResponse("sess-1", "hotel-finder", "the Park Hyatt", "stop")

	if resp.ID != "chatcmpl-sess-1" || resp.Object != "chat.completion" {
		t.Errorf("unexpected envelope: %+v", resp)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "the Park Hyatt" || resp.Choices[0].FinishReason != "stop" {
		t.Errorf("unexpected choice: %+v", resp.Choices)
	}
}

func TestErrorBody_OmitsCodeWhenEmpty(t *testing.T) {
	body := errorBody("bad request", "invalid_request_error", "")
	errObj := body["error"].(gin.H)
	if _, ok := errObj["code"]; ok {
		t.Error("expected no code field when code is empty")
	}
	if errObj["message"] != "bad request" || errObj["type"] != "invalid_request_error" {
		t.Errorf("unexpected error body: %+v", errObj)
	}
}

func TestErrorBody_IncludesCodeWhenSet(t *testing.T) {
	body := errorBody("not found", "invalid_request_error", "model_not_found")
	errObj := body["error"].(gin.H)
	if errObj["code"] != "model_not_found" {
		t.Errorf("expected code to be carried through, got %v", errObj["code"])
	}
}

func TestGetSession_ReturnsNotFoundForUnknownID(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/chats/missing", nil)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	h.GetSession(c)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown session id, got %d", rec.Code)
	}
}

func TestGetSession_ReturnsStateAndMessageCount(t *testing.T) {
	h, _ := newTestHandler(t)
	sess, err := h.sessions.StartSession(context.Background(), testTemplateVersion(t, "tv-1", "tpl-1"), "find a hotel")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/chats/"+sess.ID(), nil)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: sess.ID()}}
	h.GetSession(c)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["state"] != string(entity.SessionResearching) {
		t.Errorf("expected state RESEARCHING, got %v", body["state"])
	}
	if body["message_count"].(float64) != 2 {
		t.Errorf("expected 2 seeded messages, got %v", body["message_count"])
	}
}

func TestPutDeleteSession_ReportNotImplemented(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	h.PutSession(c)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("expected 501 from PutSession, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(rec2)
	h.DeleteSession(c2)
	if rec2.Code != http.StatusNotImplemented {
		t.Errorf("expected 501 from DeleteSession, got %d", rec2.Code)
	}
}

func TestListModels_NamesRowsAfterOwningTemplate(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req
	h.ListModels(c)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ModelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("expected 1 model row, got %d", len(resp.Data))
	}
}
