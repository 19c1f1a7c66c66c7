package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/eventstream"
	"github.com/agentkernel/gateway/internal/domain/repository"
	"github.com/agentkernel/gateway/internal/domain/service"
	"github.com/agentkernel/gateway/internal/interfaces/http/sse"
)

// OpenAIHandler implements the Gateway Adapter (C9): an OpenAI Chat
// Completions compatible surface over the session runtime kernel instead of
// the teacher's single-shot ProcessMessageUseCase. Grounded on the
// teacher's own openai_handler.go for the wire-format types and SSE framing
// idiom, rewritten so that "model" routes to either StartSession or
// ResumeWithClarification per §5.1 instead of naming an LLM.
type OpenAIHandler struct {
	sessions  *service.SessionService
	versions  repository.TemplateVersionRepository
	templates repository.TemplateRepository
	pool      *service.InstancePool
	streams   *eventstream.Registry
	logger    *zap.Logger
}

// NewOpenAIHandler constructs the Gateway Adapter.
func NewOpenAIHandler(
	sessions *service.SessionService,
	versions repository.TemplateVersionRepository,
	templates repository.TemplateRepository,
	pool *service.InstancePool,
	streams *eventstream.Registry,
	logger *zap.Logger,
) *OpenAIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIHandler{sessions: sessions, versions: versions, templates: templates, pool: pool, streams: streams, logger: logger}
}

// ChatCompletionRequest mirrors OpenAI's request format. "model" is
// overloaded per §5.1: either a template name (starts a new session) or an
// existing session id currently WAITING_FOR_CLARIFICATION (resumes it).
type ChatCompletionRequest struct {
	Model    string        `json:"model" binding:"required"`
	Messages []ChatMessage `json:"messages" binding:"required"`
	Stream   bool          `json:"stream,omitempty"`
	User     string        `json:"user,omitempty"`
}

// ChatMessage represents a message in the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse mirrors OpenAI's non-streaming response format.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// ChatChoice represents a completion choice.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// OpenAIModel represents a model entry in the /v1/models response; one row
// per active TemplateVersion (§5.3), named after its owning Template.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse mirrors OpenAI's models list response.
type ModelsResponse struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// ChatCompletions handles POST /v1/chat/completions. Routing (§5.1):
//   - model names an active template -> StartSession with the last message
//     as the initial user prompt.
//   - model is a session id currently WAITING_FOR_CLARIFICATION -> that
//     message answers the clarification and resumes the session.
//   - neither -> 404 model_not_found.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "invalid_request_error", ""))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, errorBody("messages array must not be empty", "invalid_request_error", ""))
		return
	}
	lastMsg := req.Messages[len(req.Messages)-1]
	ctx := c.Request.Context()

	if tv, err := h.versions.FindActiveByTemplateName(ctx, req.Model); err == nil && tv != nil {
		sess, err := h.sessions.StartSession(ctx, tv, lastMsg.Content)
		if err != nil {
			h.logger.Error("start session failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, errorBody(err.Error(), "server_error", ""))
			return
		}
		h.serve(c, sess, tv.ID(), req)
		return
	}

	if sess, _, err := h.sessions.Load(ctx, req.Model); err == nil && sess != nil {
		if sess.State() != entity.SessionWaitingForClarification {
			c.Header("X-Session-Id", sess.ID())
			c.JSON(http.StatusConflict, errorBody("session is not waiting for clarification", "invalid_request_error", "session_not_clarifying"))
			return
		}
		resumed, err := h.sessions.ResumeWithClarification(ctx, sess.ID(), lastMsg.Content)
		if err != nil {
			c.Header("X-Session-Error", err.Error())
			c.JSON(http.StatusInternalServerError, errorBody(err.Error(), "server_error", ""))
			return
		}
		h.serve(c, resumed, resumed.TemplateVersionID(), req)
		return
	}

	c.JSON(http.StatusNotFound, errorBody(
		fmt.Sprintf("model '%s' is neither an active template nor a session awaiting clarification", req.Model),
		"invalid_request_error", "model_not_found"))
}

// serve attaches this session's event stream, wakes the instance pool, and
// drains the stream to the client either as SSE frames or as one aggregated
// OpenAI response, per req.Stream.
func (h *OpenAIHandler) serve(c *gin.Context, sess *entity.Session, templateVersionID string, req ChatCompletionRequest) {
	c.Header("X-Session-Id", sess.ID())
	stream := h.streams.Create(sess.ID())
	defer h.streams.Remove(sess.ID())
	h.pool.NotifySessionReady(templateVersionID)

	if req.Stream {
		h.streamSSE(c, sess.ID(), req.Model, stream)
		return
	}
	h.collectAndRespond(c, sess.ID(), req.Model, stream)
}

// streamSSE relays the raw typed event taxonomy (§4.2/§6) as SSE frames
// until a done/error event closes the exchange or the client disconnects.
func (h *OpenAIHandler) streamSSE(c *gin.Context, sessionID, model string, stream *eventstream.Stream) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sse.WriteSessionComment(c.Writer, sessionID)
	c.Writer.Flush()

	flusher, _ := c.Writer.(sse.Flusher)
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				sse.WriteDone(c.Writer)
				if flusher != nil {
					flusher.Flush()
				}
				return
			}
			if err := sse.WriteEvent(c.Writer, ev); err != nil {
				h.logger.Warn("sse write failed", zap.Error(err))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if ev.Kind == eventstream.KindDone || ev.Kind == eventstream.KindError {
				sse.WriteDone(c.Writer)
				if flusher != nil {
					flusher.Flush()
				}
				return
			}
		}
	}
}

// collectAndRespond drains the stream internally and renders one OpenAI
// chat.completion response once the step reaches done/error, used by
// non-streaming callers.
func (h *OpenAIHandler) collectAndRespond(c *gin.Context, sessionID, model string, stream *eventstream.Stream) {
	var content strings.Builder
	finishReason := "stop"

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				c.JSON(http.StatusOK, h.finalResponse(sessionID, model, content.String(), finishReason))
				return
			}
			switch ev.Kind {
			case eventstream.KindMessage:
				if d, ok := ev.Data.(eventstream.MessageDelta); ok {
					content.WriteString(d.Content)
				}
			case eventstream.KindError:
				finishReason = "error"
				c.JSON(http.StatusOK, h.finalResponse(sessionID, model, content.String(), finishReason))
				return
			case eventstream.KindDone:
				c.JSON(http.StatusOK, h.finalResponse(sessionID, model, content.String(), finishReason))
				return
			}
		}
	}
}

func (h *OpenAIHandler) finalResponse(sessionID, model, content, finishReason string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      fmt.Sprintf("chatcmpl-%s", sessionID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{
			{Index: 0, Message: ChatMessage{Role: "assistant", Content: content}, FinishReason: finishReason},
		},
	}
}

// ListModels handles GET /v1/models: one row per active TemplateVersion,
// named after its owning Template (§5.3).
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()
	versions, err := h.versions.FindAllActive(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err.Error(), "server_error", ""))
		return
	}
	models := make([]OpenAIModel, 0, len(versions))
	for _, v := range versions {
		name := v.TemplateID()
		if tpl, err := h.templates.FindByID(ctx, v.TemplateID()); err == nil && tpl != nil {
			name = tpl.Name()
		}
		models = append(models, OpenAIModel{
			ID:      name,
			Object:  "model",
			Created: v.CreatedAt().Unix(),
			OwnedBy: "ngoclaw",
		})
	}
	c.JSON(http.StatusOK, ModelsResponse{Object: "list", Data: models})
}

// GetSession handles GET /v1/chats/:id: a boundary-completeness read of a
// session's current state and transcript length, not a full chat-management
// API (out of scope per spec.md's Non-goals).
func (h *OpenAIHandler) GetSession(c *gin.Context) {
	id := c.Param("id")
	sess, messages, err := h.sessions.Load(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody(err.Error(), "invalid_request_error", "session_not_found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            sess.ID(),
		"state":         sess.State(),
		"title":         sess.Title(),
		"message_count": len(messages),
		"created_at":    sess.CreatedAt().Unix(),
		"updated_at":    sess.UpdatedAt().Unix(),
	})
}

// PutSession and DeleteSession are boundary-completeness stubs: the runtime
// kernel has no concept of editing or deleting a session's history, only
// advancing its state machine, so these report 501 rather than silently
// pretending to support an operation spec.md never defines.
func (h *OpenAIHandler) PutSession(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, errorBody("sessions are append-only; editing history is not supported", "invalid_request_error", "not_supported"))
}

func (h *OpenAIHandler) DeleteSession(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, errorBody("sessions cannot be deleted; let them reach a terminal state", "invalid_request_error", "not_supported"))
}

func errorBody(message, errType, code string) gin.H {
	body := gin.H{"message": message, "type": errType}
	if code != "" {
		body["code"] = code
	}
	return gin.H{"error": body}
}
