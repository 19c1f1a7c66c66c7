package entity

import "time"

// MessageRole mirrors the OpenAI chat message schema's role enum.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// SessionMessageType distinguishes plain conversational turns from the
// richer typed step events persisted alongside them (step_start, tool_call,
// ...) so the transcript and the SSE stream can both be reconstructed from
// the same append-only log.
type SessionMessageType string

const (
	MessageTypeMessage   SessionMessageType = "message"
	MessageTypeStepStart SessionMessageType = "step_start"
	MessageTypeToolCall  SessionMessageType = "tool_call"
	MessageTypeToolResult SessionMessageType = "tool_result"
	MessageTypeStepEnd   SessionMessageType = "step_end"
	MessageTypeThinking  SessionMessageType = "thinking"
	MessageTypeError     SessionMessageType = "error"
)

// ToolCallRef is the OpenAI-compatible tool_calls entry attached to an
// assistant message.
type ToolCallRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON, as the LLM emitted it
}

// SessionMessage is one append-only, sequence-numbered entry in a session's
// transcript.
type SessionMessage struct {
	id          string
	sessionID   string
	sequence    int64
	role        MessageRole
	content     string
	toolCalls   []ToolCallRef
	toolCallID  string // set on role=tool messages
	messageType SessionMessageType
	step        int
	stepData    map[string]interface{}
	createdAt   time.Time
}

// NewSessionMessage constructs a message; sequence is assigned by the Store
// on append, so it is left at zero here and filled in by the repository.
func NewSessionMessage(id, sessionID string, role MessageRole, content string, messageType SessionMessageType, step int) (*SessionMessage, error) {
	if id == "" {
		return nil, ErrInvalidMessageID
	}
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	return &SessionMessage{
		id: id, sessionID: sessionID, role: role, content: content,
		messageType: messageType, step: step,
		stepData:  make(map[string]interface{}),
		createdAt: time.Now(),
	}, nil
}

// ReconstructSessionMessage rebuilds a SessionMessage from persisted state.
func ReconstructSessionMessage(
	id, sessionID string, sequence int64, role MessageRole, content string,
	toolCalls []ToolCallRef, toolCallID string, messageType SessionMessageType,
	step int, stepData map[string]interface{}, createdAt time.Time,
) *SessionMessage {
	return &SessionMessage{
		id: id, sessionID: sessionID, sequence: sequence, role: role, content: content,
		toolCalls: toolCalls, toolCallID: toolCallID, messageType: messageType,
		step: step, stepData: stepData, createdAt: createdAt,
	}
}

func (m *SessionMessage) ID() string                          { return m.id }
func (m *SessionMessage) SessionID() string                   { return m.sessionID }
func (m *SessionMessage) Sequence() int64                     { return m.sequence }
func (m *SessionMessage) Role() MessageRole                   { return m.role }
func (m *SessionMessage) Content() string                     { return m.content }
func (m *SessionMessage) ToolCalls() []ToolCallRef             { return m.toolCalls }
func (m *SessionMessage) ToolCallID() string                  { return m.toolCallID }
func (m *SessionMessage) MessageType() SessionMessageType      { return m.messageType }
func (m *SessionMessage) Step() int                           { return m.step }
func (m *SessionMessage) StepData() map[string]interface{}    { return m.stepData }
func (m *SessionMessage) CreatedAt() time.Time                { return m.createdAt }

// WithToolCalls attaches the OpenAI tool_calls list to an assistant message.
func (m *SessionMessage) WithToolCalls(calls []ToolCallRef) *SessionMessage {
	m.toolCalls = calls
	return m
}

// WithToolCallID marks this as a tool-role message answering a prior call.
func (m *SessionMessage) WithToolCallID(id string) *SessionMessage {
	m.toolCallID = id
	m.role = RoleTool
	return m
}

// WithStepData attaches structured payload for step_start/tool_call/... rows.
func (m *SessionMessage) WithStepData(data map[string]interface{}) *SessionMessage {
	m.stepData = data
	return m
}
