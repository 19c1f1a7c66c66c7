package entity

import "errors"

var (
	// Agent errors
	ErrInvalidAgentID      = errors.New("invalid agent id")
	ErrInvalidAgentName    = errors.New("invalid agent name")
	ErrSkillAlreadyExists  = errors.New("skill already exists")
	ErrSkillNotFound       = errors.New("skill not found")

	// Message errors
	ErrInvalidMessageID      = errors.New("invalid message id")
	ErrInvalidConversationID = errors.New("invalid conversation id")

	// Skill errors
	ErrInvalidSkillID   = errors.New("invalid skill id")
	ErrInvalidSkillName = errors.New("invalid skill name")

	// Conversation errors
	ErrInvalidChannelID = errors.New("invalid channel id")

	// Template / TemplateVersion errors
	ErrInvalidTemplateID        = errors.New("invalid template id")
	ErrInvalidTemplateName      = errors.New("invalid template name")
	ErrInvalidTemplateVersionID = errors.New("invalid template version id")
	ErrTemplateVersionImmutable = errors.New("template version is immutable once created")

	// Tool catalog errors
	ErrInvalidToolID   = errors.New("invalid tool id")
	ErrInvalidToolName = errors.New("invalid tool name")

	// AgentInstance errors
	ErrInvalidInstanceID     = errors.New("invalid instance id")
	ErrInvalidInstanceName   = errors.New("invalid instance name")
	ErrInstanceNotIdle       = errors.New("instance is not idle")
	ErrInstanceAlreadyBusy   = errors.New("instance already holds a session")

	// Session errors
	ErrInvalidSessionID      = errors.New("invalid session id")
	ErrSessionTerminal       = errors.New("session is in a terminal state")
	ErrInvalidStateTransition = errors.New("invalid session state transition")
	ErrNotWaitingOnClarify   = errors.New("session is not waiting for clarification")

	// SessionMessage errors
	ErrDanglingToolResult = errors.New("tool result has no matching prior assistant tool_call")

	// ToolExecution errors
	ErrInvalidToolExecutionID = errors.New("invalid tool execution id")
)
