package models

import (
	"time"

	"gorm.io/gorm"
)

// TemplateModel 数据库模板模型
type TemplateModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	Name            string `gorm:"uniqueIndex;size:128;not null"`
	Description     string `gorm:"type:text"`
	ActiveVersionID string `gorm:"size:64;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       gorm.DeletedAt `gorm:"index"`
}

func (TemplateModel) TableName() string { return "templates" }

// TemplateVersionModel 数据库模板版本模型. Immutable once created except Active.
type TemplateVersionModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	TemplateID string `gorm:"size:64;index;not null"`
	Version    int
	Settings   string `gorm:"type:text"` // JSON-encoded valueobject.TemplateSettings
	Tools      string `gorm:"type:text"` // JSON-encoded []string
	Active     bool   `gorm:"index"`
	CreatedAt  time.Time
}

func (TemplateVersionModel) TableName() string { return "template_versions" }

// ToolModel 数据库工具目录条目模型
type ToolModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	Name            string `gorm:"uniqueIndex;size:128;not null"`
	Description     string `gorm:"type:text"`
	Entrypoint      string `gorm:"size:255"`
	Config          string `gorm:"type:text"` // JSON
	Embedding       string `gorm:"type:text"` // JSON []float32
	Category        string `gorm:"size:32"`
	Active          bool   `gorm:"index"`
	MaxCalls        int
	TimeoutSeconds  int
	CooldownSeconds int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       gorm.DeletedAt `gorm:"index"`
}

func (ToolModel) TableName() string { return "tools" }

// ToolCatalogGenerationModel is a single-row counter bumped on every Tool
// write, read by the toolcatalog resolution cache to decide re-resolution.
type ToolCatalogGenerationModel struct {
	ID         uint `gorm:"primaryKey"`
	Generation int64
}

func (ToolCatalogGenerationModel) TableName() string { return "tool_catalog_generation" }

// AgentInstanceModel 数据库命名实例模型
type AgentInstanceModel struct {
	ID                string `gorm:"primaryKey;size:64"`
	Name              string `gorm:"uniqueIndex;size:128;not null"`
	DisplayName       string `gorm:"size:128"`
	TemplateID        string `gorm:"size:64;index"`
	TemplateVersionID string `gorm:"size:64;index"`
	Status            string `gorm:"size:16;index"`
	CurrentSessionID  string `gorm:"size:64;index"`
	Enabled           bool
	AutoStart         bool
	Priority          int
	LastHeartbeatAt   time.Time
	SessionsHandled   int64
	MessagesHandled   int64
	ToolCallsHandled  int64
	ErrorCount        int64
	LastError         string `gorm:"type:text"`
	LastErrorAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (AgentInstanceModel) TableName() string { return "agent_instances" }

// SessionModel 数据库会话模型
type SessionModel struct {
	ID                string `gorm:"primaryKey;size:64"`
	TemplateVersionID string `gorm:"size:64;index;not null"`
	InstanceID        string `gorm:"size:64;index"`
	Title             string `gorm:"size:255"`
	State             string `gorm:"size:32;index"`
	ContextSnapshot   string `gorm:"type:text"` // JSON valueobject.ContextSnapshot
	CreatedAt         time.Time
	UpdatedAt         time.Time `gorm:"index"`
}

func (SessionModel) TableName() string { return "sessions" }

// SessionMessageModel 数据库会话消息模型
type SessionMessageModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	SessionID   string `gorm:"size:64;index;not null"`
	Sequence    int64  `gorm:"index"`
	Role        string `gorm:"size:16"`
	Content     string `gorm:"type:text"`
	ToolCalls   string `gorm:"type:text"` // JSON []entity.ToolCallRef
	ToolCallID  string `gorm:"size:64;index"`
	MessageType string `gorm:"size:16"`
	Step        int
	StepData    string `gorm:"type:text"` // JSON
	CreatedAt   time.Time
}

func (SessionMessageModel) TableName() string { return "session_messages" }

// ToolExecutionModel 数据库工具执行记录模型
type ToolExecutionModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	SessionID  string `gorm:"size:64;index;not null"`
	ToolID     string `gorm:"size:64;index"`
	ToolName   string `gorm:"size:128;index"`
	Arguments  string `gorm:"type:text"`
	Result     string `gorm:"type:text"`
	Status     string `gorm:"size:16"`
	StartedAt  time.Time
	FinishedAt time.Time
}

func (ToolExecutionModel) TableName() string { return "tool_executions" }

// ChatTurnModel 数据库对话轮次模型 (external collaborator surface)
type ChatTurnModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"size:64;index"`
	Question  string `gorm:"type:text"`
	Answer    string `gorm:"type:text"`
	CreatedAt time.Time
}

func (ChatTurnModel) TableName() string { return "chat_turns" }
