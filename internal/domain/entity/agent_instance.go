package entity

import "time"

// InstanceStatus is the named-slot lifecycle status.
type InstanceStatus string

const (
	InstanceOffline  InstanceStatus = "OFFLINE"
	InstanceStarting InstanceStatus = "STARTING"
	InstanceIdle     InstanceStatus = "IDLE"
	InstanceBusy     InstanceStatus = "BUSY"
	InstanceError    InstanceStatus = "ERROR"
	InstanceStopping InstanceStatus = "STOPPING"
)

// AgentInstance is a named, long-lived worker slot pinned to one template
// version. Invariant: CurrentSessionID non-empty iff Status == BUSY; the
// Store's CAS operations (ClaimInstance/ReleaseInstance) are what enforce
// this across concurrent workers, the entity only models the shape.
type AgentInstance struct {
	id                string
	name              string
	displayName       string
	templateID        string
	templateVersionID string
	status            InstanceStatus
	currentSessionID  string
	enabled           bool
	autoStart         bool
	priority          int
	lastHeartbeatAt   time.Time
	sessionsHandled   int64
	messagesHandled   int64
	toolCallsHandled  int64
	errorCount        int64
	lastError         string
	lastErrorAt       time.Time
	createdAt         time.Time
	updatedAt         time.Time
}

// NewAgentInstance constructs a new, offline instance.
func NewAgentInstance(id, name, displayName, templateID, templateVersionID string, priority int, enabled, autoStart bool) (*AgentInstance, error) {
	if id == "" {
		return nil, ErrInvalidInstanceID
	}
	if name == "" {
		return nil, ErrInvalidInstanceName
	}
	now := time.Now()
	return &AgentInstance{
		id: id, name: name, displayName: displayName,
		templateID: templateID, templateVersionID: templateVersionID,
		status: InstanceOffline, priority: priority,
		enabled: enabled, autoStart: autoStart,
		createdAt: now, updatedAt: now,
	}, nil
}

// ReconstructAgentInstance rebuilds an AgentInstance from persisted state.
func ReconstructAgentInstance(
	id, name, displayName, templateID, templateVersionID string,
	status InstanceStatus, currentSessionID string,
	enabled, autoStart bool, priority int,
	lastHeartbeatAt time.Time,
	sessionsHandled, messagesHandled, toolCallsHandled, errorCount int64,
	lastError string, lastErrorAt time.Time,
	createdAt, updatedAt time.Time,
) *AgentInstance {
	return &AgentInstance{
		id: id, name: name, displayName: displayName,
		templateID: templateID, templateVersionID: templateVersionID,
		status: status, currentSessionID: currentSessionID,
		enabled: enabled, autoStart: autoStart, priority: priority,
		lastHeartbeatAt: lastHeartbeatAt,
		sessionsHandled: sessionsHandled, messagesHandled: messagesHandled,
		toolCallsHandled: toolCallsHandled, errorCount: errorCount,
		lastError: lastError, lastErrorAt: lastErrorAt,
		createdAt: createdAt, updatedAt: updatedAt,
	}
}

func (a *AgentInstance) ID() string                    { return a.id }
func (a *AgentInstance) Name() string                  { return a.name }
func (a *AgentInstance) DisplayName() string           { return a.displayName }
func (a *AgentInstance) TemplateID() string            { return a.templateID }
func (a *AgentInstance) TemplateVersionID() string     { return a.templateVersionID }
func (a *AgentInstance) Status() InstanceStatus        { return a.status }
func (a *AgentInstance) CurrentSessionID() string      { return a.currentSessionID }
func (a *AgentInstance) Enabled() bool                 { return a.enabled }
func (a *AgentInstance) AutoStart() bool               { return a.autoStart }
func (a *AgentInstance) Priority() int                 { return a.priority }
func (a *AgentInstance) LastHeartbeatAt() time.Time    { return a.lastHeartbeatAt }
func (a *AgentInstance) SessionsHandled() int64        { return a.sessionsHandled }
func (a *AgentInstance) MessagesHandled() int64        { return a.messagesHandled }
func (a *AgentInstance) ToolCallsHandled() int64       { return a.toolCallsHandled }
func (a *AgentInstance) ErrorCount() int64             { return a.errorCount }
func (a *AgentInstance) LastError() string             { return a.lastError }
func (a *AgentInstance) IsIdle() bool                  { return a.status == InstanceIdle && a.currentSessionID == "" }
