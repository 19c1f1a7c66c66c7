package entity

import (
	"time"

	"github.com/agentkernel/gateway/internal/domain/valueobject"
)

// SessionState is the top-level state machine driving one conversation.
type SessionState string

const (
	SessionInited                   SessionState = "INITED"
	SessionResearching              SessionState = "RESEARCHING"
	SessionWaitingForClarification  SessionState = "WAITING_FOR_CLARIFICATION"
	SessionCompleted                SessionState = "COMPLETED"
	SessionFailed                   SessionState = "FAILED"
)

// IsTerminal reports whether s admits no further transitions.
func (s SessionState) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// sessionTransitions is the adjacency map of legal Session.state transitions,
// grounded on domain/service/state_machine.go's validTransitions idiom but
// keyed on SessionState rather than the in-process AgentState.
var sessionTransitions = map[SessionState][]SessionState{
	SessionInited:                  {SessionResearching, SessionFailed},
	SessionResearching:             {SessionWaitingForClarification, SessionCompleted, SessionFailed, SessionResearching},
	SessionWaitingForClarification: {SessionResearching, SessionFailed},
	SessionCompleted:               {},
	SessionFailed:                  {},
}

// CanTransition reports whether from->to is a legal Session state edge.
func CanTransition(from, to SessionState) bool {
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one multi-step conversation bound to a template version.
type Session struct {
	id                string
	templateVersionID string
	instanceID        string
	title             string
	state             SessionState
	contextSnapshot   valueobject.ContextSnapshot
	createdAt         time.Time
	updatedAt         time.Time
}

// NewSession creates a session in state INITED.
func NewSession(id, templateVersionID, title string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidSessionID
	}
	if templateVersionID == "" {
		return nil, ErrInvalidTemplateVersionID
	}
	now := time.Now()
	return &Session{
		id:                id,
		templateVersionID: templateVersionID,
		title:             title,
		state:             SessionInited,
		contextSnapshot:   valueobject.NewContextSnapshot(now.Unix()),
		createdAt:         now,
		updatedAt:         now,
	}, nil
}

// ReconstructSession rebuilds a Session from persisted state.
func ReconstructSession(id, templateVersionID, instanceID, title string, state SessionState, snapshot valueobject.ContextSnapshot, createdAt, updatedAt time.Time) *Session {
	return &Session{
		id: id, templateVersionID: templateVersionID, instanceID: instanceID,
		title: title, state: state, contextSnapshot: snapshot,
		createdAt: createdAt, updatedAt: updatedAt,
	}
}

func (s *Session) ID() string                                 { return s.id }
func (s *Session) TemplateVersionID() string                  { return s.templateVersionID }
func (s *Session) InstanceID() string                         { return s.instanceID }
func (s *Session) Title() string                               { return s.title }
func (s *Session) State() SessionState                         { return s.state }
func (s *Session) ContextSnapshot() valueobject.ContextSnapshot { return s.contextSnapshot }
func (s *Session) CreatedAt() time.Time                        { return s.createdAt }
func (s *Session) UpdatedAt() time.Time                        { return s.updatedAt }
func (s *Session) IsTerminal() bool                            { return s.state.IsTerminal() }

// Transition validates and applies a state change plus a new snapshot. It is
// the in-memory mirror of the Store's compare-and-set; the Store is the
// actual source of truth and rejects the write independently if state
// changed underneath it (stale_session).
func (s *Session) Transition(to SessionState, snapshot valueobject.ContextSnapshot) error {
	if s.state.IsTerminal() {
		return ErrSessionTerminal
	}
	if !CanTransition(s.state, to) {
		return ErrInvalidStateTransition
	}
	s.state = to
	s.contextSnapshot = snapshot
	s.updatedAt = time.Now()
	return nil
}

// AssignInstance records which worker currently holds this session.
func (s *Session) AssignInstance(instanceID string) {
	s.instanceID = instanceID
	s.updatedAt = time.Now()
}

// ClearInstance releases the worker binding (on suspension/completion/error).
func (s *Session) ClearInstance() {
	s.instanceID = ""
	s.updatedAt = time.Now()
}
