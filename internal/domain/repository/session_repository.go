package repository

import (
	"context"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
)

// SessionRepository 会话仓储接口 (C1 Store operations over Session/SessionMessage)
type SessionRepository interface {
	Create(ctx context.Context, s *entity.Session) error

	// Load returns the session, its messages in sequence order, and the
	// last persisted context snapshot (duplicated on Session for convenience).
	Load(ctx context.Context, id string) (*entity.Session, []*entity.SessionMessage, error)

	// AppendMessage assigns a monotone per-session sequence number and
	// persists the message; returns the assigned sequence.
	AppendMessage(ctx context.Context, msg *entity.SessionMessage) (int64, error)

	// AppendMessages persists several messages atomically in one sequence
	// run (used for the assistant+tool_result pair in §4.6).
	AppendMessages(ctx context.Context, msgs []*entity.SessionMessage) ([]int64, error)

	// UpdateState is a compare-and-set on session.state; fails with
	// pkg/errors stale_session if expectedOldState doesn't match storage.
	UpdateState(ctx context.Context, id string, expectedOldState, newState entity.SessionState, snapshot valueobject.ContextSnapshot) error

	// Snapshot overwrites context_snapshot without a state change.
	Snapshot(ctx context.Context, id string, snapshot valueobject.ContextSnapshot) error

	// AssignInstance / ClearInstance set/clear session.instance_id; called
	// from within the same transaction as InstanceRepository's claim/release.
	AssignInstance(ctx context.Context, sessionID, instanceID string) error
	ClearInstance(ctx context.Context, sessionID string) error

	// FindResearchingUnclaimed lists sessions ready for a worker to claim:
	// state=RESEARCHING, instance_id IS NULL, for the given template version.
	FindResearchingUnclaimed(ctx context.Context, templateVersionID string) ([]*entity.Session, error)
}
