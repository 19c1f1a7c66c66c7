package repository

import (
	"context"

	"github.com/agentkernel/gateway/internal/domain/entity"
)

// InstanceRepository 实例仓储接口（named-slot pool, §4.1/§4.7）
type InstanceRepository interface {
	FindByID(ctx context.Context, id string) (*entity.AgentInstance, error)
	FindAllEnabled(ctx context.Context) ([]*entity.AgentInstance, error)

	// FindIdleInstance returns the enabled IDLE instance with the highest
	// priority pinned to templateVersionID, or nil if none is idle.
	FindIdleInstance(ctx context.Context, templateVersionID string) (*entity.AgentInstance, error)

	Save(ctx context.Context, inst *entity.AgentInstance) error

	// CAS status OFFLINE->STARTING and STARTING->IDLE etc; returns a
	// pkg/errors stale_session error (NewStaleSessionError) if expected
	// doesn't match the stored status.
	CompareAndSetStatus(ctx context.Context, id string, expected, next entity.InstanceStatus) error

	// ClaimInstance sets current_session_id+status=BUSY iff status is IDLE
	// or STARTING, and sets session.instance_id in the same transaction.
	// Returns pkg/errors stale_session if another worker won the race.
	ClaimInstance(ctx context.Context, instanceID, sessionID string) error

	// ReleaseInstance clears current_session_id, sets status (IDLE or
	// ERROR), and bumps counters atomically.
	ReleaseInstance(ctx context.Context, instanceID string, ok bool, lastError string) error

	Heartbeat(ctx context.Context, instanceID string) error

	IncrementCounters(ctx context.Context, instanceID string, sessions, messages, toolCalls, errs int64) error
}
