package repository

import (
	"context"

	"github.com/agentkernel/gateway/internal/domain/entity"
)

// ToolExecutionRepository 工具执行记录仓储接口
type ToolExecutionRepository interface {
	Create(ctx context.Context, exec *entity.ToolExecution) error
	Finish(ctx context.Context, id string, status entity.ToolExecutionStatus, result string) error

	// CountOK returns the number of ok-status executions for (session, tool),
	// the quantity tool-quota monotonicity (§8 law) is checked against.
	CountOK(ctx context.Context, sessionID, toolName string) (int, error)

	// LastCallAt returns the most recent started_at for (session, tool), or
	// the zero time if there has been none yet (cooldown enforcement).
	LastCallAt(ctx context.Context, sessionID, toolName string) (int64, error)
}

// ChatTurnRepository 对话轮次仓储接口（外部协作边界，核心只读）
type ChatTurnRepository interface {
	Search(ctx context.Context, sessionID, query string, limit int) ([]*entity.ChatTurn, error)
	Save(ctx context.Context, turn *entity.ChatTurn) error
}
