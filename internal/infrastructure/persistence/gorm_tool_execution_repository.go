package persistence

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/repository"
	"github.com/agentkernel/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// GormToolExecutionRepository GORM 实现的工具执行记录仓储
type GormToolExecutionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormToolExecutionRepository(db *gorm.DB, logger *zap.Logger) repository.ToolExecutionRepository {
	return &GormToolExecutionRepository{db: db, logger: logger}
}

func (r *GormToolExecutionRepository) Create(ctx context.Context, exec *entity.ToolExecution) error {
	model := &models.ToolExecutionModel{
		ID: exec.ID(), SessionID: exec.SessionID(), ToolID: exec.ToolID(), ToolName: exec.ToolName(),
		Arguments: exec.Arguments(), Result: exec.Result(), Status: string(exec.Status()),
		StartedAt: exec.StartedAt(), FinishedAt: exec.FinishedAt(),
	}
	return withRetry(ctx, r.logger, "toolExecution.Create", func() error {
		return r.db.WithContext(ctx).Create(model).Error
	})
}

func (r *GormToolExecutionRepository) Finish(ctx context.Context, id string, status entity.ToolExecutionStatus, result string) error {
	return withRetry(ctx, r.logger, "toolExecution.Finish", func() error {
		return r.db.WithContext(ctx).Model(&models.ToolExecutionModel{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				"status": string(status), "result": result, "finished_at": time.Now().UTC(),
			}).Error
	})
}

func (r *GormToolExecutionRepository) CountOK(ctx context.Context, sessionID, toolName string) (int, error) {
	var count int64
	err := withRetry(ctx, r.logger, "toolExecution.CountOK", func() error {
		return r.db.WithContext(ctx).Model(&models.ToolExecutionModel{}).
			Where("session_id = ? AND tool_name = ? AND status = ?", sessionID, toolName, string(entity.ToolExecOK)).
			Count(&count).Error
	})
	return int(count), err
}

func (r *GormToolExecutionRepository) LastCallAt(ctx context.Context, sessionID, toolName string) (int64, error) {
	var model models.ToolExecutionModel
	err := withRetry(ctx, r.logger, "toolExecution.LastCallAt", func() error {
		return r.db.WithContext(ctx).Where("session_id = ? AND tool_name = ?", sessionID, toolName).
			Order("started_at DESC").First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return model.StartedAt.Unix(), nil
}

// GormChatTurnRepository GORM 实现的对话轮次仓储
type GormChatTurnRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormChatTurnRepository(db *gorm.DB, logger *zap.Logger) repository.ChatTurnRepository {
	return &GormChatTurnRepository{db: db, logger: logger}
}

// Search performs a simple substring search over question/answer text. This
// is a deliberately modest stand-in for the external chat-memory
// collaborator's full-text index (out of scope; see spec.md §1).
func (r *GormChatTurnRepository) Search(ctx context.Context, sessionID, query string, limit int) ([]*entity.ChatTurn, error) {
	var modelList []models.ChatTurnModel
	q := r.db.WithContext(ctx).Model(&models.ChatTurnModel{})
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if query != "" {
		like := "%" + query + "%"
		q = q.Where("question LIKE ? OR answer LIKE ?", like, like)
	}
	err := withRetry(ctx, r.logger, "chatTurn.Search", func() error {
		return q.Order("created_at DESC").Limit(limit).Find(&modelList).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]*entity.ChatTurn, 0, len(modelList))
	for _, m := range modelList {
		out = append(out, entity.ReconstructChatTurn(m.ID, m.SessionID, m.Question, m.Answer, m.CreatedAt))
	}
	return out, nil
}

func (r *GormChatTurnRepository) Save(ctx context.Context, turn *entity.ChatTurn) error {
	model := &models.ChatTurnModel{
		ID: turn.ID(), SessionID: turn.SessionID(), Question: turn.Question(), Answer: turn.Answer(),
	}
	if model.ID == "" {
		return domainErrors.NewInvalidInputError("chat turn id required")
	}
	return withRetry(ctx, r.logger, "chatTurn.Save", func() error {
		return r.db.WithContext(ctx).Save(model).Error
	})
}
