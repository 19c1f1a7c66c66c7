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

// GormInstanceRepository GORM 实现的实例仓储（named-slot pool）
type GormInstanceRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormInstanceRepository(db *gorm.DB, logger *zap.Logger) repository.InstanceRepository {
	return &GormInstanceRepository{db: db, logger: logger}
}

func (r *GormInstanceRepository) FindByID(ctx context.Context, id string) (*entity.AgentInstance, error) {
	var model models.AgentInstanceModel
	err := withRetry(ctx, r.logger, "instance.FindByID", func() error {
		return r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("instance not found")
		}
		return nil, err
	}
	return toInstanceEntity(&model), nil
}

func (r *GormInstanceRepository) FindAllEnabled(ctx context.Context) ([]*entity.AgentInstance, error) {
	var modelList []models.AgentInstanceModel
	err := withRetry(ctx, r.logger, "instance.FindAllEnabled", func() error {
		return r.db.WithContext(ctx).Find(&modelList, "enabled = ?", true).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]*entity.AgentInstance, 0, len(modelList))
	for i := range modelList {
		out = append(out, toInstanceEntity(&modelList[i]))
	}
	return out, nil
}

// FindIdleInstance returns the enabled IDLE instance with the highest
// priority pinned to templateVersionID (§4.1 FindIdleInstance).
func (r *GormInstanceRepository) FindIdleInstance(ctx context.Context, templateVersionID string) (*entity.AgentInstance, error) {
	var model models.AgentInstanceModel
	err := withRetry(ctx, r.logger, "instance.FindIdleInstance", func() error {
		return r.db.WithContext(ctx).
			Where("template_version_id = ? AND enabled = ? AND status = ?", templateVersionID, true, string(entity.InstanceIdle)).
			Order("priority DESC").
			First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toInstanceEntity(&model), nil
}

func (r *GormInstanceRepository) Save(ctx context.Context, inst *entity.AgentInstance) error {
	model := fromInstanceEntity(inst)
	return withRetry(ctx, r.logger, "instance.Save", func() error {
		return r.db.WithContext(ctx).Save(model).Error
	})
}

// CompareAndSetStatus implements a plain CAS on the status column, used for
// OFFLINE->STARTING->IDLE boot transitions (§4.7 step 1).
func (r *GormInstanceRepository) CompareAndSetStatus(ctx context.Context, id string, expected, next entity.InstanceStatus) error {
	return withRetry(ctx, r.logger, "instance.CompareAndSetStatus", func() error {
		result := r.db.WithContext(ctx).Model(&models.AgentInstanceModel{}).
			Where("id = ? AND status = ?", id, string(expected)).
			Updates(map[string]interface{}{"status": string(next), "updated_at": time.Now().UTC()})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domainErrors.NewStaleSessionError("instance status changed concurrently")
		}
		return nil
	})
}

// ClaimInstance is the transactional compare-and-set at the heart of the
// instance pool: it only succeeds if the instance is IDLE or STARTING AND
// the session has no instance_id yet (first writer wins, §4.7 step 2).
func (r *GormInstanceRepository) ClaimInstance(ctx context.Context, instanceID, sessionID string) error {
	return withRetry(ctx, r.logger, "instance.ClaimInstance", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.AgentInstanceModel{}).
				Where("id = ? AND status IN ?", instanceID, []string{string(entity.InstanceIdle), string(entity.InstanceStarting)}).
				Updates(map[string]interface{}{
					"status":             string(entity.InstanceBusy),
					"current_session_id": sessionID,
					"updated_at":         time.Now().UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domainErrors.NewStaleSessionError("instance no longer available to claim")
			}
			res = tx.Model(&models.SessionModel{}).
				Where("id = ? AND instance_id = ?", sessionID, "").
				Updates(map[string]interface{}{"instance_id": instanceID, "updated_at": time.Now().UTC()})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domainErrors.NewStaleSessionError("session already claimed by another instance")
			}
			return nil
		})
	})
}

// ReleaseInstance clears current_session_id, sets status (IDLE or ERROR) and
// clears the session's instance pointer in the same transaction.
func (r *GormInstanceRepository) ReleaseInstance(ctx context.Context, instanceID string, ok bool, lastError string) error {
	nextStatus := string(entity.InstanceIdle)
	if !ok {
		nextStatus = string(entity.InstanceError)
	}
	return withRetry(ctx, r.logger, "instance.ReleaseInstance", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var inst models.AgentInstanceModel
			if err := tx.First(&inst, "id = ?", instanceID).Error; err != nil {
				return err
			}
			updates := map[string]interface{}{
				"status": nextStatus, "current_session_id": "", "updated_at": time.Now().UTC(),
			}
			if !ok {
				updates["last_error"] = lastError
				updates["last_error_at"] = time.Now().UTC()
				updates["error_count"] = gorm.Expr("error_count + 1")
			}
			if err := tx.Model(&models.AgentInstanceModel{}).Where("id = ?", instanceID).Updates(updates).Error; err != nil {
				return err
			}
			if inst.CurrentSessionID == "" {
				return nil
			}
			return tx.Model(&models.SessionModel{}).Where("id = ?", inst.CurrentSessionID).
				Update("instance_id", "").Error
		})
	})
}

func (r *GormInstanceRepository) Heartbeat(ctx context.Context, instanceID string) error {
	return withRetry(ctx, r.logger, "instance.Heartbeat", func() error {
		return r.db.WithContext(ctx).Model(&models.AgentInstanceModel{}).
			Where("id = ?", instanceID).
			Update("last_heartbeat_at", time.Now().UTC()).Error
	})
}

func (r *GormInstanceRepository) IncrementCounters(ctx context.Context, instanceID string, sessions, messages, toolCalls, errs int64) error {
	return withRetry(ctx, r.logger, "instance.IncrementCounters", func() error {
		return r.db.WithContext(ctx).Model(&models.AgentInstanceModel{}).Where("id = ?", instanceID).
			Updates(map[string]interface{}{
				"sessions_handled":   gorm.Expr("sessions_handled + ?", sessions),
				"messages_handled":   gorm.Expr("messages_handled + ?", messages),
				"tool_calls_handled": gorm.Expr("tool_calls_handled + ?", toolCalls),
				"error_count":        gorm.Expr("error_count + ?", errs),
			}).Error
	})
}

func toInstanceEntity(m *models.AgentInstanceModel) *entity.AgentInstance {
	return entity.ReconstructAgentInstance(
		m.ID, m.Name, m.DisplayName, m.TemplateID, m.TemplateVersionID,
		entity.InstanceStatus(m.Status), m.CurrentSessionID, m.Enabled, m.AutoStart, m.Priority,
		m.LastHeartbeatAt, m.SessionsHandled, m.MessagesHandled, m.ToolCallsHandled, m.ErrorCount,
		m.LastError, m.LastErrorAt, m.CreatedAt, m.UpdatedAt,
	)
}

func fromInstanceEntity(a *entity.AgentInstance) *models.AgentInstanceModel {
	return &models.AgentInstanceModel{
		ID: a.ID(), Name: a.Name(), DisplayName: a.DisplayName(),
		TemplateID: a.TemplateID(), TemplateVersionID: a.TemplateVersionID(),
		Status: string(a.Status()), CurrentSessionID: a.CurrentSessionID(),
		Enabled: a.Enabled(), AutoStart: a.AutoStart(), Priority: a.Priority(),
		LastHeartbeatAt: a.LastHeartbeatAt(),
		SessionsHandled: a.SessionsHandled(), MessagesHandled: a.MessagesHandled(),
		ToolCallsHandled: a.ToolCallsHandled(), ErrorCount: a.ErrorCount(),
		LastError: a.LastError(),
	}
}
