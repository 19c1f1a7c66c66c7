package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/repository"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
	"github.com/agentkernel/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// GormSessionRepository GORM 实现的会话仓储
type GormSessionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormSessionRepository(db *gorm.DB, logger *zap.Logger) repository.SessionRepository {
	return &GormSessionRepository{db: db, logger: logger}
}

func (r *GormSessionRepository) Create(ctx context.Context, s *entity.Session) error {
	model, err := fromSessionEntity(s)
	if err != nil {
		return err
	}
	return withRetry(ctx, r.logger, "session.Create", func() error {
		return r.db.WithContext(ctx).Create(model).Error
	})
}

func (r *GormSessionRepository) Load(ctx context.Context, id string) (*entity.Session, []*entity.SessionMessage, error) {
	var model models.SessionModel
	err := withRetry(ctx, r.logger, "session.Load.session", func() error {
		return r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, domainErrors.NewNotFoundError("session not found")
		}
		return nil, nil, err
	}
	var msgModels []models.SessionMessageModel
	err = withRetry(ctx, r.logger, "session.Load.messages", func() error {
		return r.db.WithContext(ctx).Where("session_id = ?", id).Order("sequence ASC").Find(&msgModels).Error
	})
	if err != nil {
		return nil, nil, err
	}
	sess, err := toSessionEntity(&model)
	if err != nil {
		return nil, nil, err
	}
	msgs := make([]*entity.SessionMessage, 0, len(msgModels))
	for i := range msgModels {
		m, err := toSessionMessageEntity(&msgModels[i])
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, m)
	}
	return sess, msgs, nil
}

// nextSequence returns the next monotone sequence number for a session
// inside an open transaction (SELECT ... FOR UPDATE semantics approximated
// by running inside the same tx as the insert it guards).
func nextSequenceTx(tx *gorm.DB, sessionID string) (int64, error) {
	var max int64 = -1
	row := tx.Model(&models.SessionMessageModel{}).Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(sequence), -1)").Row()
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (r *GormSessionRepository) AppendMessage(ctx context.Context, msg *entity.SessionMessage) (int64, error) {
	var seq int64
	err := withRetry(ctx, r.logger, "session.AppendMessage", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			next, err := nextSequenceTx(tx, msg.SessionID())
			if err != nil {
				return err
			}
			model, err := fromSessionMessageEntity(msg, next)
			if err != nil {
				return err
			}
			if err := tx.Create(model).Error; err != nil {
				return err
			}
			seq = next
			return nil
		})
	})
	return seq, err
}

// AppendMessages persists several messages as one atomic sequence run; used
// for the assistant(tool_calls)+tool_result pairs §4.6 requires be atomic.
func (r *GormSessionRepository) AppendMessages(ctx context.Context, msgs []*entity.SessionMessage) ([]int64, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	seqs := make([]int64, len(msgs))
	err := withRetry(ctx, r.logger, "session.AppendMessages", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			next, err := nextSequenceTx(tx, msgs[0].SessionID())
			if err != nil {
				return err
			}
			for i, msg := range msgs {
				model, err := fromSessionMessageEntity(msg, next+int64(i))
				if err != nil {
					return err
				}
				if err := tx.Create(model).Error; err != nil {
					return err
				}
				seqs[i] = next + int64(i)
			}
			return nil
		})
	})
	return seqs, err
}

// UpdateState is the Session compare-and-set: the state column is only
// updated if it still matches expectedOldState (§4.1/§4.6).
func (r *GormSessionRepository) UpdateState(ctx context.Context, id string, expectedOldState, newState entity.SessionState, snapshot valueobject.ContextSnapshot) error {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return domainErrors.NewInvalidInputError("failed to encode context snapshot: " + err.Error())
	}
	return withRetry(ctx, r.logger, "session.UpdateState", func() error {
		result := r.db.WithContext(ctx).Model(&models.SessionModel{}).
			Where("id = ? AND state = ?", id, string(expectedOldState)).
			Updates(map[string]interface{}{
				"state":            string(newState),
				"context_snapshot": string(snapshotJSON),
				"updated_at":       time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domainErrors.NewStaleSessionError("session state changed concurrently")
		}
		return nil
	})
}

func (r *GormSessionRepository) Snapshot(ctx context.Context, id string, snapshot valueobject.ContextSnapshot) error {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return domainErrors.NewInvalidInputError("failed to encode context snapshot: " + err.Error())
	}
	return withRetry(ctx, r.logger, "session.Snapshot", func() error {
		return r.db.WithContext(ctx).Model(&models.SessionModel{}).Where("id = ?", id).
			Updates(map[string]interface{}{"context_snapshot": string(snapshotJSON), "updated_at": time.Now().UTC()}).Error
	})
}

func (r *GormSessionRepository) AssignInstance(ctx context.Context, sessionID, instanceID string) error {
	return withRetry(ctx, r.logger, "session.AssignInstance", func() error {
		return r.db.WithContext(ctx).Model(&models.SessionModel{}).Where("id = ?", sessionID).
			Update("instance_id", instanceID).Error
	})
}

func (r *GormSessionRepository) ClearInstance(ctx context.Context, sessionID string) error {
	return withRetry(ctx, r.logger, "session.ClearInstance", func() error {
		return r.db.WithContext(ctx).Model(&models.SessionModel{}).Where("id = ?", sessionID).
			Update("instance_id", "").Error
	})
}

func (r *GormSessionRepository) FindResearchingUnclaimed(ctx context.Context, templateVersionID string) ([]*entity.Session, error) {
	var modelList []models.SessionModel
	err := withRetry(ctx, r.logger, "session.FindResearchingUnclaimed", func() error {
		return r.db.WithContext(ctx).Where(
			"template_version_id = ? AND state = ? AND (instance_id IS NULL OR instance_id = ?)",
			templateVersionID, string(entity.SessionResearching), "",
		).Order("updated_at ASC").Find(&modelList).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Session, 0, len(modelList))
	for i := range modelList {
		s, err := toSessionEntity(&modelList[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func toSessionEntity(m *models.SessionModel) (*entity.Session, error) {
	var snapshot valueobject.ContextSnapshot
	if m.ContextSnapshot != "" {
		if err := json.Unmarshal([]byte(m.ContextSnapshot), &snapshot); err != nil {
			return nil, domainErrors.NewInternalError("corrupt context snapshot: " + err.Error())
		}
	}
	return entity.ReconstructSession(m.ID, m.TemplateVersionID, m.InstanceID, m.Title, entity.SessionState(m.State), snapshot, m.CreatedAt, m.UpdatedAt), nil
}

func fromSessionEntity(s *entity.Session) (*models.SessionModel, error) {
	snapshotJSON, err := json.Marshal(s.ContextSnapshot())
	if err != nil {
		return nil, domainErrors.NewInvalidInputError("failed to encode context snapshot: " + err.Error())
	}
	return &models.SessionModel{
		ID: s.ID(), TemplateVersionID: s.TemplateVersionID(), InstanceID: s.InstanceID(),
		Title: s.Title(), State: string(s.State()), ContextSnapshot: string(snapshotJSON),
	}, nil
}

func toSessionMessageEntity(m *models.SessionMessageModel) (*entity.SessionMessage, error) {
	var toolCalls []entity.ToolCallRef
	if m.ToolCalls != "" {
		if err := json.Unmarshal([]byte(m.ToolCalls), &toolCalls); err != nil {
			return nil, domainErrors.NewInternalError("corrupt tool_calls: " + err.Error())
		}
	}
	var stepData map[string]interface{}
	if m.StepData != "" {
		if err := json.Unmarshal([]byte(m.StepData), &stepData); err != nil {
			return nil, domainErrors.NewInternalError("corrupt step_data: " + err.Error())
		}
	}
	return entity.ReconstructSessionMessage(
		m.ID, m.SessionID, m.Sequence, entity.MessageRole(m.Role), m.Content,
		toolCalls, m.ToolCallID, entity.SessionMessageType(m.MessageType), m.Step, stepData, m.CreatedAt,
	), nil
}

func fromSessionMessageEntity(m *entity.SessionMessage, seq int64) (*models.SessionMessageModel, error) {
	toolCallsJSON, err := json.Marshal(m.ToolCalls())
	if err != nil {
		return nil, domainErrors.NewInvalidInputError("failed to encode tool_calls: " + err.Error())
	}
	stepDataJSON, err := json.Marshal(m.StepData())
	if err != nil {
		return nil, domainErrors.NewInvalidInputError("failed to encode step_data: " + err.Error())
	}
	return &models.SessionMessageModel{
		ID: m.ID(), SessionID: m.SessionID(), Sequence: seq, Role: string(m.Role()), Content: m.Content(),
		ToolCalls: string(toolCallsJSON), ToolCallID: m.ToolCallID(), MessageType: string(m.MessageType()),
		Step: m.Step(), StepData: string(stepDataJSON),
	}, nil
}
