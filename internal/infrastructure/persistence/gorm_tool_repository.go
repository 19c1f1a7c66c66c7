package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/repository"
	"github.com/agentkernel/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// GormToolRepository GORM 实现的工具目录仓储
type GormToolRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormToolRepository(db *gorm.DB, logger *zap.Logger) repository.ToolRepository {
	return &GormToolRepository{db: db, logger: logger}
}

func (r *GormToolRepository) FindByID(ctx context.Context, id string) (*entity.CatalogTool, error) {
	var model models.ToolModel
	err := withRetry(ctx, r.logger, "tool.FindByID", func() error {
		return r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("tool not found")
		}
		return nil, err
	}
	return toCatalogToolEntity(&model)
}

// FindByName performs a case-insensitive lookup (the catalog's logical key
// is case-insensitive; CamelCase is merely the canonical display form).
func (r *GormToolRepository) FindByName(ctx context.Context, name string) (*entity.CatalogTool, error) {
	var model models.ToolModel
	err := withRetry(ctx, r.logger, "tool.FindByName", func() error {
		return r.db.WithContext(ctx).First(&model, "LOWER(name) = ?", strings.ToLower(name)).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("tool not found: " + name)
		}
		return nil, err
	}
	return toCatalogToolEntity(&model)
}

func (r *GormToolRepository) FindByNames(ctx context.Context, names []string) ([]*entity.CatalogTool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}
	var modelList []models.ToolModel
	err := withRetry(ctx, r.logger, "tool.FindByNames", func() error {
		return r.db.WithContext(ctx).Where("LOWER(name) IN ?", lowered).Find(&modelList).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]*entity.CatalogTool, 0, len(modelList))
	for i := range modelList {
		t, err := toCatalogToolEntity(&modelList[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *GormToolRepository) FindAllActive(ctx context.Context) ([]*entity.CatalogTool, error) {
	var modelList []models.ToolModel
	err := withRetry(ctx, r.logger, "tool.FindAllActive", func() error {
		return r.db.WithContext(ctx).Find(&modelList, "active = ?", true).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]*entity.CatalogTool, 0, len(modelList))
	for i := range modelList {
		t, err := toCatalogToolEntity(&modelList[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *GormToolRepository) Save(ctx context.Context, tool *entity.CatalogTool) error {
	configJSON, _ := json.Marshal(tool.Config())
	embeddingJSON, _ := json.Marshal(tool.Embedding())
	model := &models.ToolModel{
		ID: tool.ID(), Name: tool.Name(), Description: tool.Description(),
		Entrypoint: tool.Entrypoint(), Config: string(configJSON), Embedding: string(embeddingJSON),
		Category: string(tool.Category()), Active: tool.Active(),
		MaxCalls: tool.MaxCalls(), TimeoutSeconds: tool.TimeoutSeconds(), CooldownSeconds: tool.CooldownSeconds(),
	}
	return withRetry(ctx, r.logger, "tool.Save", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Save(model).Error; err != nil {
				return err
			}
			return tx.Exec(
				"UPDATE tool_catalog_generation SET generation = generation + 1 WHERE id = 1",
			).Error
		})
	})
}

func (r *GormToolRepository) Generation(ctx context.Context) (int64, error) {
	var row models.ToolCatalogGenerationModel
	err := withRetry(ctx, r.logger, "tool.Generation", func() error {
		err := r.db.WithContext(ctx).FirstOrCreate(&row, models.ToolCatalogGenerationModel{ID: 1}).Error
		return err
	})
	if err != nil {
		return 0, err
	}
	return row.Generation, nil
}

func toCatalogToolEntity(m *models.ToolModel) (*entity.CatalogTool, error) {
	var config map[string]interface{}
	if m.Config != "" {
		if err := json.Unmarshal([]byte(m.Config), &config); err != nil {
			return nil, domainErrors.NewInternalError("corrupt tool config: " + err.Error())
		}
	}
	var embedding []float32
	if m.Embedding != "" {
		if err := json.Unmarshal([]byte(m.Embedding), &embedding); err != nil {
			return nil, domainErrors.NewInternalError("corrupt tool embedding: " + err.Error())
		}
	}
	return entity.ReconstructCatalogTool(
		m.ID, m.Name, m.Description, m.Entrypoint, config, embedding,
		entity.ToolCategory(m.Category), m.Active, m.MaxCalls, m.TimeoutSeconds, m.CooldownSeconds,
		m.CreatedAt, m.UpdatedAt,
	), nil
}
