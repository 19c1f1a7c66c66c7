package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/repository"
	"github.com/agentkernel/gateway/internal/domain/valueobject"
	"github.com/agentkernel/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// GormTemplateRepository GORM 实现的模板仓储
type GormTemplateRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormTemplateRepository(db *gorm.DB, logger *zap.Logger) repository.TemplateRepository {
	return &GormTemplateRepository{db: db, logger: logger}
}

func (r *GormTemplateRepository) FindByID(ctx context.Context, id string) (*entity.Template, error) {
	var model models.TemplateModel
	err := withRetry(ctx, r.logger, "template.FindByID", func() error {
		return r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("template not found")
		}
		return nil, err
	}
	return toTemplateEntity(&model), nil
}

func (r *GormTemplateRepository) FindByName(ctx context.Context, name string) (*entity.Template, error) {
	var model models.TemplateModel
	err := withRetry(ctx, r.logger, "template.FindByName", func() error {
		return r.db.WithContext(ctx).First(&model, "name = ?", name).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("template not found")
		}
		return nil, err
	}
	return toTemplateEntity(&model), nil
}

func (r *GormTemplateRepository) FindAll(ctx context.Context) ([]*entity.Template, error) {
	var modelList []models.TemplateModel
	err := withRetry(ctx, r.logger, "template.FindAll", func() error {
		return r.db.WithContext(ctx).Find(&modelList).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Template, 0, len(modelList))
	for i := range modelList {
		out = append(out, toTemplateEntity(&modelList[i]))
	}
	return out, nil
}

func (r *GormTemplateRepository) Save(ctx context.Context, tpl *entity.Template) error {
	model := &models.TemplateModel{
		ID: tpl.ID(), Name: tpl.Name(), Description: tpl.Description(),
		ActiveVersionID: tpl.ActiveVersionID(),
	}
	return withRetry(ctx, r.logger, "template.Save", func() error {
		return r.db.WithContext(ctx).Save(model).Error
	})
}

// ActivateVersion flips the previous active version off and the new one on,
// and repoints the template, inside one transaction (invariant 2, §8).
func (r *GormTemplateRepository) ActivateVersion(ctx context.Context, templateID, versionID string) error {
	return withRetry(ctx, r.logger, "template.ActivateVersion", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.TemplateVersionModel{}).
				Where("template_id = ? AND active = ?", templateID, true).
				Update("active", false).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.TemplateVersionModel{}).
				Where("id = ?", versionID).Update("active", true).Error; err != nil {
				return err
			}
			return tx.Model(&models.TemplateModel{}).Where("id = ?", templateID).
				Update("active_version_id", versionID).Error
		})
	})
}

func toTemplateEntity(m *models.TemplateModel) *entity.Template {
	return entity.ReconstructTemplate(m.ID, m.Name, m.Description, m.ActiveVersionID, m.CreatedAt, m.UpdatedAt)
}

// GormTemplateVersionRepository GORM 实现的模板版本仓储
type GormTemplateVersionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormTemplateVersionRepository(db *gorm.DB, logger *zap.Logger) repository.TemplateVersionRepository {
	return &GormTemplateVersionRepository{db: db, logger: logger}
}

func (r *GormTemplateVersionRepository) FindByID(ctx context.Context, id string) (*entity.TemplateVersion, error) {
	var model models.TemplateVersionModel
	err := withRetry(ctx, r.logger, "templateVersion.FindByID", func() error {
		return r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("template version not found")
		}
		return nil, err
	}
	return toTemplateVersionEntity(&model)
}

func (r *GormTemplateVersionRepository) FindActiveByTemplateID(ctx context.Context, templateID string) (*entity.TemplateVersion, error) {
	var model models.TemplateVersionModel
	err := withRetry(ctx, r.logger, "templateVersion.FindActiveByTemplateID", func() error {
		return r.db.WithContext(ctx).First(&model, "template_id = ? AND active = ?", templateID, true).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("no active template version")
		}
		return nil, err
	}
	return toTemplateVersionEntity(&model)
}

func (r *GormTemplateVersionRepository) FindActiveByTemplateName(ctx context.Context, name string) (*entity.TemplateVersion, error) {
	var tplModel models.TemplateModel
	err := withRetry(ctx, r.logger, "templateVersion.FindActiveByTemplateName.template", func() error {
		return r.db.WithContext(ctx).First(&tplModel, "name = ?", name).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("template not found")
		}
		return nil, err
	}
	return r.FindActiveByTemplateID(ctx, tplModel.ID)
}

func (r *GormTemplateVersionRepository) FindAllActive(ctx context.Context) ([]*entity.TemplateVersion, error) {
	var modelList []models.TemplateVersionModel
	err := withRetry(ctx, r.logger, "templateVersion.FindAllActive", func() error {
		return r.db.WithContext(ctx).Find(&modelList, "active = ?", true).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]*entity.TemplateVersion, 0, len(modelList))
	for i := range modelList {
		v, err := toTemplateVersionEntity(&modelList[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *GormTemplateVersionRepository) Create(ctx context.Context, v *entity.TemplateVersion) error {
	settingsJSON, err := json.Marshal(v.Settings())
	if err != nil {
		return domainErrors.NewInvalidInputError("failed to encode settings: " + err.Error())
	}
	toolsJSON, err := json.Marshal(v.Tools())
	if err != nil {
		return domainErrors.NewInvalidInputError("failed to encode tools: " + err.Error())
	}
	model := &models.TemplateVersionModel{
		ID: v.ID(), TemplateID: v.TemplateID(), Version: v.Version(),
		Settings: string(settingsJSON), Tools: string(toolsJSON), Active: v.Active(),
	}
	return withRetry(ctx, r.logger, "templateVersion.Create", func() error {
		return r.db.WithContext(ctx).Create(model).Error
	})
}

func toTemplateVersionEntity(m *models.TemplateVersionModel) (*entity.TemplateVersion, error) {
	var settings valueobject.TemplateSettings
	if err := json.Unmarshal([]byte(m.Settings), &settings); err != nil {
		return nil, domainErrors.NewInternalError("corrupt template version settings: " + err.Error())
	}
	var tools []string
	if m.Tools != "" {
		if err := json.Unmarshal([]byte(m.Tools), &tools); err != nil {
			return nil, domainErrors.NewInternalError("corrupt template version tools: " + err.Error())
		}
	}
	return entity.ReconstructTemplateVersion(m.ID, m.TemplateID, m.Version, settings, tools, m.Active, m.CreatedAt), nil
}
