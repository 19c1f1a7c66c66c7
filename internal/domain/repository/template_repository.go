package repository

import (
	"context"

	"github.com/agentkernel/gateway/internal/domain/entity"
)

// TemplateRepository 模板仓储接口
type TemplateRepository interface {
	FindByID(ctx context.Context, id string) (*entity.Template, error)
	FindByName(ctx context.Context, name string) (*entity.Template, error)
	FindAll(ctx context.Context) ([]*entity.Template, error)
	Save(ctx context.Context, tpl *entity.Template) error

	// ActivateVersion atomically points the template at versionID and flips
	// the previously active TemplateVersion's active flag off, preserving
	// invariant 2 (exactly one active version per template).
	ActivateVersion(ctx context.Context, templateID, versionID string) error
}

// TemplateVersionRepository 模板版本仓储接口
type TemplateVersionRepository interface {
	FindByID(ctx context.Context, id string) (*entity.TemplateVersion, error)
	FindActiveByTemplateID(ctx context.Context, templateID string) (*entity.TemplateVersion, error)
	FindActiveByTemplateName(ctx context.Context, name string) (*entity.TemplateVersion, error)
	FindAllActive(ctx context.Context) ([]*entity.TemplateVersion, error)
	Create(ctx context.Context, v *entity.TemplateVersion) error
}
