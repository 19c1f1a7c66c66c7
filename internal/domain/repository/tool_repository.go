package repository

import (
	"context"

	"github.com/agentkernel/gateway/internal/domain/entity"
)

// ToolRepository 工具目录仓储接口
type ToolRepository interface {
	FindByID(ctx context.Context, id string) (*entity.CatalogTool, error)
	FindByName(ctx context.Context, name string) (*entity.CatalogTool, error)
	FindByNames(ctx context.Context, names []string) ([]*entity.CatalogTool, error)
	FindAllActive(ctx context.Context) ([]*entity.CatalogTool, error)
	Save(ctx context.Context, tool *entity.CatalogTool) error

	// Generation returns a counter bumped on every Save, used by the
	// toolcatalog resolution cache to decide when to re-resolve bindings.
	Generation(ctx context.Context) (int64, error)
}
