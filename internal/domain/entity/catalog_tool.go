package entity

import "time"

// ToolCategory classifies a catalog tool for admin browsing and rule
// conditions that key off category.
type ToolCategory string

const (
	ToolCategoryResearch ToolCategory = "research"
	ToolCategoryMemory   ToolCategory = "memory"
	ToolCategoryUtility  ToolCategory = "utility"
)

// CatalogTool is a persisted catalog entry: the Store's row for a Tool, as
// distinct from domain/tool.Tool (the in-process executable binding it
// resolves to). Name is the case-insensitive logical key.
type CatalogTool struct {
	id              string
	name            string
	description     string
	entrypoint      string // "module.path:ClassName" binding string
	config          map[string]interface{}
	embedding       []float32
	category        ToolCategory
	active          bool
	maxCalls        int
	timeoutSeconds  int
	cooldownSeconds int
	createdAt       time.Time
	updatedAt       time.Time
}

// NewCatalogTool constructs a new catalog entry.
func NewCatalogTool(id, name, description, entrypoint string, category ToolCategory) (*CatalogTool, error) {
	if id == "" {
		return nil, ErrInvalidToolID
	}
	if name == "" {
		return nil, ErrInvalidToolName
	}
	now := time.Now()
	return &CatalogTool{
		id:          id,
		name:        name,
		description: description,
		entrypoint:  entrypoint,
		category:    category,
		config:      make(map[string]interface{}),
		active:      true,
		createdAt:   now,
		updatedAt:   now,
	}, nil
}

// ReconstructCatalogTool rebuilds a CatalogTool from persisted state.
func ReconstructCatalogTool(
	id, name, description, entrypoint string,
	config map[string]interface{},
	embedding []float32,
	category ToolCategory,
	active bool,
	maxCalls, timeoutSeconds, cooldownSeconds int,
	createdAt, updatedAt time.Time,
) *CatalogTool {
	return &CatalogTool{
		id: id, name: name, description: description, entrypoint: entrypoint,
		config: config, embedding: embedding, category: category, active: active,
		maxCalls: maxCalls, timeoutSeconds: timeoutSeconds, cooldownSeconds: cooldownSeconds,
		createdAt: createdAt, updatedAt: updatedAt,
	}
}

func (t *CatalogTool) ID() string                    { return t.id }
func (t *CatalogTool) Name() string                  { return t.name }
func (t *CatalogTool) Description() string           { return t.description }
func (t *CatalogTool) Entrypoint() string             { return t.entrypoint }
func (t *CatalogTool) Config() map[string]interface{} { return t.config }
func (t *CatalogTool) Embedding() []float32           { return t.embedding }
func (t *CatalogTool) Category() ToolCategory         { return t.category }
func (t *CatalogTool) Active() bool                   { return t.active }
func (t *CatalogTool) MaxCalls() int                  { return t.maxCalls }
func (t *CatalogTool) TimeoutSeconds() int            { return t.timeoutSeconds }
func (t *CatalogTool) CooldownSeconds() int           { return t.cooldownSeconds }
func (t *CatalogTool) CreatedAt() time.Time           { return t.createdAt }
func (t *CatalogTool) UpdatedAt() time.Time           { return t.updatedAt }

// SetEmbedding attaches a freshly computed description embedding.
func (t *CatalogTool) SetEmbedding(e []float32) {
	t.embedding = e
	t.updatedAt = time.Now()
}
