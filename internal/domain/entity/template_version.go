package entity

import (
	"time"

	"github.com/agentkernel/gateway/internal/domain/valueobject"
)

// TemplateVersion is immutable once created. Admins deactivate a version by
// flipping its active flag and activating a new one in the same transaction
// the Store performs; the entity itself exposes no mutator for settings or
// tool list, only for the active flag.
type TemplateVersion struct {
	id         string
	templateID string
	version    int
	settings   valueobject.TemplateSettings
	tools      []string
	active     bool
	createdAt  time.Time
}

// NewTemplateVersion validates settings and constructs a new, inactive
// version. Activation is a Store-level operation (it must also deactivate
// the template's previous active version in the same transaction).
func NewTemplateVersion(id, templateID string, version int, settings valueobject.TemplateSettings, tools []string) (*TemplateVersion, error) {
	if id == "" {
		return nil, ErrInvalidTemplateVersionID
	}
	if templateID == "" {
		return nil, ErrInvalidTemplateID
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &TemplateVersion{
		id:         id,
		templateID: templateID,
		version:    version,
		settings:   settings,
		tools:      append([]string(nil), tools...),
		createdAt:  time.Now(),
	}, nil
}

// ReconstructTemplateVersion rebuilds a TemplateVersion from persisted state.
func ReconstructTemplateVersion(id, templateID string, version int, settings valueobject.TemplateSettings, tools []string, active bool, createdAt time.Time) *TemplateVersion {
	return &TemplateVersion{
		id:         id,
		templateID: templateID,
		version:    version,
		settings:   settings,
		tools:      tools,
		active:     active,
		createdAt:  createdAt,
	}
}

func (v *TemplateVersion) ID() string                             { return v.id }
func (v *TemplateVersion) TemplateID() string                     { return v.templateID }
func (v *TemplateVersion) Version() int                           { return v.version }
func (v *TemplateVersion) Settings() valueobject.TemplateSettings { return v.settings }
func (v *TemplateVersion) Tools() []string                        { return append([]string(nil), v.tools...) }
func (v *TemplateVersion) Active() bool                           { return v.active }
func (v *TemplateVersion) CreatedAt() time.Time                   { return v.createdAt }

// WithActive returns a copy with the active flag set, leaving the immutable
// version untouched. Used by the repository layer when (de)activating.
func (v *TemplateVersion) WithActive(active bool) *TemplateVersion {
	clone := *v
	clone.active = active
	return &clone
}
