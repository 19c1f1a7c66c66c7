package valueobject

import "errors"

var (
	// TemplateSettings validation errors
	ErrInvalidBaseClass         = errors.New("invalid base class")
	ErrInvalidMaxIterations     = errors.New("max_iterations must be positive")
	ErrInvalidMaxToolsInPrompt  = errors.New("max_tools_in_prompt must be positive")
	ErrInvalidSelectionStrategy = errors.New("invalid selection strategy")
)
