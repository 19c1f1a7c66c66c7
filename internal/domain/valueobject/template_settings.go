package valueobject

// BaseClass enumerates the tagged-sum of agent variants a TemplateVersion may
// select. They differ only in the reasoning phase strategy; the loop
// skeleton in the Agent Loop Driver is shared across all four.
type BaseClass string

const (
	BaseClassSimpleAgent               BaseClass = "SimpleAgent"
	BaseClassToolCallingAgent          BaseClass = "ToolCallingAgent"
	BaseClassFlexibleToolCallingAgent  BaseClass = "FlexibleToolCallingAgent"
	BaseClassSGRToolCallingAgent       BaseClass = "SGRToolCallingAgent"
)

// RequiresForcedReasoningTool reports whether the reasoning phase must force
// a tool_choice of "ReasoningTool" rather than requesting structured output
// or skipping the phase entirely.
func (b BaseClass) RequiresForcedReasoningTool() bool {
	return b == BaseClassFlexibleToolCallingAgent || b == BaseClassToolCallingAgent
}

// UsesStructuredReasoning reports whether the reasoning phase should build a
// dynamic JSON-Schema discriminated union (SGR: schema-guided reasoning).
func (b BaseClass) UsesStructuredReasoning() bool {
	return b == BaseClassSGRToolCallingAgent
}

// SelectionStrategy is the Tool Selector's candidate-narrowing strategy.
type SelectionStrategy string

const (
	SelectionStrategyStatic    SelectionStrategy = "static"
	SelectionStrategyRetrieval SelectionStrategy = "retrieval"
)

// LLMPolicy configures the OpenAI-compatible chat-completions backend used
// by a template version.
type LLMPolicy struct {
	Model       string  `json:"model" yaml:"model"`
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	APIKeyRef   string  `json:"api_key_ref" yaml:"api_key_ref"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Streaming   bool    `json:"streaming" yaml:"streaming"`
}

// ExecutionPolicy bounds how long/how many steps a session may run.
type ExecutionPolicy struct {
	MaxIterations       int `json:"max_iterations" yaml:"max_iterations"`
	TimeBudgetSeconds   int `json:"time_budget_seconds" yaml:"time_budget_seconds"`
}

// ToolQuota is a per-tool limit attached inside a tool policy.
type ToolQuota struct {
	ToolName        string `json:"tool_name" yaml:"tool_name"`
	MaxCalls        int    `json:"max_calls" yaml:"max_calls"`
	CooldownSeconds int    `json:"cooldown_seconds" yaml:"cooldown_seconds"`
}

// ToolPolicy governs which tools a template version may use and how the
// Tool Selector narrows them per step.
type ToolPolicy struct {
	RequiredTools     []string          `json:"required_tools" yaml:"required_tools"`
	AllowList         []string          `json:"allow_list" yaml:"allow_list"`
	DenyList          []string          `json:"deny_list" yaml:"deny_list"`
	Quotas            []ToolQuota       `json:"quotas" yaml:"quotas"`
	MaxToolsInPrompt  int               `json:"max_tools_in_prompt" yaml:"max_tools_in_prompt"`
	SelectionStrategy SelectionStrategy `json:"selection_strategy" yaml:"selection_strategy"`
}

// Prompts holds the three prompt templates a session renders from.
type Prompts struct {
	System        string `json:"system" yaml:"system"`
	InitialUser   string `json:"initial_user" yaml:"initial_user"`
	Clarification string `json:"clarification" yaml:"clarification"`
}

// RuleCondition is one conjunctive clause of a Rule's "when".
type RuleCondition struct {
	IterationGTE         *int    `json:"iteration_gte,omitempty" yaml:"iteration_gte,omitempty"`
	SearchesUsedGTE      *int    `json:"searches_used_gte,omitempty" yaml:"searches_used_gte,omitempty"`
	ClarificationsUsedGTE *int   `json:"clarifications_used_gte,omitempty" yaml:"clarifications_used_gte,omitempty"`
	State                *string `json:"state,omitempty" yaml:"state,omitempty"`
}

// RuleActions is what a Rule does to the candidate tool set when it matches.
type RuleActions struct {
	Exclude  []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	KeepOnly []string `json:"keep_only,omitempty" yaml:"keep_only,omitempty"`
	SetStage string   `json:"set_stage,omitempty" yaml:"set_stage,omitempty"`
}

// RuleApplyPhase selects which selector phase(s) a rule runs at.
type RuleApplyPhase string

const (
	ApplyPreRetrieval  RuleApplyPhase = "pre_retrieval"
	ApplyPostRetrieval RuleApplyPhase = "post_retrieval"
)

// Rule is one declarative filter evaluated by the Rules Engine.
type Rule struct {
	ApplyTo []RuleApplyPhase `json:"apply_to" yaml:"apply_to"`
	When    RuleCondition     `json:"when" yaml:"when"`
	Actions RuleActions       `json:"actions" yaml:"actions"`
}

// MCPConfig is opaque passthrough configuration for MCP-server-backed tools.
type MCPConfig struct {
	Servers map[string]interface{} `json:"servers,omitempty" yaml:"servers,omitempty"`
}

// TemplateSettings is the structured content of TemplateVersion.settings.
// It is persisted as a single JSON column and schema-validated on decode.
type TemplateSettings struct {
	BaseClass       BaseClass       `json:"base_class" yaml:"base_class"`
	LLM             LLMPolicy       `json:"llm" yaml:"llm"`
	Execution       ExecutionPolicy `json:"execution" yaml:"execution"`
	Tools           ToolPolicy      `json:"tools" yaml:"tools"`
	Prompts         Prompts         `json:"prompts" yaml:"prompts"`
	Rules           []Rule          `json:"rules" yaml:"rules"`
	MCP             MCPConfig       `json:"mcp" yaml:"mcp"`
}

// Validate checks the structural invariants SPEC_FULL.md §6 requires of a
// decoded settings blob before it is trusted by the rest of the runtime.
func (s TemplateSettings) Validate() error {
	switch s.BaseClass {
	case BaseClassSimpleAgent, BaseClassToolCallingAgent, BaseClassFlexibleToolCallingAgent, BaseClassSGRToolCallingAgent:
	default:
		return ErrInvalidBaseClass
	}
	if s.Execution.MaxIterations <= 0 {
		return ErrInvalidMaxIterations
	}
	if s.Tools.MaxToolsInPrompt <= 0 {
		return ErrInvalidMaxToolsInPrompt
	}
	switch s.Tools.SelectionStrategy {
	case SelectionStrategyStatic, SelectionStrategyRetrieval, "":
	default:
		return ErrInvalidSelectionStrategy
	}
	return nil
}
