package valueobject

// ContextSnapshot is the per-step serialized working memory of a session.
// It is the ONLY place session-scoped state may live: the Agent Loop Driver
// is re-entrant, so a worker holds no state across calls that isn't here.
type ContextSnapshot struct {
	Iteration           int                    `json:"iteration"`
	SearchesUsed        int                    `json:"searches_used"`
	ClarificationsUsed  int                    `json:"clarifications_used"`
	ToolCallCounts      map[string]int         `json:"tool_call_counts"`
	ToolLastCallUnixSec map[string]int64       `json:"tool_last_call_unix_sec"`
	Stage               string                 `json:"stage"`
	LastReasoning       string                 `json:"last_reasoning"`
	Sources             []string               `json:"sources"`
	ExecutionResult     string                 `json:"execution_result,omitempty"`
	StartedAtUnixSec    int64                  `json:"started_at_unix_sec"`
}

// NewContextSnapshot returns a zeroed snapshot ready for iteration 0.
func NewContextSnapshot(startedAtUnixSec int64) ContextSnapshot {
	return ContextSnapshot{
		ToolCallCounts:      make(map[string]int),
		ToolLastCallUnixSec: make(map[string]int64),
		Sources:             []string{},
		StartedAtUnixSec:    startedAtUnixSec,
	}
}

// Clone returns a shallow-safe copy with maps/slices duplicated so
// mutating the copy never aliases the original (the loop reads the previous
// snapshot, builds a new one, and only commits the new one on success).
func (c ContextSnapshot) Clone() ContextSnapshot {
	clone := c
	clone.ToolCallCounts = make(map[string]int, len(c.ToolCallCounts))
	for k, v := range c.ToolCallCounts {
		clone.ToolCallCounts[k] = v
	}
	clone.ToolLastCallUnixSec = make(map[string]int64, len(c.ToolLastCallUnixSec))
	for k, v := range c.ToolLastCallUnixSec {
		clone.ToolLastCallUnixSec[k] = v
	}
	clone.Sources = append([]string(nil), c.Sources...)
	return clone
}
