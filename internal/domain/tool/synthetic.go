package tool

import "context"

// Synthetic tool names the Agent Loop Driver treats specially (§4.8, §9).
const (
	NameReasoningTool    = "ReasoningTool"
	NameClarificationTool = "ClarificationTool"
	NameFinalAnswerTool  = "FinalAnswerTool"
)

// reasoningTool is a local, always-available synthetic tool: its "call"
// never leaves the process, it just echoes the structured rationale the LLM
// produced back into the transcript (§4.8 "ReasoningTool").
type reasoningTool struct{}

// NewReasoningTool constructs the synthetic ReasoningTool.
func NewReasoningTool() Tool { return reasoningTool{} }

func (reasoningTool) Name() string        { return NameReasoningTool }
func (reasoningTool) Description() string { return "Record the reasoning for this step before selecting tools." }
func (reasoningTool) Kind() Kind          { return KindThink }
func (reasoningTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rationale": map[string]interface{}{"type": "string"},
		},
		"required": []string{"rationale"},
	}
}

func (reasoningTool) Execute(_ context.Context, args map[string]interface{}) (*Result, error) {
	rationale, _ := args["rationale"].(string)
	return &Result{Output: rationale, Success: true}, nil
}

// clarificationTool signals the driver should suspend the session into
// WAITING_FOR_CLARIFICATION; the driver intercepts the call before dispatch
// (it never actually "executes" in the usual sense), but Execute is
// implemented so the tool is a valid Registry entry.
type clarificationTool struct{}

// NewClarificationTool constructs the synthetic ClarificationTool.
func NewClarificationTool() Tool { return clarificationTool{} }

func (clarificationTool) Name() string        { return NameClarificationTool }
func (clarificationTool) Description() string { return "Ask the user a clarifying question and pause until they answer." }
func (clarificationTool) Kind() Kind          { return KindCommunicate }
func (clarificationTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{"type": "string"},
		},
		"required": []string{"question"},
	}
}

func (clarificationTool) Execute(_ context.Context, args map[string]interface{}) (*Result, error) {
	question, _ := args["question"].(string)
	return &Result{Output: question, Success: true}, nil
}

// finalAnswerTool signals loop termination; the driver intercepts it too,
// reading result.status/answer out of the arguments rather than Execute's
// return, since whether the session completes or fails is driven by the
// LLM's own status argument (§4.8 step 3).
type finalAnswerTool struct{}

// NewFinalAnswerTool constructs the synthetic FinalAnswerTool.
func NewFinalAnswerTool() Tool { return finalAnswerTool{} }

func (finalAnswerTool) Name() string        { return NameFinalAnswerTool }
func (finalAnswerTool) Description() string { return "Deliver the final answer and end the session." }
func (finalAnswerTool) Kind() Kind          { return KindCommunicate }
func (finalAnswerTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"status": map[string]interface{}{"type": "string", "enum": []string{"completed", "failed"}},
			"answer": map[string]interface{}{"type": "string"},
		},
		"required": []string{"status", "answer"},
	}
}

func (finalAnswerTool) Execute(_ context.Context, args map[string]interface{}) (*Result, error) {
	answer, _ := args["answer"].(string)
	status, _ := args["status"].(string)
	return &Result{Output: answer, Success: status == "completed"}, nil
}
