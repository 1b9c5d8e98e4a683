// Package audit defines the decision and cost records the service
// appends for every mediated tool call.
package audit

import "time"

// Decision is the final answer given to the agent for a tool call.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// DecidedBy tags which tier of the pipeline produced the decision.
type DecidedBy string

const (
	ByRule     DecidedBy = "rule"
	ByLLM      DecidedBy = "llm"
	ByTelegram DecidedBy = "telegram"
	ByTimeout  DecidedBy = "timeout"
)

// Entry is one decision record, one JSON object per line in the daily
// audit file.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Decision  Decision       `json:"decision"`
	Reason    string         `json:"reason"`
	DecidedBy DecidedBy      `json:"decided_by"`
	RuleName  string         `json:"rule_name,omitempty"`
}

// CostEntry is one LLM API call, recorded for daily cost totals.
// Purpose distinguishes the call sites sharing one model id.
type CostEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Purpose      string    `json:"purpose"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
}
