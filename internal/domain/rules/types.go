// Package rules contains the deterministic rule engine that gates tool calls
// before any LLM or human is consulted.
package rules

import "strings"

// Action represents the outcome a rule assigns to a matching tool call.
type Action string

const (
	// ActionAllow permits the tool call to proceed.
	ActionAllow Action = "allow"
	// ActionDeny blocks the tool call.
	ActionDeny Action = "deny"
	// ActionEscalate defers the decision to the LLM evaluator and, if needed,
	// to the human approval channel.
	ActionEscalate Action = "escalate"
)

// PatternKind selects how a pattern string is interpreted.
type PatternKind string

const (
	// KindLiteral matches by byte-for-byte equality.
	KindLiteral PatternKind = "literal"
	// KindRegex matches with a case-insensitive contains-style regex.
	KindRegex PatternKind = "regex"
	// KindGlob matches with ** / * / ? glob semantics.
	KindGlob PatternKind = "glob"
)

// Pattern is a single pattern to test against an extracted input field.
type Pattern struct {
	// Pattern is the pattern text.
	Pattern string `yaml:"pattern" validate:"required"`
	// Kind is the pattern interpretation. Defaults to literal when empty.
	Kind PatternKind `yaml:"kind" validate:"omitempty,oneof=literal regex glob"`
}

// Rule is a deterministic allow/deny/escalate decision keyed on tool name and
// input fields. Rules are immutable once loaded.
type Rule struct {
	// Name is the human-readable rule name.
	Name string `yaml:"name" validate:"required"`
	// Action is the outcome when this rule matches.
	Action Action `yaml:"action" validate:"required,oneof=allow deny escalate"`
	// Tool is a pipe-separated set of exact tool names, e.g. "Read|Glob|Grep".
	Tool string `yaml:"tool" validate:"required"`
	// Match maps dotted tool-input field paths to ordered pattern lists.
	// Absent means the rule matches every use of the selected tools.
	Match map[string][]Pattern `yaml:"match,omitempty"`
	// Condition is an optional CEL expression over tool_name and tool_input.
	// When present it must also evaluate to true for the rule to match.
	Condition string `yaml:"condition,omitempty"`
	// Reason explains the decision to the agent. Optional.
	Reason string `yaml:"reason,omitempty"`
}

// Tools returns the exact tool names this rule selects.
func (r *Rule) Tools() []string {
	return strings.Split(r.Tool, "|")
}

// SelectsTool reports whether the rule's tool selector includes the given
// tool name. Matching is byte-exact, never a pattern.
func (r *Rule) SelectsTool(toolName string) bool {
	for _, t := range r.Tools() {
		if t == toolName {
			return true
		}
	}
	return false
}

// Defaults configures engine behavior when no rule matches.
type Defaults struct {
	// Unmatched is the action applied when no rule matches a tool call.
	Unmatched Action `yaml:"unmatched" validate:"omitempty,oneof=allow deny escalate"`
}

// Config is the parsed rules file.
type Config struct {
	// Version is the rules schema version.
	Version int `yaml:"version"`
	// Defaults configures fallback behavior.
	Defaults Defaults `yaml:"defaults"`
	// Rules are evaluated deny-first regardless of file order.
	Rules []Rule `yaml:"rules" validate:"omitempty,dive"`
}

// EvaluationResult is the outcome of evaluating a tool call against the rules.
// It is a pure value.
type EvaluationResult struct {
	// Action is allow, deny, or escalate.
	Action Action
	// Rule is the matching rule, or nil when the default applied.
	Rule *Rule
	// Reason explains the decision.
	Reason string
}
