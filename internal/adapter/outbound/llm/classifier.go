package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

const classifierMaxTokens = 512

// Reply intents.
const (
	IntentApprove   = "approve"
	IntentDeny      = "deny"
	IntentForward   = "forward"
	IntentAddPolicy = "add_policy"
	IntentAddRule   = "add_rule"
)

// ReplyEvaluation is the classified meaning of a free-text chat reply.
type ReplyEvaluation struct {
	Intent      string `json:"intent"`
	ForwardText string `json:"forward_text,omitempty"`
	PolicyText  string `json:"policy_text,omitempty"`
	RuleYAML    string `json:"rule_yaml,omitempty"`
}

const classifierSystemPrompt = `You classify a human's free-text reply to a tool-approval request
from a coding agent. Respond with exactly one JSON object:
{"intent": "...", "forward_text": "...", "policy_text": "...", "rule_yaml": "..."}

Intents:
- "approve": the reply consents ("yes", "ok", "go ahead", "lgtm").
- "deny": the reply refuses ("no", "stop", "don't").
- "forward": the reply is an instruction meant for the agent itself
  ("use npm ci instead", "try the other branch"). Put the instruction,
  cleaned of addressing, in forward_text.
- "add_policy": the reply states a standing preference ("always allow
  npm install", "never touch prod"). Put the preference in policy_text.
- "add_rule": the reply asks for a deterministic rule. Put a YAML rule
  with fields name, action, tool, and optionally match in rule_yaml.

Omit fields that do not apply. When unsure, use "approve".`

// Classifier turns chat replies into dispatchable intents.
type Classifier struct {
	llm    Completer
	logger *slog.Logger
}

// NewClassifier wires a classifier over a completion client.
func NewClassifier(llm Completer, logger *slog.Logger) *Classifier {
	return &Classifier{llm: llm, logger: logger}
}

// Classify returns the reply's intent. Any API or parse failure falls
// back to approve: the authorised human typed something, and blocking
// on a classifier outage would punish them for it. The error is also
// returned so callers can treat the raw text as the answer.
func (c *Classifier) Classify(ctx context.Context, text, toolName, label string) (ReplyEvaluation, error) {
	user := fmt.Sprintf("Session: %s\nTool awaiting approval: %s\nReply: %s", label, toolName, text)

	reply, err := c.llm.Complete(ctx, classifierSystemPrompt, user, classifierMaxTokens, "reply-eval")
	if err != nil {
		c.logger.Warn("reply classification failed", "error", err)
		return ReplyEvaluation{Intent: IntentApprove}, err
	}

	obj, ok := firstJSONObject(reply)
	if !ok {
		return ReplyEvaluation{Intent: IntentApprove}, fmt.Errorf("no JSON object in classifier reply")
	}
	var eval ReplyEvaluation
	if err := json.Unmarshal([]byte(obj), &eval); err != nil {
		return ReplyEvaluation{Intent: IntentApprove}, fmt.Errorf("parse classifier reply: %w", err)
	}

	switch eval.Intent {
	case IntentApprove, IntentDeny, IntentForward, IntentAddPolicy, IntentAddRule:
		return eval, nil
	default:
		return ReplyEvaluation{Intent: IntentApprove}, nil
	}
}
