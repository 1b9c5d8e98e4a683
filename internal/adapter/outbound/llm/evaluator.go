package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const evaluatorMaxTokens = 256

// Verdict is the evaluator's answer for one tool call. The asymmetry is
// deliberate: only confident-allow short-circuits the human; everything
// else escalates.
type Verdict struct {
	Allowed   bool   `json:"allowed"`
	Confident bool   `json:"confident"`
	Reason    string `json:"reason"`
}

// Completer is the single-turn call both LLM adapters run on.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int64, purpose string) (string, error)
}

const evaluatorSystemPrompt = `You evaluate whether a coding agent's tool call is safe to run
without asking a human. Respond with exactly one JSON object:
{"allowed": bool, "confident": bool, "reason": "short explanation"}

Guidelines:
- Read-only operations (reading files, listing, searching) are generally safe.
- Edits under the project's own source tree are generally safe.
- Commands that modify the system, install software, touch credentials,
  or reach outside the project deserve caution.
- Human-defined policies take precedence over these guidelines.
- When in doubt, set confident to false so a human decides.`

// Evaluator asks the model whether a tool call should be allowed.
type Evaluator struct {
	llm    Completer
	logger *slog.Logger
}

// NewEvaluator wires an evaluator over a completion client.
func NewEvaluator(llm Completer, logger *slog.Logger) *Evaluator {
	return &Evaluator{llm: llm, logger: logger}
}

// Evaluate returns the model's verdict. Every failure path yields a
// non-confident denial, which downstream always escalates to a human.
func (e *Evaluator) Evaluate(ctx context.Context, toolName string, toolInput map[string]any, rulesContext, escalationReason, policies string) Verdict {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\n", toolName)
	if input, err := json.Marshal(toolInput); err == nil {
		fmt.Fprintf(&b, "Input: %s\n", input)
	}
	fmt.Fprintf(&b, "Rules: %s\n", rulesContext)
	if escalationReason != "" {
		fmt.Fprintf(&b, "Escalation reason: %s\n", escalationReason)
	}
	if policies != "" {
		b.WriteString(policies)
		b.WriteString("\n")
	}
	b.WriteString("Should this tool call be allowed?")

	reply, err := e.llm.Complete(ctx, evaluatorSystemPrompt, b.String(), evaluatorMaxTokens, "tool-eval")
	if err != nil {
		e.logger.Warn("tool evaluation failed", "tool", toolName, "error", err)
		return Verdict{Reason: fmt.Sprintf("LLM evaluation error: %v", err)}
	}

	obj, ok := firstJSONObject(reply)
	if !ok {
		return Verdict{Reason: "LLM response unparseable"}
	}
	var v Verdict
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return Verdict{Reason: "LLM response unparseable"}
	}
	return v
}

// firstJSONObject returns the first balanced {...} in s. String literals
// are skipped so braces inside them do not affect the depth count.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
