package rules

import (
	"fmt"
	"log/slog"
	"regexp"

	celgo "github.com/google/cel-go/cel"

	"github.com/claudecube/claudecube/internal/adapter/outbound/cel"
)

// compiledPattern is a pattern with its regex precompiled at load time.
type compiledPattern struct {
	kind    PatternKind
	pattern string
	re      *regexp.Regexp // non-nil only for KindRegex
}

// compiledRule is a rule ready for evaluation: regexes compiled, optional
// CEL condition compiled.
type compiledRule struct {
	rule      Rule
	match     map[string][]compiledPattern
	condition celgo.Program // nil when the rule has no condition
}

// Engine evaluates tool calls against a fixed rule set.
// It is immutable after construction and safe for concurrent use; the
// watcher publishes replacement engines atomically.
type Engine struct {
	deny      []compiledRule
	allow     []compiledRule
	escalate  []compiledRule
	unmatched Action
	celEval   *cel.Evaluator
	logger    *slog.Logger
}

// NewEngine compiles a rules config into an engine. Rules are partitioned by
// action; within each partition file order is preserved. Invalid regex or CEL
// in any rule fails construction.
func NewEngine(cfg *Config, celEval *cel.Evaluator, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		unmatched: cfg.Defaults.Unmatched,
		celEval:   celEval,
		logger:    logger,
	}
	if e.unmatched == "" {
		e.unmatched = ActionEscalate
	}

	for i := range cfg.Rules {
		cr, err := e.compileRule(&cfg.Rules[i])
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", cfg.Rules[i].Name, err)
		}
		switch cr.rule.Action {
		case ActionDeny:
			e.deny = append(e.deny, cr)
		case ActionAllow:
			e.allow = append(e.allow, cr)
		case ActionEscalate:
			e.escalate = append(e.escalate, cr)
		default:
			return nil, fmt.Errorf("rule %q: unknown action %q", cfg.Rules[i].Name, cfg.Rules[i].Action)
		}
	}

	return e, nil
}

// compileRule precompiles regex patterns and the optional CEL condition.
func (e *Engine) compileRule(r *Rule) (compiledRule, error) {
	cr := compiledRule{rule: *r}

	if len(r.Match) > 0 {
		cr.match = make(map[string][]compiledPattern, len(r.Match))
		for field, patterns := range r.Match {
			compiled := make([]compiledPattern, 0, len(patterns))
			for _, p := range patterns {
				cp := compiledPattern{kind: p.Kind, pattern: p.Pattern}
				if cp.kind == "" {
					cp.kind = KindLiteral
				}
				if cp.kind == KindRegex {
					re, err := CompileRegex(p.Pattern)
					if err != nil {
						return compiledRule{}, err
					}
					cp.re = re
				}
				compiled = append(compiled, cp)
			}
			cr.match[field] = compiled
		}
	}

	if r.Condition != "" {
		if e.celEval == nil {
			return compiledRule{}, fmt.Errorf("rule has a condition but no CEL evaluator is configured")
		}
		if err := e.celEval.ValidateExpression(r.Condition); err != nil {
			return compiledRule{}, err
		}
		prg, err := e.celEval.Compile(r.Condition)
		if err != nil {
			return compiledRule{}, err
		}
		cr.condition = prg
	}

	return cr, nil
}

// RuleCount returns the total number of compiled rules.
func (e *Engine) RuleCount() int {
	return len(e.deny) + len(e.allow) + len(e.escalate)
}

// Evaluate decides a tool call. Categories are scanned deny, then allow, then
// escalate; within a category the first matching rule wins. When nothing
// matches the configured default applies.
func (e *Engine) Evaluate(toolName string, toolInput map[string]any) EvaluationResult {
	for _, partition := range [][]compiledRule{e.deny, e.allow, e.escalate} {
		for i := range partition {
			cr := &partition[i]
			if e.ruleMatches(cr, toolName, toolInput) {
				return EvaluationResult{
					Action: cr.rule.Action,
					Rule:   &cr.rule,
					Reason: ruleReason(&cr.rule),
				}
			}
		}
	}

	return EvaluationResult{
		Action: e.unmatched,
		Reason: fmt.Sprintf("No matching rule; default %s", e.unmatched),
	}
}

// ruleMatches applies the rule semantics: AND on tool name, OR across fields,
// OR within a field's pattern list, AND on the optional condition.
// A field that does not extract is skipped, not failed.
func (e *Engine) ruleMatches(cr *compiledRule, toolName string, toolInput map[string]any) bool {
	if !cr.rule.SelectsTool(toolName) {
		return false
	}

	if len(cr.match) > 0 {
		anyField := false
		for field, patterns := range cr.match {
			value, ok := ExtractField(toolInput, field)
			if !ok {
				continue
			}
			for _, p := range patterns {
				if p.matches(value) {
					anyField = true
					break
				}
			}
			if anyField {
				break
			}
		}
		if !anyField {
			return false
		}
	}

	if cr.condition != nil {
		ok, err := e.celEval.Evaluate(cr.condition, toolName, toolInput)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("rule condition evaluation failed, skipping rule",
					"rule", cr.rule.Name, "error", err)
			}
			return false
		}
		if !ok {
			return false
		}
	}

	return true
}

// matches tests a precompiled pattern against a value.
func (p *compiledPattern) matches(value string) bool {
	if p.kind == KindRegex {
		return p.re.MatchString(value)
	}
	return Match(p.kind, p.pattern, value)
}

// ruleReason returns the rule's reason, or a generated one.
func ruleReason(r *Rule) string {
	if r.Reason != "" {
		return r.Reason
	}
	switch r.Action {
	case ActionDeny:
		return "Denied by rule: " + r.Name
	case ActionAllow:
		return "Allowed by rule: " + r.Name
	default:
		return "Escalated by rule: " + r.Name
	}
}
