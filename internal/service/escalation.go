package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/claudecube/claudecube/internal/adapter/outbound/llm"
	"github.com/claudecube/claudecube/internal/domain/approval"
	"github.com/claudecube/claudecube/internal/domain/audit"
	"github.com/claudecube/claudecube/internal/domain/policy"
	"github.com/claudecube/claudecube/internal/domain/rules"
)

// ToolEvaluator is the LLM tier of the escalation pipeline.
type ToolEvaluator interface {
	Evaluate(ctx context.Context, toolName string, toolInput map[string]any, rulesContext, escalationReason, policies string) llm.Verdict
}

// Approver is the human tier. RequestApproval blocks until resolution.
type Approver interface {
	RequestApproval(ctx context.Context, req approval.Request) approval.Result
}

// PolicyStore is the slice of the policy store escalation needs.
type PolicyStore interface {
	FormatForTool(toolName string) string
	Add(description, tool string) (policy.Policy, error)
}

// Outcome is the escalation pipeline's answer for one tool call.
type Outcome struct {
	Allowed   bool
	Reason    string
	DecidedBy audit.DecidedBy
}

// EscalationService runs the two-tier escalation: LLM first, then the
// human. The LLM can only ever allow on its own; a confident denial is
// still shown to a person.
type EscalationService struct {
	evaluator   ToolEvaluator // may be nil
	policies    PolicyStore
	coordinator Approver // may be nil
	cache       *llm.EvalCache
	logger      *slog.Logger
}

// NewEscalationService wires the escalation tiers. Either tier may be
// absent; the pipeline degrades to denial rather than auto-approval.
func NewEscalationService(evaluator ToolEvaluator, policies PolicyStore, coordinator Approver, cache *llm.EvalCache, logger *slog.Logger) *EscalationService {
	return &EscalationService{
		evaluator:   evaluator,
		policies:    policies,
		coordinator: coordinator,
		cache:       cache,
		logger:      logger,
	}
}

// ClearCache drops cached verdicts. Called on rules reload and policy
// mutation.
func (s *EscalationService) ClearCache() {
	if s.cache != nil {
		s.cache.Clear()
	}
}

// Escalate decides a tool call the rule engine would not. label and
// paneID describe the session for the chat message.
func (s *EscalationService) Escalate(ctx context.Context, ev PreToolUseEvent, ruleResult rules.EvaluationResult, label, paneID string) Outcome {
	rulesContext := "No rule matched"
	if ruleResult.Rule != nil {
		rulesContext = fmt.Sprintf("Matched rule: %s (%s)", ruleResult.Rule.Name, ruleResult.Action)
	}

	policies := ""
	if s.policies != nil {
		policies = s.policies.FormatForTool(ev.ToolName)
	}

	var key uint64
	if s.cache != nil {
		key = llm.CacheKey(ev.ToolName, ev.ToolInput, policies)
		if v, ok := s.cache.Get(key); ok {
			return Outcome{Allowed: true, Reason: "LLM: " + v.Reason, DecidedBy: audit.ByLLM}
		}
	}

	verdict := llm.Verdict{Reason: "LLM evaluator not configured"}
	if s.evaluator != nil {
		verdict = s.evaluator.Evaluate(ctx, ev.ToolName, ev.ToolInput, rulesContext, ruleResult.Reason, policies)
	}

	if verdict.Confident && verdict.Allowed {
		if s.cache != nil {
			s.cache.Put(key, verdict)
		}
		return Outcome{Allowed: true, Reason: "LLM: " + verdict.Reason, DecidedBy: audit.ByLLM}
	}

	// Confident denial or uncertainty: a human decides, never the LLM.
	if s.coordinator == nil {
		return Outcome{
			Reason:    "LLM uncertain and no Telegram available",
			DecidedBy: audit.ByTimeout,
		}
	}

	res := s.coordinator.RequestApproval(ctx, approval.Request{
		SessionID: ev.SessionID,
		ToolName:  ev.ToolName,
		ToolInput: ev.ToolInput,
		Reason:    verdict.Reason,
		Label:     label,
		Cwd:       ev.Cwd,
		PaneID:    paneID,
	})

	if res.PolicyText != "" && s.policies != nil {
		if _, err := s.policies.Add(res.PolicyText, ev.ToolName); err != nil {
			s.logger.Warn("policy persist failed", "error", err)
		} else if s.cache != nil {
			s.cache.Clear()
		}
	}

	decidedBy := audit.ByTelegram
	if strings.Contains(res.Reason, "timed out") {
		decidedBy = audit.ByTimeout
	}
	return Outcome{Allowed: res.Approved, Reason: res.Reason, DecidedBy: decidedBy}
}
