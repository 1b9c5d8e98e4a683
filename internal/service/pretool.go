package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/claudecube/claudecube/internal/domain/audit"
	"github.com/claudecube/claudecube/internal/domain/rules"
	"github.com/claudecube/claudecube/internal/domain/session"
)

// RuleSource yields the current rule engine; the watcher swaps it
// atomically under hot-reload.
type RuleSource interface {
	Engine() *rules.Engine
}

// Auditor records final decisions; implementations never block.
type Auditor interface {
	Record(entry audit.Entry)
}

// DenialObserver is told about every denial so it can alert when a
// session keeps getting blocked.
type DenialObserver interface {
	DenialRecorded(ctx context.Context, sessionID, label string, count int)
}

// PreToolService answers PreToolUse hooks: rules first, then the
// escalation tiers.
type PreToolService struct {
	rules      RuleSource
	registry   *session.Registry
	escalation *EscalationService
	auditor    Auditor
	denials    DenialObserver // may be nil
	logger     *slog.Logger
}

// NewPreToolService wires the pre-tool pipeline.
func NewPreToolService(ruleSource RuleSource, registry *session.Registry, escalation *EscalationService, auditor Auditor, denials DenialObserver, logger *slog.Logger) *PreToolService {
	return &PreToolService{
		rules:      ruleSource,
		registry:   registry,
		escalation: escalation,
		auditor:    auditor,
		denials:    denials,
		logger:     logger,
	}
}

// HandlePreToolUse produces the permission decision for one tool call.
// Every branch returns a well-formed response; nothing escapes to the
// HTTP layer.
func (s *PreToolService) HandlePreToolUse(ctx context.Context, ev PreToolUseEvent) HookResponse {
	info := s.registry.EnsureRegistered(ev.SessionID, ev.Cwd, ev.TranscriptPath)
	s.registry.UpdateToolUse(ev.SessionID, ev.ToolName)
	s.registry.UpdateState(ev.SessionID, session.StatePermissionPending)

	engine := s.rules.Engine()
	result := engine.Evaluate(ev.ToolName, ev.ToolInput)

	switch result.Action {
	case rules.ActionAllow:
		s.record(ev, audit.DecisionAllow, result.Reason, audit.ByRule, ruleName(result))
		s.registry.UpdateState(ev.SessionID, session.StateActive)
		return allowResponse(result.Reason)

	case rules.ActionDeny:
		s.record(ev, audit.DecisionDeny, result.Reason, audit.ByRule, ruleName(result))
		s.denied(ctx, ev.SessionID, info.Label)
		s.registry.UpdateState(ev.SessionID, session.StateActive)
		return denyResponse(result.Reason)

	default: // escalate
		outcome := s.escalation.Escalate(ctx, ev, result, info.Label, info.PaneID)

		decision := audit.DecisionDeny
		if outcome.Allowed {
			decision = audit.DecisionAllow
		}
		s.record(ev, decision, outcome.Reason, outcome.DecidedBy, ruleName(result))
		if !outcome.Allowed {
			s.denied(ctx, ev.SessionID, info.Label)
		}
		s.registry.UpdateState(ev.SessionID, session.StateActive)

		if outcome.Allowed {
			resp := allowResponse(outcome.Reason)
			resp.Decision = "approve"
			return resp
		}
		return denyResponse(outcome.Reason)
	}
}

func (s *PreToolService) record(ev PreToolUseEvent, decision audit.Decision, reason string, by audit.DecidedBy, rule string) {
	s.auditor.Record(audit.Entry{
		Timestamp: time.Now(),
		SessionID: ev.SessionID,
		ToolName:  ev.ToolName,
		ToolInput: ev.ToolInput,
		Decision:  decision,
		Reason:    reason,
		DecidedBy: by,
		RuleName:  rule,
	})
}

func (s *PreToolService) denied(ctx context.Context, sessionID, label string) {
	count := s.registry.RecordDenial(sessionID)
	if s.denials != nil {
		s.denials.DenialRecorded(ctx, sessionID, label, count)
	}
}

func ruleName(result rules.EvaluationResult) string {
	if result.Rule != nil {
		return result.Rule.Name
	}
	return ""
}
