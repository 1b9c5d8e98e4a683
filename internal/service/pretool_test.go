package service

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/claudecube/claudecube/internal/adapter/outbound/cel"
	"github.com/claudecube/claudecube/internal/adapter/outbound/llm"
	"github.com/claudecube/claudecube/internal/domain/approval"
	"github.com/claudecube/claudecube/internal/domain/audit"
	"github.com/claudecube/claudecube/internal/domain/policy"
	"github.com/claudecube/claudecube/internal/domain/rules"
	"github.com/claudecube/claudecube/internal/domain/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticRules struct{ eng *rules.Engine }

func (s staticRules) Engine() *rules.Engine { return s.eng }

func defaultEngine(t *testing.T) RuleSource {
	t.Helper()
	celEval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	eng, err := rules.NewEngine(rules.DefaultConfig(), celEval, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return staticRules{eng}
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *recordingAuditor) Record(e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *recordingAuditor) last(t *testing.T) audit.Entry {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		t.Fatal("no audit entries")
	}
	return a.entries[len(a.entries)-1]
}

type fakeEvaluator struct {
	verdict      llm.Verdict
	called       int
	lastPolicies string
}

func (f *fakeEvaluator) Evaluate(_ context.Context, _ string, _ map[string]any, _, _, policies string) llm.Verdict {
	f.called++
	f.lastPolicies = policies
	return f.verdict
}

type fakeApprover struct {
	result approval.Result
	called int
	last   approval.Request
}

func (f *fakeApprover) RequestApproval(_ context.Context, req approval.Request) approval.Result {
	f.called++
	f.last = req
	return f.result
}

type pretoolFixture struct {
	svc       *PreToolService
	registry  *session.Registry
	auditor   *recordingAuditor
	evaluator *fakeEvaluator
	approver  *fakeApprover
	policies  *policy.Store
	esc       *EscalationService
}

func newPretoolFixture(t *testing.T, evaluator *fakeEvaluator, approver Approver) *pretoolFixture {
	t.Helper()
	registry := session.NewRegistry(nil, testLogger())
	auditor := &recordingAuditor{}
	store, err := policy.NewStore(t.TempDir()+"/policies.yaml", testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var evalIface ToolEvaluator
	if evaluator != nil {
		evalIface = evaluator
	}
	esc := NewEscalationService(evalIface, store, approver, llm.NewEvalCache(16), testLogger())
	svc := NewPreToolService(defaultEngine(t), registry, esc, auditor, nil, testLogger())

	f := &pretoolFixture{
		svc: svc, registry: registry, auditor: auditor,
		evaluator: evaluator, policies: store, esc: esc,
	}
	if a, ok := approver.(*fakeApprover); ok {
		f.approver = a
	}
	return f
}

func TestRuleAllow(t *testing.T) {
	f := newPretoolFixture(t, &fakeEvaluator{}, nil)

	resp := f.svc.HandlePreToolUse(context.Background(), PreToolUseEvent{
		ToolName: "Read", ToolInput: map[string]any{"file_path": "/x"},
		SessionID: "s1", Cwd: "/p", TranscriptPath: "/t",
	})

	if resp.Decision != "" {
		t.Errorf("decision = %q, want empty for rule allow", resp.Decision)
	}
	out := resp.HookSpecificOutput
	if out == nil || out.HookEventName != "PreToolUse" || out.PermissionDecision != "allow" ||
		out.PermissionDecisionReason != "Allowed by rule: Allow read-only tools" {
		t.Errorf("output = %+v", out)
	}
	entry := f.auditor.last(t)
	if entry.DecidedBy != audit.ByRule || entry.Decision != audit.DecisionAllow {
		t.Errorf("audit = %+v", entry)
	}
	if f.evaluator.called != 0 {
		t.Error("LLM consulted for a rule allow")
	}
	info, _ := f.registry.Get("s1")
	if info.State != session.StateActive || info.LastToolName != "Read" {
		t.Errorf("session = %+v", info)
	}
}

func TestRuleDenyPrecedence(t *testing.T) {
	f := newPretoolFixture(t, &fakeEvaluator{}, nil)

	resp := f.svc.HandlePreToolUse(context.Background(), PreToolUseEvent{
		ToolName: "Bash", ToolInput: map[string]any{"command": "rm -rf /"},
		SessionID: "s1", Cwd: "/p",
	})

	if resp.Decision != "block" || resp.HookSpecificOutput.PermissionDecision != "deny" {
		t.Errorf("response = %+v", resp)
	}
	if resp.HookSpecificOutput.PermissionDecisionReason != "Destructive filesystem command blocked" {
		t.Errorf("reason = %q", resp.HookSpecificOutput.PermissionDecisionReason)
	}
	info, _ := f.registry.Get("s1")
	if info.DenialCount != 1 {
		t.Errorf("denial count = %d, want 1", info.DenialCount)
	}
	entry := f.auditor.last(t)
	if entry.RuleName != "Block destructive commands" {
		t.Errorf("audit rule = %q", entry.RuleName)
	}
}

func TestLLMConfidentAllow(t *testing.T) {
	approver := &fakeApprover{}
	f := newPretoolFixture(t,
		&fakeEvaluator{verdict: llm.Verdict{Allowed: true, Confident: true, Reason: "benign git status"}},
		approver)

	resp := f.svc.HandlePreToolUse(context.Background(), PreToolUseEvent{
		ToolName: "Bash", ToolInput: map[string]any{"command": "git status"},
		SessionID: "s1", Cwd: "/p",
	})

	if resp.Decision != "approve" || resp.HookSpecificOutput.PermissionDecision != "allow" {
		t.Errorf("response = %+v", resp)
	}
	if resp.HookSpecificOutput.PermissionDecisionReason != "LLM: benign git status" {
		t.Errorf("reason = %q", resp.HookSpecificOutput.PermissionDecisionReason)
	}
	if f.auditor.last(t).DecidedBy != audit.ByLLM {
		t.Errorf("audit = %+v", f.auditor.last(t))
	}
	if approver.called != 0 {
		t.Error("chat consulted despite confident allow")
	}
}

func TestLLMConfidentDenyStillEscalates(t *testing.T) {
	// No coordinator: the LLM's denial cannot stand on its own.
	f := newPretoolFixture(t,
		&fakeEvaluator{verdict: llm.Verdict{Confident: true, Reason: "drops DB"}},
		nil)

	resp := f.svc.HandlePreToolUse(context.Background(), PreToolUseEvent{
		ToolName: "Bash", ToolInput: map[string]any{"command": "psql -c 'drop table users'"},
		SessionID: "s1", Cwd: "/p",
	})

	if resp.Decision != "block" || resp.HookSpecificOutput.PermissionDecision != "deny" {
		t.Errorf("response = %+v", resp)
	}
	if !strings.Contains(resp.Reason, "no Telegram available") {
		t.Errorf("reason = %q", resp.Reason)
	}
	entry := f.auditor.last(t)
	if entry.DecidedBy != audit.ByTimeout {
		t.Errorf("decidedBy = %q, want timeout (never llm)", entry.DecidedBy)
	}

	// With a coordinator the human's answer wins.
	approver := &fakeApprover{result: approval.Result{Approved: true, Reason: "Approved via Telegram"}}
	f2 := newPretoolFixture(t,
		&fakeEvaluator{verdict: llm.Verdict{Confident: true, Reason: "drops DB"}},
		approver)
	resp = f2.svc.HandlePreToolUse(context.Background(), PreToolUseEvent{
		ToolName: "Bash", ToolInput: map[string]any{"command": "psql"},
		SessionID: "s1", Cwd: "/p",
	})
	if approver.called != 1 {
		t.Fatal("coordinator not consulted")
	}
	if resp.Decision != "approve" {
		t.Errorf("response = %+v", resp)
	}
	if f2.auditor.last(t).DecidedBy != audit.ByTelegram {
		t.Errorf("audit = %+v", f2.auditor.last(t))
	}
}

func TestTimeoutDecidedBy(t *testing.T) {
	approver := &fakeApprover{result: approval.Result{Reason: "Telegram approval timed out"}}
	f := newPretoolFixture(t, &fakeEvaluator{}, approver)

	f.svc.HandlePreToolUse(context.Background(), PreToolUseEvent{
		ToolName: "Bash", ToolInput: map[string]any{"command": "make deploy"},
		SessionID: "s1", Cwd: "/p",
	})

	if got := f.auditor.last(t).DecidedBy; got != audit.ByTimeout {
		t.Errorf("decidedBy = %q, want timeout", got)
	}
}

func TestPolicyFeedbackLoop(t *testing.T) {
	approver := &fakeApprover{result: approval.Result{
		Approved: true, Reason: "Approved via Telegram reply",
		PolicyText: "always allow npm install",
	}}
	evaluator := &fakeEvaluator{}
	f := newPretoolFixture(t, evaluator, approver)

	f.svc.HandlePreToolUse(context.Background(), PreToolUseEvent{
		ToolName: "Bash", ToolInput: map[string]any{"command": "npm install"},
		SessionID: "s1", Cwd: "/p",
	})

	want := "Human-defined policies:\n- [pol_0] always allow npm install (applies to: Bash)"
	if got := f.policies.FormatForTool("Bash"); got != want {
		t.Errorf("persisted policies = %q", got)
	}

	// The next Bash evaluation sees the new policy in its prompt.
	f.svc.HandlePreToolUse(context.Background(), PreToolUseEvent{
		ToolName: "Bash", ToolInput: map[string]any{"command": "npm ci"},
		SessionID: "s1", Cwd: "/p",
	})
	if !strings.Contains(evaluator.lastPolicies, "[pol_0] always allow npm install") {
		t.Errorf("evaluator policies = %q", evaluator.lastPolicies)
	}
}

func TestConfidentAllowIsCached(t *testing.T) {
	evaluator := &fakeEvaluator{verdict: llm.Verdict{Allowed: true, Confident: true, Reason: "benign"}}
	f := newPretoolFixture(t, evaluator, nil)

	ev := PreToolUseEvent{
		ToolName: "Bash", ToolInput: map[string]any{"command": "git status"},
		SessionID: "s1", Cwd: "/p",
	}
	f.svc.HandlePreToolUse(context.Background(), ev)
	f.svc.HandlePreToolUse(context.Background(), ev)

	if evaluator.called != 1 {
		t.Errorf("evaluator calls = %d, want 1 (second hit cached)", evaluator.called)
	}

	// Uncached after a clear.
	f.esc.ClearCache()
	f.svc.HandlePreToolUse(context.Background(), ev)
	if evaluator.called != 2 {
		t.Errorf("evaluator calls after clear = %d, want 2", evaluator.called)
	}
}

func TestEscalationRulesContext(t *testing.T) {
	celEval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	eng, err := rules.NewEngine(&rules.Config{
		Defaults: rules.Defaults{Unmatched: rules.ActionEscalate},
		Rules: []rules.Rule{
			{Name: "Review installs", Action: rules.ActionEscalate, Tool: "Bash",
				Match: map[string][]rules.Pattern{
					"command": {{Pattern: "^npm", Kind: rules.KindRegex}},
				}},
		},
	}, celEval, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	result := eng.Evaluate("Bash", map[string]any{"command": "npm install"})
	if result.Rule == nil {
		t.Fatal("expected rule match")
	}

	// Matched-rule context string as passed to the evaluator.
	esc := NewEscalationService(nil, nil, nil, nil, testLogger())
	out := esc.Escalate(context.Background(), PreToolUseEvent{ToolName: "Bash"}, result, "label", "")
	if out.Allowed || !strings.Contains(out.Reason, "no Telegram available") {
		t.Errorf("bare escalation = %+v", out)
	}
}
