package service

import (
	"context"
	"sync"
	"testing"

	"github.com/claudecube/claudecube/internal/domain/approval"
	"github.com/claudecube/claudecube/internal/domain/session"
)

type fakeStopApprover struct {
	mu     sync.Mutex
	result approval.Result
	called int
	last   approval.StopRequest
}

func (f *fakeStopApprover) RequestStopDecision(_ context.Context, req approval.StopRequest) approval.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called++
	f.last = req
	return f.result
}

func newStopService(coordinator StopApprover, cfg StopConfig) (*StopService, *RetryCounter) {
	registry := session.NewRegistry(nil, testLogger())
	retries := NewRetryCounter()
	return NewStopService(registry, coordinator, nil, retries, cfg, testLogger()), retries
}

func TestStopHookActiveLoopGuard(t *testing.T) {
	approver := &fakeStopApprover{}
	svc, _ := newStopService(approver, StopConfig{RetryOnError: true, MaxRetries: 2, EscalateToTelegram: true})

	resp := svc.HandleStop(context.Background(), StopEvent{
		SessionID: "s1", Cwd: "/p",
		StopHookActive:       true,
		LastAssistantMessage: "Error: everything is on fire",
	})

	if resp != (HookResponse{}) {
		t.Errorf("response = %+v, want empty", resp)
	}
	if approver.called != 0 {
		t.Error("escalated despite stop_hook_active")
	}
}

func TestStopNoLastMessage(t *testing.T) {
	approver := &fakeStopApprover{}
	svc, _ := newStopService(approver, StopConfig{EscalateToTelegram: true})

	resp := svc.HandleStop(context.Background(), StopEvent{SessionID: "s1", Cwd: "/p"})
	if resp != (HookResponse{}) || approver.called != 0 {
		t.Errorf("response = %+v, approver calls = %d", resp, approver.called)
	}
}

func TestErrorRetryBound(t *testing.T) {
	approver := &fakeStopApprover{}
	svc, retries := newStopService(approver, StopConfig{RetryOnError: true, MaxRetries: 2, EscalateToTelegram: true})

	ev := StopEvent{SessionID: "s1", Cwd: "/p", LastAssistantMessage: "Error: disk full"}

	for i := 1; i <= 2; i++ {
		resp := svc.HandleStop(context.Background(), ev)
		if resp.Decision != "block" || resp.Reason != retryBlockReason {
			t.Fatalf("retry %d: response = %+v", i, resp)
		}
	}
	if approver.called != 0 {
		t.Fatal("escalated before retries exhausted")
	}

	// Third error: bound reached, counter cleared, escalation runs.
	svc.HandleStop(context.Background(), ev)
	if approver.called != 1 {
		t.Errorf("approver calls = %d, want 1 after bound", approver.called)
	}
	if retries.Get("s1") != 0 {
		t.Errorf("retry counter = %d, want cleared", retries.Get("s1"))
	}
}

func TestSuccessAntiPatternSkipsRetry(t *testing.T) {
	approver := &fakeStopApprover{}
	svc, _ := newStopService(approver, StopConfig{RetryOnError: true, MaxRetries: 2, EscalateToTelegram: true})

	svc.HandleStop(context.Background(), StopEvent{
		SessionID: "s1", Cwd: "/p",
		LastAssistantMessage: "The error was fixed successfully.",
	})
	if approver.called != 1 {
		t.Error("anti-pattern message should skip retry and escalate")
	}
}

func TestStopDecisionResponses(t *testing.T) {
	tests := []struct {
		name   string
		result approval.Result
		want   HookResponse
	}{
		{
			"continue without answer",
			approval.Result{Approved: true},
			HookResponse{Decision: "block", Reason: continueReason},
		},
		{
			"continue with typed answer",
			approval.Result{Approved: true, PolicyText: "use spaces"},
			HookResponse{Decision: "block", Reason: "The user answered your question: use spaces"},
		},
		{
			"let stop",
			approval.Result{Reason: "Denied via Telegram"},
			HookResponse{},
		},
		{
			"timeout lets stop",
			approval.Result{Reason: "Telegram approval timed out"},
			HookResponse{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newStopService(&fakeStopApprover{result: tt.result}, StopConfig{EscalateToTelegram: true})
			resp := svc.HandleStop(context.Background(), StopEvent{
				SessionID: "s1", Cwd: "/p",
				LastAssistantMessage: "Should I keep going?",
			})
			if resp != tt.want {
				t.Errorf("response = %+v, want %+v", resp, tt.want)
			}
		})
	}
}

func TestStopWithoutCoordinatorLetsStop(t *testing.T) {
	svc, retries := newStopService(nil, StopConfig{RetryOnError: true, MaxRetries: 2, EscalateToTelegram: true})
	retries.Increment("s1")

	resp := svc.HandleStop(context.Background(), StopEvent{
		SessionID: "s1", Cwd: "/p",
		LastAssistantMessage: "All done here.",
	})
	if resp != (HookResponse{}) {
		t.Errorf("response = %+v", resp)
	}
	if retries.Get("s1") != 0 {
		t.Error("retry counter not cleared on fallback")
	}
}

func TestStopRequestCarriesSessionContext(t *testing.T) {
	approver := &fakeStopApprover{result: approval.Result{Approved: true}}
	svc, _ := newStopService(approver, StopConfig{EscalateToTelegram: true})

	svc.HandleStop(context.Background(), StopEvent{
		SessionID: "s1", Cwd: "/proj",
		LastAssistantMessage: "Which database should I target?",
	})

	approver.mu.Lock()
	defer approver.mu.Unlock()
	if approver.last.SessionID != "s1" || approver.last.LastMessage != "Which database should I target?" {
		t.Errorf("request = %+v", approver.last)
	}
	if approver.last.Label == "" {
		t.Error("label not resolved from registry")
	}
}
