package service

import (
	"context"
	"log/slog"
	"regexp"
	"sync"

	"github.com/claudecube/claudecube/internal/domain/approval"
	"github.com/claudecube/claudecube/internal/domain/session"
	"github.com/claudecube/claudecube/internal/domain/transcript"
)

const (
	retryBlockReason     = "The previous approach hit an error. Try a different approach to accomplish the task."
	continueReason       = "The user wants you to continue with the task."
	stopTranscriptWindow = 15
)

var (
	errorPattern   = regexp.MustCompile(`(?i)error|failed|cannot|unable|exception|traceback`)
	successPattern = regexp.MustCompile(`(?i)successfully|completed|fixed|resolved`)
)

// RetryCounter tracks consecutive error retries per session. Entries
// for sessions that end without a Stop event are never purged; accepted
// for now at this volume.
type RetryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewRetryCounter creates an empty counter.
func NewRetryCounter() *RetryCounter {
	return &RetryCounter{counts: make(map[string]int)}
}

// Get returns the current count for a session.
func (r *RetryCounter) Get(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[sessionID]
}

// Increment bumps and returns the new count.
func (r *RetryCounter) Increment(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[sessionID]++
	return r.counts[sessionID]
}

// Reset clears a session's count.
func (r *RetryCounter) Reset(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, sessionID)
}

// StopApprover is the human tier for stop decisions.
type StopApprover interface {
	RequestStopDecision(ctx context.Context, req approval.StopRequest) approval.Result
}

// StopConfig carries the stop pipeline's knobs.
type StopConfig struct {
	RetryOnError       bool
	MaxRetries         int
	EscalateToTelegram bool
}

// StopService answers Stop hooks: loop guard, bounded error retry, then
// escalation to the human.
type StopService struct {
	registry    *session.Registry
	coordinator StopApprover         // may be nil
	summarize   transcript.Completer // may be nil
	retries     *RetryCounter
	cfg         StopConfig
	logger      *slog.Logger
}

// NewStopService wires the stop pipeline. retries is injected so tests
// can observe and reset it.
func NewStopService(registry *session.Registry, coordinator StopApprover, summarize transcript.Completer, retries *RetryCounter, cfg StopConfig, logger *slog.Logger) *StopService {
	return &StopService{
		registry:    registry,
		coordinator: coordinator,
		summarize:   summarize,
		retries:     retries,
		cfg:         cfg,
		logger:      logger,
	}
}

// HandleStop decides whether the agent may stop. An empty response lets
// it stop; a block response sends it back to work with guidance.
func (s *StopService) HandleStop(ctx context.Context, ev StopEvent) HookResponse {
	info := s.registry.EnsureRegistered(ev.SessionID, ev.Cwd, ev.TranscriptPath)

	// Authoritative loop guard. The hook bridge short-circuits this too,
	// but the handler cannot rely on it.
	if ev.StopHookActive {
		return HookResponse{}
	}
	if ev.LastAssistantMessage == "" {
		return HookResponse{}
	}

	if s.cfg.RetryOnError &&
		errorPattern.MatchString(ev.LastAssistantMessage) &&
		!successPattern.MatchString(ev.LastAssistantMessage) {
		if s.retries.Get(ev.SessionID) < s.cfg.MaxRetries {
			count := s.retries.Increment(ev.SessionID)
			s.logger.Info("stop blocked for retry",
				"session_id", ev.SessionID, "retry", count)
			return HookResponse{Decision: "block", Reason: retryBlockReason}
		}
		s.retries.Reset(ev.SessionID)
	}

	if !s.cfg.EscalateToTelegram || s.coordinator == nil {
		s.retries.Reset(ev.SessionID)
		return HookResponse{}
	}

	summary, recentTools := s.analyzeTranscript(ctx, ev.SessionID)

	res := s.coordinator.RequestStopDecision(ctx, approval.StopRequest{
		SessionID:   ev.SessionID,
		LastMessage: ev.LastAssistantMessage,
		Label:       info.Label,
		Cwd:         ev.Cwd,
		PaneID:      info.PaneID,
		Summary:     summary,
		RecentTools: recentTools,
	})

	if !res.Approved {
		return HookResponse{}
	}
	if res.PolicyText != "" {
		return HookResponse{
			Decision: "block",
			Reason:   "The user answered your question: " + res.PolicyText,
		}
	}
	return HookResponse{Decision: "block", Reason: continueReason}
}

// analyzeTranscript is graceful per step: a missing transcript or a
// failed summary just shortens the chat message.
func (s *StopService) analyzeTranscript(ctx context.Context, sessionID string) (summary, recentTools string) {
	excerpt := transcript.Read(s.registry.GetTranscriptPath(sessionID), stopTranscriptWindow)
	recentTools = transcript.ExtractRecentTools(excerpt, 0)

	if s.summarize != nil {
		var err error
		summary, err = transcript.Summarize(ctx, s.summarize, excerpt)
		if err != nil {
			s.logger.Warn("transcript summary failed",
				"session_id", sessionID, "error", err)
			summary = ""
		}
	}
	return summary, recentTools
}
