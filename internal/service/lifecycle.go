package service

import (
	"context"
	"log/slog"

	"github.com/claudecube/claudecube/internal/domain/session"
)

// LifecycleService handles SessionStart, SessionEnd and Notification
// hooks. These never influence control; they always return {}.
type LifecycleService struct {
	registry *session.Registry
	notifier *Notifier
	logger   *slog.Logger
}

// NewLifecycleService wires the lifecycle handlers.
func NewLifecycleService(registry *session.Registry, notifier *Notifier, logger *slog.Logger) *LifecycleService {
	return &LifecycleService{registry: registry, notifier: notifier, logger: logger}
}

// HandleSessionStart registers the session and optionally announces it.
func (s *LifecycleService) HandleSessionStart(ctx context.Context, ev LifecycleEvent) HookResponse {
	info := s.registry.EnsureRegistered(ev.SessionID, ev.Cwd, ev.TranscriptPath)
	s.notifier.SessionStarted(ctx, info.Label, ev.Cwd)
	return HookResponse{}
}

// HandleSessionEnd drops the session and optionally announces it.
func (s *LifecycleService) HandleSessionEnd(ctx context.Context, ev LifecycleEvent) HookResponse {
	label := ev.SessionID
	if got, err := s.registry.GetLabel(ev.SessionID); err == nil {
		label = got
	}
	s.registry.Deregister(ev.SessionID)
	s.notifier.SessionEnded(ctx, ev.SessionID, label)
	return HookResponse{}
}

// HandleNotification refreshes the session's activity timestamp.
func (s *LifecycleService) HandleNotification(_ context.Context, ev LifecycleEvent) HookResponse {
	s.registry.EnsureRegistered(ev.SessionID, ev.Cwd, ev.TranscriptPath)
	s.registry.Touch(ev.SessionID)
	return HookResponse{}
}
