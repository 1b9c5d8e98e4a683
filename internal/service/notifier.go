package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/claudecube/claudecube/internal/domain/approval"
)

// NotifierConfig selects which lifecycle events reach the chat.
type NotifierConfig struct {
	NotifyOnStart        bool
	NotifyOnComplete     bool
	DenialAlertThreshold int
}

// Notifier sends one-line chat notices for session lifecycle and denial
// streaks. All sends are best-effort.
type Notifier struct {
	chat   approval.Chat // may be nil
	cfg    NotifierConfig
	logger *slog.Logger

	mu      sync.Mutex
	alerted map[string]bool // sessions already alerted this crossing
}

// NewNotifier creates a notifier. chat nil disables every send.
func NewNotifier(chat approval.Chat, cfg NotifierConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		chat:    chat,
		cfg:     cfg,
		logger:  logger,
		alerted: make(map[string]bool),
	}
}

// SessionStarted announces a new session when configured.
func (n *Notifier) SessionStarted(ctx context.Context, label, cwd string) {
	if n.chat == nil || !n.cfg.NotifyOnStart {
		return
	}
	n.send(ctx, fmt.Sprintf("🚀 Session started: %s (%s)", label, cwd))
}

// SessionEnded announces a finished session when configured, and
// forgets the session's alert state.
func (n *Notifier) SessionEnded(ctx context.Context, sessionID, label string) {
	n.mu.Lock()
	delete(n.alerted, sessionID)
	n.mu.Unlock()

	if n.chat == nil || !n.cfg.NotifyOnComplete {
		return
	}
	n.send(ctx, fmt.Sprintf("🏁 Session ended: %s", label))
}

// DenialRecorded alerts the chat the first time a session's denial
// count reaches the threshold. Implements DenialObserver.
func (n *Notifier) DenialRecorded(ctx context.Context, sessionID, label string, count int) {
	if n.chat == nil || n.cfg.DenialAlertThreshold <= 0 || count < n.cfg.DenialAlertThreshold {
		return
	}

	n.mu.Lock()
	if n.alerted[sessionID] {
		n.mu.Unlock()
		return
	}
	n.alerted[sessionID] = true
	n.mu.Unlock()

	n.send(ctx, fmt.Sprintf("⚠️ %s has hit %d denials — it may be stuck", label, count))
}

func (n *Notifier) send(ctx context.Context, text string) {
	if _, err := n.chat.SendMessage(ctx, text, nil, 0); err != nil {
		n.logger.Warn("notification send failed", "error", err)
	}
}
