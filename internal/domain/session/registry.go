package session

import (
	"log/slog"
	"sync"
	"time"
)

// Registry is the in-memory session table. All access goes through its
// methods; a single mutex guards the map and is never held across I/O:
// multiplexer lookups happen before the lock is taken.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Info

	mux    Multiplexer // may be nil
	logger *slog.Logger
}

// NewRegistry creates an empty registry. mux may be nil when no terminal
// multiplexer is available; labels then fall back to truncated ids.
func NewRegistry(mux Multiplexer, logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Info),
		mux:      mux,
		logger:   logger,
	}
}

// Register adds a session under sessionID. The label is resolved once, at
// registration, and never changes afterwards: the multiplexer's window
// name for a pane at cwd, or the first 12 characters of the id.
func (r *Registry) Register(sessionID, cwd, transcriptPath string) *Info {
	label, paneID := r.resolvePane(sessionID, cwd)

	now := time.Now()
	info := &Info{
		SessionID:      sessionID,
		Cwd:            cwd,
		StartedAt:      now,
		State:          StateActive,
		LastActivity:   now,
		Label:          label,
		PaneID:         paneID,
		TranscriptPath: transcriptPath,
	}

	r.mu.Lock()
	r.sessions[sessionID] = info
	r.mu.Unlock()

	r.logger.Info("session registered",
		"session_id", sessionID, "cwd", cwd, "label", label)
	return info
}

// resolvePane queries the multiplexer outside the registry lock.
func (r *Registry) resolvePane(sessionID, cwd string) (label, paneID string) {
	if r.mux != nil {
		label = r.mux.ResolveLabel(cwd)
		paneID = r.mux.FindPaneForCwd(cwd)
	}
	if label == "" {
		label = sessionID
		if len(label) > 12 {
			label = label[:12]
		}
	}
	return label, paneID
}

// Deregister removes a session. Unknown ids are ignored.
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()
	_, existed := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if existed {
		r.logger.Info("session deregistered", "session_id", sessionID)
	}
}

// EnsureRegistered makes sure sessionID is tracked. An existing entry is
// left alone, except that a transcript path seen for the first time is
// recorded. When a synthetic entry exists for the same cwd, it is merged:
// the entry is reinserted under the real id keeping its start time, label
// and denial count, and the synthetic id disappears.
func (r *Registry) EnsureRegistered(sessionID, cwd, transcriptPath string) *Info {
	r.mu.Lock()
	if info, ok := r.sessions[sessionID]; ok {
		if info.TranscriptPath == "" && transcriptPath != "" {
			info.TranscriptPath = transcriptPath
		}
		r.mu.Unlock()
		return info
	}

	for id, info := range r.sessions {
		if info.Synthetic() && info.Cwd == cwd {
			delete(r.sessions, id)
			info.SessionID = sessionID
			if transcriptPath != "" {
				info.TranscriptPath = transcriptPath
			}
			info.LastActivity = time.Now()
			r.sessions[sessionID] = info
			r.mu.Unlock()

			r.logger.Info("synthetic session merged",
				"synthetic_id", id, "session_id", sessionID, "cwd", cwd)
			return info
		}
	}
	r.mu.Unlock()

	return r.Register(sessionID, cwd, transcriptPath)
}

// UpdateState sets the session state. Unknown ids are a silent no-op.
func (r *Registry) UpdateState(sessionID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[sessionID]; ok {
		info.State = state
		info.LastActivity = time.Now()
	}
}

// UpdateToolUse records the tool a session is about to run.
// Unknown ids are a silent no-op.
func (r *Registry) UpdateToolUse(sessionID, toolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[sessionID]; ok {
		info.LastToolName = toolName
		info.LastActivity = time.Now()
	}
}

// RecordDenial increments the session's denial counter and returns the
// new count. Unknown ids return 0.
func (r *Registry) RecordDenial(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[sessionID]; ok {
		info.DenialCount++
		return info.DenialCount
	}
	return 0
}

// Touch bumps the activity timestamp. Unknown ids are a silent no-op.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[sessionID]; ok {
		info.LastActivity = time.Now()
	}
}

// GetLabel returns the session's display label.
func (r *Registry) GetLabel(sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[sessionID]; ok {
		return info.Label, nil
	}
	return "", ErrUnknownSession
}

// GetPaneID returns the multiplexer pane id, empty when unknown.
func (r *Registry) GetPaneID(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[sessionID]; ok {
		return info.PaneID
	}
	return ""
}

// GetTranscriptPath returns the transcript path, empty when unknown.
func (r *Registry) GetTranscriptPath(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[sessionID]; ok {
		return info.TranscriptPath
	}
	return ""
}

// Get returns a copy of the session entry.
func (r *Registry) Get(sessionID string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[sessionID]; ok {
		return *info, nil
	}
	return Info{}, ErrUnknownSession
}

// GetAll returns copies of every tracked session.
func (r *Registry) GetAll() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, *info)
	}
	return out
}

// FindByCwd returns a copy of the first session whose cwd matches.
func (r *Registry) FindByCwd(cwd string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range r.sessions {
		if info.Cwd == cwd {
			return *info, true
		}
	}
	return Info{}, false
}

// RegisterFromTmux scans the multiplexer for panes running the agent CLI
// and registers a synthetic session per pane, so status reporting is
// useful before the first hook arrives. Panes whose cwd already has a
// tracked session are skipped. Returns the number of sessions added.
func (r *Registry) RegisterFromTmux() int {
	if r.mux == nil {
		return 0
	}
	panes := r.mux.ListPanes()
	if len(panes) == 0 {
		return 0
	}

	now := time.Now()
	added := 0

	r.mu.Lock()
	for _, pane := range panes {
		if r.cwdTrackedLocked(pane.PaneCwd) {
			continue
		}
		id := syntheticPrefix + pane.PaneID
		if _, ok := r.sessions[id]; ok {
			continue
		}
		label := pane.WindowName
		if label == "" {
			label = id[:min(12, len(id))]
		}
		r.sessions[id] = &Info{
			SessionID:    id,
			Cwd:          pane.PaneCwd,
			StartedAt:    now,
			State:        StateIdle,
			LastActivity: now,
			Label:        label,
			PaneID:       pane.PaneID,
		}
		added++
	}
	r.mu.Unlock()

	if added > 0 {
		r.logger.Info("sessions discovered from tmux", "count", added)
	}
	return added
}

func (r *Registry) cwdTrackedLocked(cwd string) bool {
	for _, info := range r.sessions {
		if info.Cwd == cwd {
			return true
		}
	}
	return false
}
