// Package session tracks agent sessions observed via hook events and
// terminal-multiplexer discovery.
package session

import (
	"errors"
	"strings"
	"time"
)

// State describes what a session is currently doing.
type State string

const (
	StateActive            State = "active"
	StateIdle              State = "idle"
	StatePermissionPending State = "permission_pending"
)

// syntheticPrefix marks sessions discovered by scanning the multiplexer
// before any hook arrived for them.
const syntheticPrefix = "tmux_"

// Info is one tracked session.
type Info struct {
	SessionID      string    `json:"session_id"`
	Cwd            string    `json:"cwd"`
	StartedAt      time.Time `json:"started_at"`
	State          State     `json:"state"`
	LastToolName   string    `json:"last_tool_name,omitempty"`
	LastActivity   time.Time `json:"last_activity"`
	DenialCount    int       `json:"denial_count"`
	Label          string    `json:"label"`
	PaneID         string    `json:"pane_id,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
}

// Synthetic reports whether the entry came from multiplexer discovery
// rather than a hook event.
func (i *Info) Synthetic() bool {
	return strings.HasPrefix(i.SessionID, syntheticPrefix)
}

// ErrUnknownSession is returned by lookups for ids the registry has never
// seen or has already deregistered.
var ErrUnknownSession = errors.New("unknown session")

// Pane is one multiplexer pane running the agent CLI.
type Pane struct {
	SessionName string
	WindowIndex int
	WindowName  string
	PaneIndex   int
	PaneID      string
	PaneCwd     string
	Command     string
}

// Multiplexer is the subset of terminal-multiplexer operations the
// registry needs. Implementations are best-effort: lookups return empty
// values on failure.
type Multiplexer interface {
	ListPanes() []Pane
	FindPaneForCwd(cwd string) string
	ResolveLabel(cwd string) string
}
