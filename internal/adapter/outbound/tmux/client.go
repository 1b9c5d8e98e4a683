// Package tmux shells out to the tmux binary to discover agent panes,
// resolve session labels and inject text. Everything here is
// best-effort: tmux being absent or failing degrades to empty results.
package tmux

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/claudecube/claudecube/internal/domain/session"
)

// listFormat matches parsePaneLine: seven tab-separated fields.
const listFormat = "#{session_name}\t#{window_index}\t#{window_name}\t#{pane_index}\t#{pane_id}\t#{pane_current_path}\t#{pane_current_command}"

// Client drives tmux through its CLI. agentCommand filters pane listings
// to panes running the agent (default "claude").
type Client struct {
	agentCommand string
	logger       *slog.Logger
}

// NewClient creates a tmux client. agentCommand empty defaults to
// "claude".
func NewClient(agentCommand string, logger *slog.Logger) *Client {
	if agentCommand == "" {
		agentCommand = "claude"
	}
	return &Client{agentCommand: agentCommand, logger: logger}
}

var _ session.Multiplexer = (*Client)(nil)

// ListPanes returns every pane whose current command is the agent CLI.
// A missing or failing tmux yields an empty list.
func (c *Client) ListPanes() []session.Pane {
	out, err := exec.Command("tmux", "list-panes", "-a", "-F", listFormat).Output()
	if err != nil {
		c.logger.Debug("tmux list-panes failed", "error", err)
		return nil
	}

	var panes []session.Pane
	for _, line := range strings.Split(string(out), "\n") {
		pane, ok := parsePaneLine(line)
		if !ok {
			continue
		}
		if pane.Command != c.agentCommand {
			continue
		}
		panes = append(panes, pane)
	}
	return panes
}

// parsePaneLine parses one list-panes line in listFormat.
func parsePaneLine(line string) (session.Pane, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return session.Pane{}, false
	}
	fields := strings.Split(line, "\t")
	if len(fields) != 7 {
		return session.Pane{}, false
	}
	windowIndex, err := strconv.Atoi(fields[1])
	if err != nil {
		return session.Pane{}, false
	}
	paneIndex, err := strconv.Atoi(fields[3])
	if err != nil {
		return session.Pane{}, false
	}
	return session.Pane{
		SessionName: fields[0],
		WindowIndex: windowIndex,
		WindowName:  fields[2],
		PaneIndex:   paneIndex,
		PaneID:      fields[4],
		PaneCwd:     fields[5],
		Command:     fields[6],
	}, true
}

// FindPaneForCwd returns the pane id of the first agent pane whose
// working directory is exactly cwd, or empty.
func (c *Client) FindPaneForCwd(cwd string) string {
	for _, pane := range c.ListPanes() {
		if pane.PaneCwd == cwd {
			return pane.PaneID
		}
	}
	return ""
}

// ResolveLabel returns the window name of the first agent pane at cwd,
// or empty.
func (c *Client) ResolveLabel(cwd string) string {
	for _, pane := range c.ListPanes() {
		if pane.PaneCwd == cwd {
			return pane.WindowName
		}
	}
	return ""
}

// SendKeys types text into the pane and presses Enter. Unlike the
// lookups, failures propagate: the reply handler tells the user when an
// injection did not land.
func (c *Client) SendKeys(paneID, text string) error {
	if paneID == "" {
		return fmt.Errorf("send-keys: no pane id")
	}
	if err := exec.Command("tmux", "send-keys", "-t", paneID, text, "Enter").Run(); err != nil {
		return fmt.Errorf("send-keys to %s: %w", paneID, err)
	}
	return nil
}
