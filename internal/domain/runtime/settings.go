// Package runtime patches the agent's settings file so hook events are
// bridged to the daemon.
package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// marker identifies our hook commands inside settings.json. Install
// replaces entries containing it and preserves everything else.
const marker = "claudecube"

// hookEvent pairs an event name with the timeout the agent grants the
// bridge before proceeding without an answer.
type hookEvent struct {
	name    string
	timeout int
}

// PreToolUse gets the longest window: a human may be deciding on the
// other end. Stop waits for the retry analysis; the rest are
// fire-and-forget.
var hookEvents = []hookEvent{
	{"PreToolUse", 120},
	{"Stop", 30},
	{"SessionStart", 5},
	{"SessionEnd", 5},
	{"Notification", 5},
}

// Installer patches the agent's settings file in place.
type Installer struct {
	// SettingsPath is the settings file, typically
	// ~/.claude/settings.json.
	SettingsPath string

	// Command is the bridge invocation without the event argument, e.g.
	// "/usr/local/bin/claudecube hook". The event name is appended per
	// entry.
	Command string
}

// NewInstaller builds an installer for the default settings path.
func NewInstaller(command string) (*Installer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return &Installer{
		SettingsPath: filepath.Join(home, ".claude", "settings.json"),
		Command:      command,
	}, nil
}

// Install registers the hook bridge for every event. Idempotent: a
// previous install (even with a different binary path) is replaced,
// hooks from other tools are preserved.
func (i *Installer) Install() error {
	settings, err := i.readSettings()
	if err != nil {
		return err
	}

	hooks, ok := settings["hooks"].(map[string]any)
	if !ok {
		hooks = make(map[string]any)
	}

	for _, ev := range hookEvents {
		entries := removeOurs(asSlice(hooks[ev.name]))
		entry := map[string]any{
			"hooks": []any{
				map[string]any{
					"type":    "command",
					"command": fmt.Sprintf("%s %s", i.Command, ev.name),
					"timeout": ev.timeout,
				},
			},
		}
		if ev.name == "PreToolUse" {
			entry["matcher"] = "*"
		}
		hooks[ev.name] = append([]any{entry}, entries...)
	}
	settings["hooks"] = hooks

	return i.writeSettings(settings)
}

// Uninstall removes our hook entries and nothing else. Event lists that
// end up empty are dropped; an empty hooks map is left in place.
func (i *Installer) Uninstall() error {
	settings, err := i.readSettings()
	if err != nil {
		return err
	}

	hooks, ok := settings["hooks"].(map[string]any)
	if !ok {
		return nil
	}

	for _, ev := range hookEvents {
		remaining := removeOurs(asSlice(hooks[ev.name]))
		if len(remaining) == 0 {
			delete(hooks, ev.name)
		} else {
			hooks[ev.name] = remaining
		}
	}

	return i.writeSettings(settings)
}

// Installed reports whether any of our hooks are currently registered.
func (i *Installer) Installed() bool {
	settings, err := i.readSettings()
	if err != nil {
		return false
	}
	hooks, ok := settings["hooks"].(map[string]any)
	if !ok {
		return false
	}
	for _, ev := range hookEvents {
		entries := asSlice(hooks[ev.name])
		if len(removeOurs(entries)) != len(entries) {
			return true
		}
	}
	return false
}

// readSettings parses the settings file, tolerating a missing file and
// unparseable content the same way: start from empty.
func (i *Installer) readSettings() (map[string]any, error) {
	settings := make(map[string]any)
	data, err := os.ReadFile(i.SettingsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return settings, nil
}

func (i *Installer) writeSettings(settings map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(i.SettingsPath), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(i.SettingsPath, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// removeOurs filters out entries whose command contains the marker.
func removeOurs(entries []any) []any {
	var kept []any
	for _, raw := range entries {
		if isOurs(raw) {
			continue
		}
		kept = append(kept, raw)
	}
	return kept
}

func isOurs(raw any) bool {
	entry, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	for _, h := range asSlice(entry["hooks"]) {
		hook, ok := h.(map[string]any)
		if !ok {
			continue
		}
		if cmd, ok := hook["command"].(string); ok && strings.Contains(cmd, marker) {
			return true
		}
	}
	return false
}
