package transcript

import (
	"fmt"
	"strings"
)

const (
	defaultRecentMessages = 5
	defaultRecentTools    = 6
	recentTextLimit       = 200
)

// FormatRecentActivity renders the last maxMessages entries as a short
// plain-text block for inclusion in a chat message. maxMessages <= 0
// uses the default of 5.
func FormatRecentActivity(excerpt Excerpt, maxMessages int) string {
	if maxMessages <= 0 {
		maxMessages = defaultRecentMessages
	}
	msgs := excerpt.Messages
	if len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}
	if len(msgs) == 0 {
		return "No recent activity."
	}

	var b strings.Builder
	b.WriteString("Recent activity:\n")
	for _, msg := range msgs {
		text := strings.TrimSpace(msg.Text)
		if text == "" && len(msg.ToolUses) > 0 {
			names := make([]string, 0, len(msg.ToolUses))
			for _, tu := range msg.ToolUses {
				names = append(names, tu.Name)
			}
			text = "(used " + strings.Join(names, ", ") + ")"
		}
		if text == "" {
			continue
		}
		text = strings.ReplaceAll(text, "\n", " ")
		if len(text) > recentTextLimit {
			text = text[:recentTextLimit] + "…"
		}
		fmt.Fprintf(&b, "• %s: %s\n", msg.Role, text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ExtractRecentTools renders the last maxTools tool uses, most recent
// last, as one short line each. maxTools <= 0 uses the default of 6.
func ExtractRecentTools(excerpt Excerpt, maxTools int) string {
	if maxTools <= 0 {
		maxTools = defaultRecentTools
	}

	var uses []ToolUse
	for _, msg := range excerpt.Messages {
		uses = append(uses, msg.ToolUses...)
	}
	if len(uses) == 0 {
		return ""
	}
	if len(uses) > maxTools {
		uses = uses[len(uses)-maxTools:]
	}

	var b strings.Builder
	b.WriteString("Recent tools:\n")
	for _, tu := range uses {
		if tu.InputSummary != "" {
			fmt.Fprintf(&b, "• %s %s\n", tu.Name, tu.InputSummary)
		} else {
			fmt.Fprintf(&b, "• %s\n", tu.Name)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
