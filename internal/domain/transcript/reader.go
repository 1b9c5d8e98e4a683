// Package transcript reads the agent's JSONL conversation transcript and
// renders short excerpts and summaries for approval messages.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// maxInputSummary caps the rendered tool input per tool use.
const maxInputSummary = 120

// ToolUse is one tool invocation extracted from an assistant message.
type ToolUse struct {
	Name         string
	InputSummary string
}

// Message is one user or assistant transcript entry.
type Message struct {
	Role     string
	Text     string
	ToolUses []ToolUse
}

// Excerpt is a window over the transcript. TotalMessages always counts
// the whole file even when Messages holds only the tail.
type Excerpt struct {
	Messages      []Message
	TotalMessages int
}

// transcript line shapes; only the fields used here.
type rawLine struct {
	Type    string     `json:"type"`
	Message rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Read parses the transcript file and returns the last lastN user and
// assistant messages (all of them when lastN <= 0). Any I/O or parse
// failure yields an empty excerpt; transcripts are advisory and a broken
// one must never break a decision.
func Read(path string, lastN int) Excerpt {
	if path == "" {
		return Excerpt{}
	}
	f, err := os.Open(path)
	if err != nil {
		return Excerpt{}
	}
	defer f.Close()

	var messages []Message

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw rawLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		if raw.Type != "user" && raw.Type != "assistant" {
			continue
		}
		msg, ok := parseMessage(raw.Message)
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return Excerpt{}
	}

	total := len(messages)
	if lastN > 0 && len(messages) > lastN {
		messages = messages[len(messages)-lastN:]
	}
	return Excerpt{Messages: messages, TotalMessages: total}
}

// parseMessage extracts role, concatenated text and tool uses from a
// message whose content is either a plain string or an array of blocks.
func parseMessage(raw rawMessage) (Message, bool) {
	msg := Message{Role: raw.Role}
	if msg.Role == "" || len(raw.Content) == 0 {
		return Message{}, false
	}

	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		msg.Text = text
		return msg, true
	}

	var blocks []rawBlock
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return Message{}, false
	}

	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "tool_use":
			msg.ToolUses = append(msg.ToolUses, ToolUse{
				Name:         block.Name,
				InputSummary: summarizeInput(block.Input),
			})
		}
	}
	msg.Text = strings.Join(parts, "\n")
	return msg, true
}

func summarizeInput(input json.RawMessage) string {
	s := string(input)
	if s == "" || s == "null" {
		return ""
	}
	if len(s) > maxInputSummary {
		s = s[:maxInputSummary]
	}
	return s
}
