package transcript

import (
	"context"
	"fmt"
	"strings"
)

const (
	perMessageLimit = 600
	aggregateLimit  = 8000
	summaryTokens   = 300

	emptySummary = "No transcript messages available."
)

// Completer is the single LLM operation the summarizer needs. It returns
// the model's text output for one system+user exchange.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int64, purpose string) (string, error)
}

const summarySystemPrompt = `You summarize coding-agent session transcripts.
Write 3-5 sentences covering: what the user asked for, what the agent has
done so far, and the current status. Plain text, no markdown, no preamble.`

// Summarize produces a 3-5 sentence summary of the excerpt with a single
// LLM call. An empty excerpt returns a fixed string without calling the
// model. LLM errors propagate; callers degrade gracefully.
func Summarize(ctx context.Context, llm Completer, excerpt Excerpt) (string, error) {
	if len(excerpt.Messages) == 0 {
		return emptySummary, nil
	}

	var b strings.Builder
	for _, msg := range excerpt.Messages {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		if len(text) > perMessageLimit {
			text = text[:perMessageLimit]
		}
		entry := fmt.Sprintf("[%s] %s\n", msg.Role, text)
		if b.Len()+len(entry) > aggregateLimit {
			break
		}
		b.WriteString(entry)
	}
	if b.Len() == 0 {
		return emptySummary, nil
	}

	summary, err := llm.Complete(ctx, summarySystemPrompt, b.String(), summaryTokens, "transcript-summary")
	if err != nil {
		return "", fmt.Errorf("summarize transcript: %w", err)
	}
	return strings.TrimSpace(summary), nil
}
