package transcript

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeCompleter struct {
	reply   string
	err     error
	called  int
	lastMax int64
	lastIn  string
}

func (f *fakeCompleter) Complete(_ context.Context, _, user string, maxTokens int64, _ string) (string, error) {
	f.called++
	f.lastMax = maxTokens
	f.lastIn = user
	return f.reply, f.err
}

func TestSummarizeEmptyExcerpt(t *testing.T) {
	llm := &fakeCompleter{}
	got, err := Summarize(context.Background(), llm, Excerpt{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "No transcript messages available." {
		t.Errorf("summary = %q", got)
	}
	if llm.called != 0 {
		t.Error("LLM called for empty excerpt")
	}
}

func TestSummarize(t *testing.T) {
	llm := &fakeCompleter{reply: " The user asked for a fix. The agent edited auth.go. Done. "}
	excerpt := Excerpt{Messages: []Message{
		{Role: "user", Text: "fix auth"},
		{Role: "assistant", Text: "edited auth.go"},
	}, TotalMessages: 2}

	got, err := Summarize(context.Background(), llm, excerpt)
	if err != nil {
		t.Fatal(err)
	}
	if got != "The user asked for a fix. The agent edited auth.go. Done." {
		t.Errorf("summary = %q", got)
	}
	if llm.lastMax != 300 {
		t.Errorf("max tokens = %d, want 300", llm.lastMax)
	}
	if !strings.Contains(llm.lastIn, "[user] fix auth") {
		t.Errorf("prompt = %q", llm.lastIn)
	}
}

func TestSummarizeTruncatesLongMessages(t *testing.T) {
	llm := &fakeCompleter{reply: "ok"}
	excerpt := Excerpt{Messages: []Message{
		{Role: "assistant", Text: strings.Repeat("x", 5000)},
	}}

	if _, err := Summarize(context.Background(), llm, excerpt); err != nil {
		t.Fatal(err)
	}
	if len(llm.lastIn) > 700 {
		t.Errorf("prompt length = %d, want per-message cap of 600 applied", len(llm.lastIn))
	}
}

func TestSummarizeAggregateCap(t *testing.T) {
	llm := &fakeCompleter{reply: "ok"}
	var msgs []Message
	for i := 0; i < 50; i++ {
		msgs = append(msgs, Message{Role: "assistant", Text: strings.Repeat("y", 600)})
	}

	if _, err := Summarize(context.Background(), llm, Excerpt{Messages: msgs}); err != nil {
		t.Fatal(err)
	}
	if len(llm.lastIn) > 8000 {
		t.Errorf("prompt length = %d, want <= 8000", len(llm.lastIn))
	}
}

func TestSummarizeErrorPropagates(t *testing.T) {
	llm := &fakeCompleter{err: errors.New("api down")}
	excerpt := Excerpt{Messages: []Message{{Role: "user", Text: "hi"}}}

	if _, err := Summarize(context.Background(), llm, excerpt); err == nil {
		t.Error("expected error")
	}
}

func TestFormatRecentActivity(t *testing.T) {
	excerpt := Excerpt{Messages: []Message{
		{Role: "user", Text: "one"},
		{Role: "assistant", Text: "two"},
		{Role: "assistant", ToolUses: []ToolUse{{Name: "Bash"}}},
	}}

	got := FormatRecentActivity(excerpt, 2)
	if strings.Contains(got, "one") {
		t.Errorf("older message not dropped: %q", got)
	}
	if !strings.Contains(got, "assistant: two") || !strings.Contains(got, "(used Bash)") {
		t.Errorf("formatted = %q", got)
	}

	if got := FormatRecentActivity(Excerpt{}, 5); got != "No recent activity." {
		t.Errorf("empty excerpt = %q", got)
	}
}

func TestExtractRecentTools(t *testing.T) {
	var msgs []Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, Message{Role: "assistant", ToolUses: []ToolUse{
			{Name: "Read", InputSummary: `{"n":` + string(rune('0'+i)) + `}`},
		}})
	}

	got := ExtractRecentTools(Excerpt{Messages: msgs}, 0)
	if n := strings.Count(got, "• "); n != 6 {
		t.Errorf("tool lines = %d, want default cap 6", n)
	}
	if !strings.Contains(got, `{"n":9}`) {
		t.Errorf("most recent tool missing: %q", got)
	}
	if strings.Contains(got, `{"n":0}`) {
		t.Errorf("oldest tool not dropped: %q", got)
	}

	if got := ExtractRecentTools(Excerpt{}, 6); got != "" {
		t.Errorf("empty excerpt = %q", got)
	}
}
