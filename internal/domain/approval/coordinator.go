package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/claudecube/claudecube/internal/adapter/outbound/llm"
	"github.com/claudecube/claudecube/internal/domain/transcript"
)

// DefaultTimeout bounds how long a request waits for a human.
const DefaultTimeout = 300 * time.Second

const detailsTranscriptWindow = 15

// TranscriptSource supplies the transcript path for the Details button.
type TranscriptSource interface {
	GetTranscriptPath(sessionID string) string
}

// Summarizer produces a short transcript summary; best-effort.
type Summarizer func(ctx context.Context, excerpt transcript.Excerpt) (string, error)

// Coordinator multiplexes one chat across many concurrent requests.
// It owns the pending and message-context maps; the lock covers map
// mutation only, never a chat API call.
type Coordinator struct {
	chat        Chat
	classifier  Classifier
	keys        KeysSender // may be nil
	transcripts TranscriptSource
	summarize   Summarizer   // may be nil
	appendRule  RuleAppender // may be nil
	timeout     time.Duration
	logger      *slog.Logger

	counter atomic.Int64

	mu       sync.Mutex
	pending  map[string]*pending
	contexts map[int]*msgContext
}

// Config wires a coordinator. Chat is required; the rest degrade
// gracefully when nil.
type Config struct {
	Chat        Chat
	Classifier  Classifier
	Keys        KeysSender
	Transcripts TranscriptSource
	Summarize   Summarizer
	AppendRule  RuleAppender
	Timeout     time.Duration
}

// NewCoordinator builds a coordinator with empty tables. Nothing here
// survives a restart; in-flight approvals die with the process.
func NewCoordinator(cfg Config, logger *slog.Logger) *Coordinator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		chat:        cfg.Chat,
		classifier:  cfg.Classifier,
		keys:        cfg.Keys,
		transcripts: cfg.Transcripts,
		summarize:   cfg.Summarize,
		appendRule:  cfg.AppendRule,
		timeout:     timeout,
		logger:      logger,
		pending:     make(map[string]*pending),
		contexts:    make(map[int]*msgContext),
	}
}

// PendingCount reports in-flight requests, for status and metrics.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RequestApproval asks the human whether a tool call may proceed and
// blocks until a button, classified reply, timeout or send failure
// resolves it.
func (c *Coordinator) RequestApproval(ctx context.Context, req Request) Result {
	text := formatApprovalMessage(req)
	buttons := [][]Button{{
		{Text: "✅ Approve", Data: "approve:"},
		{Text: "❌ Deny", Data: "deny:"},
		{Text: "📋 Details", Data: "details:"},
	}}
	return c.dispatch(ctx, text, buttons, req.SessionID, req.ToolName, req.Label, req.PaneID, false)
}

// RequestStopDecision asks the human whether the agent should keep
// going, with Continue / Let stop buttons.
func (c *Coordinator) RequestStopDecision(ctx context.Context, req StopRequest) Result {
	text := formatStopMessage(req)
	buttons := [][]Button{{
		{Text: "▶️ Continue", Data: "continue:"},
		{Text: "🛑 Let stop", Data: "let-stop:"},
	}}
	return c.dispatch(ctx, text, buttons, req.SessionID, "", req.Label, req.PaneID, true)
}

// dispatch runs the shared outgoing-message lifecycle.
func (c *Coordinator) dispatch(ctx context.Context, text string, buttons [][]Button, sessionID, toolName, label, paneID string, isStop bool) Result {
	id := fmt.Sprintf("apr_%d_%d", c.counter.Add(1), time.Now().UnixMilli())
	for i := range buttons {
		for j := range buttons[i] {
			buttons[i][j].Data += id
		}
	}

	p := &pending{
		id:        id,
		result:    make(chan Result, 1),
		text:      text,
		toolName:  toolName,
		sessionID: sessionID,
		isStop:    isStop,
		createdAt: time.Now(),
	}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	messageID, err := c.chat.SendMessage(ctx, text, buttons, 0)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.logger.Warn("approval send failed", "approval_id", id, "error", err)
		return Result{Reason: fmt.Sprintf("Telegram send failed: %v", err)}
	}

	// A button press can resolve the id between the send returning and
	// this lock; installing a context or timer then would leak both.
	c.mu.Lock()
	if _, live := c.pending[id]; live {
		p.messageID = messageID
		c.contexts[messageID] = &msgContext{
			approvalID: id,
			sessionID:  sessionID,
			paneID:     paneID,
			label:      label,
			toolName:   toolName,
			isStop:     isStop,
		}
		p.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })
	}
	c.mu.Unlock()

	c.logger.Info("approval requested",
		"approval_id", id, "session_id", sessionID, "tool", toolName, "stop", isStop)

	return <-p.result
}

// resolve removes the pending entry and delivers the result. Returns
// the entry on the first call for an id and nil afterwards; this is the
// exactly-once point.
func (c *Coordinator) resolve(id string, res Result) *pending {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.pending, id)
	if p.messageID != 0 {
		delete(c.contexts, p.messageID)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	c.mu.Unlock()

	p.result <- res
	c.logger.Info("approval resolved",
		"approval_id", id, "approved", res.Approved, "reason", res.Reason)
	return p
}

// expire fires on timeout.
func (c *Coordinator) expire(id string) {
	p := c.resolve(id, Result{Reason: "Telegram approval timed out"})
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.chat.EditMessage(ctx, p.messageID, p.text+"\n\n⏰ Timed out (denied)"); err != nil {
		c.logger.Warn("timeout notice failed", "approval_id", id, "error", err)
	}
}

// HandleButton processes an inline-keyboard press. data is
// "<action>:<approvalId>".
func (c *Coordinator) HandleButton(ctx context.Context, callbackID, data string, messageID int) {
	action, id, ok := strings.Cut(data, ":")
	if !ok {
		return
	}

	switch action {
	case "approve", "continue":
		c.finishButton(ctx, callbackID, id,
			Result{Approved: true, Reason: "Approved via Telegram"}, "✅ Approved")
	case "deny", "let-stop":
		c.finishButton(ctx, callbackID, id,
			Result{Reason: "Denied via Telegram"}, "❌ Denied")
	case "details":
		c.handleDetails(ctx, callbackID, messageID)
	}
}

func (c *Coordinator) finishButton(ctx context.Context, callbackID, id string, res Result, marker string) {
	p := c.resolve(id, res)
	if p == nil {
		c.answerButton(ctx, callbackID, "Expired or already handled")
		return
	}
	c.answerButton(ctx, callbackID, marker)
	stamp := fmt.Sprintf("%s\n\n%s at %s", p.text, marker, time.Now().Format("15:04:05"))
	if err := c.chat.EditMessage(ctx, p.messageID, stamp); err != nil {
		c.logger.Warn("message edit failed", "approval_id", id, "error", err)
	}
}

// handleDetails replies with a transcript summary without resolving the
// approval; every lookup in the chain degrades to a shorter reply.
func (c *Coordinator) handleDetails(ctx context.Context, callbackID string, messageID int) {
	c.answerButton(ctx, callbackID, "Fetching details…")

	c.mu.Lock()
	mc, ok := c.contexts[messageID]
	c.mu.Unlock()
	if !ok {
		return
	}

	var path string
	if c.transcripts != nil {
		path = c.transcripts.GetTranscriptPath(mc.sessionID)
	}
	excerpt := transcript.Read(path, detailsTranscriptWindow)

	parts := []string{fmt.Sprintf("Details for %s:", mc.label)}
	if c.summarize != nil {
		if summary, err := c.summarize(ctx, excerpt); err == nil && summary != "" {
			parts = append(parts, summary)
		}
	}
	parts = append(parts, transcript.FormatRecentActivity(excerpt, 0))

	if _, err := c.chat.SendMessage(ctx, strings.Join(parts, "\n\n"), nil, messageID); err != nil {
		c.logger.Warn("details reply failed", "session_id", mc.sessionID, "error", err)
	}
}

// HandleText processes a plain message. Only replies threaded onto an
// outstanding approval message are meaningful; anything else is
// ignored.
func (c *Coordinator) HandleText(ctx context.Context, text string, messageID, replyToID int) {
	if replyToID == 0 {
		return
	}
	c.mu.Lock()
	mc, ok := c.contexts[replyToID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if mc.isStop {
		c.resolve(mc.approvalID, Result{
			Approved:   true,
			Reason:     "User replied to agent question",
			PolicyText: text,
		})
		c.injectKeys(ctx, mc, text, replyToID)
		return
	}

	if c.classifier == nil {
		c.resolve(mc.approvalID, Result{
			Approved:   true,
			Reason:     "Approved via Telegram reply",
			PolicyText: text,
		})
		return
	}

	eval, err := c.classifier.Classify(ctx, text, mc.toolName, mc.label)
	if err != nil {
		// The human typed something; treat the raw text as the answer.
		c.resolve(mc.approvalID, Result{
			Approved:   true,
			Reason:     "Approved via Telegram reply",
			PolicyText: text,
		})
		return
	}

	switch eval.Intent {
	case llm.IntentDeny:
		c.resolve(mc.approvalID, Result{
			Reason: fmt.Sprintf("Denied via Telegram: %s", text),
		})
	case llm.IntentForward:
		forward := eval.ForwardText
		if forward == "" {
			forward = text
		}
		c.resolve(mc.approvalID, Result{
			Approved: true,
			Reason:   "Approved + forwarded text to agent",
		})
		c.injectKeys(ctx, mc, forward, replyToID)
	case llm.IntentAddPolicy:
		policy := eval.PolicyText
		if policy == "" {
			policy = text
		}
		c.resolve(mc.approvalID, Result{
			Approved:   true,
			Reason:     "Approved via Telegram reply",
			PolicyText: policy,
		})
	case llm.IntentAddRule:
		if c.appendRule != nil && eval.RuleYAML != "" {
			if err := c.appendRule(eval.RuleYAML); err != nil {
				c.logger.Warn("rule append failed", "error", err)
				c.notify(ctx, fmt.Sprintf("⚠️ Could not add rule: %v", err), replyToID)
			} else {
				c.notify(ctx, "📝 Rule added", replyToID)
			}
		}
		c.resolve(mc.approvalID, Result{Approved: true, Reason: "Approved via Telegram reply"})
	default: // approve
		c.resolve(mc.approvalID, Result{Approved: true, Reason: "Approved via Telegram reply"})
	}
}

// injectKeys types text into the request's pane. Failures are reported
// back to the chat so the user knows the approval landed but the text
// did not.
func (c *Coordinator) injectKeys(ctx context.Context, mc *msgContext, text string, replyToID int) {
	if c.keys == nil || mc.paneID == "" {
		return
	}
	if err := c.keys.SendKeys(mc.paneID, text); err != nil {
		c.logger.Warn("send-keys failed", "pane", mc.paneID, "error", err)
		c.notify(ctx, fmt.Sprintf("⚠️ Approved, but sending text to the terminal failed: %v", err), replyToID)
	}
}

func (c *Coordinator) notify(ctx context.Context, text string, replyToID int) {
	if _, err := c.chat.SendMessage(ctx, text, nil, replyToID); err != nil {
		c.logger.Warn("chat notice failed", "error", err)
	}
}

func (c *Coordinator) answerButton(ctx context.Context, callbackID, text string) {
	if err := c.chat.AnswerButton(ctx, callbackID, text); err != nil {
		c.logger.Warn("button answer failed", "error", err)
	}
}

func formatApprovalMessage(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔐 Permission request from %s\n\n", req.Label)
	fmt.Fprintf(&b, "Tool: %s\n", req.ToolName)
	if summary := formatToolInput(req.ToolInput); summary != "" {
		fmt.Fprintf(&b, "Input: %s\n", summary)
	}
	if req.Reason != "" {
		fmt.Fprintf(&b, "Why: %s\n", req.Reason)
	}
	fmt.Fprintf(&b, "Dir: %s", req.Cwd)
	return b.String()
}

func formatStopMessage(req StopRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🛑 %s is about to stop\n\n", req.Label)
	if req.LastMessage != "" {
		last := req.LastMessage
		if len(last) > 600 {
			last = last[:600] + "…"
		}
		fmt.Fprintf(&b, "Last message:\n%s\n", last)
	}
	if req.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", req.Summary)
	}
	if req.RecentTools != "" {
		fmt.Fprintf(&b, "\n%s\n", req.RecentTools)
	}
	b.WriteString("\nReply to answer the agent, or choose below.")
	return b.String()
}

func formatToolInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	// Favor the fields humans actually read; fall back to the first
	// string value.
	for _, key := range []string{"command", "file_path", "url", "pattern"} {
		if v, ok := input[key].(string); ok && v != "" {
			return truncate(v, 300)
		}
	}
	for _, v := range input {
		if s, ok := v.(string); ok && s != "" {
			return truncate(s, 300)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}
