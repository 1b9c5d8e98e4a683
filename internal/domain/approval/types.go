// Package approval brokers human decisions over a chat channel: one
// pending entry per outstanding request, resolved exactly once by a
// button press, a classified text reply, a timeout, or a send failure.
package approval

import (
	"context"
	"time"

	"github.com/claudecube/claudecube/internal/adapter/outbound/llm"
)

// Button is one inline-keyboard button.
type Button struct {
	Text string
	Data string
}

// Chat is the outbound capability the coordinator needs from a chat
// service. SendMessage returns the new message's id for reply routing.
type Chat interface {
	SendMessage(ctx context.Context, text string, buttons [][]Button, replyTo int) (int, error)
	EditMessage(ctx context.Context, messageID int, text string) error
	AnswerButton(ctx context.Context, callbackID, text string) error
}

// KeysSender injects text into a terminal pane.
type KeysSender interface {
	SendKeys(paneID, text string) error
}

// Classifier turns a free-text reply into a dispatchable intent.
type Classifier interface {
	Classify(ctx context.Context, text, toolName, label string) (llm.ReplyEvaluation, error)
}

// RuleAppender persists a rule snippet to the rules file.
type RuleAppender func(snippetYAML string) error

// Result is the coordinator's answer to one request.
type Result struct {
	Approved bool
	Reason   string
	// PolicyText carries a human instruction extracted from a reply:
	// for tool approvals a policy to persist, for stop decisions the
	// answer to relay to the agent.
	PolicyText string
}

// Request describes a tool call awaiting permission.
type Request struct {
	SessionID string
	ToolName  string
	ToolInput map[string]any
	Reason    string
	Label     string
	Cwd       string
	PaneID    string
}

// StopRequest describes an agent about to stop.
type StopRequest struct {
	SessionID   string
	LastMessage string
	Label       string
	Cwd         string
	PaneID      string
	Summary     string
	RecentTools string
}

// pending is one in-flight request. result is buffered so the resolving
// goroutine never blocks on the waiter.
type pending struct {
	id        string
	result    chan Result
	text      string
	messageID int
	toolName  string
	sessionID string
	isStop    bool
	createdAt time.Time
	timer     *time.Timer
}

// msgContext routes a chat reply back to its originating request.
type msgContext struct {
	approvalID string
	sessionID  string
	paneID     string
	label      string
	toolName   string
	isStop     bool
}
