// Package llm wraps the Anthropic API for the two call shapes the
// pipelines use: the tool-call evaluator and the reply classifier.
package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/claudecube/claudecube/internal/domain/audit"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// Messages is the slice of the Anthropic SDK the client calls, extracted
// so tests can substitute a canned API.
type Messages interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// CostRecorder receives one record per API call.
type CostRecorder interface {
	Record(entry audit.CostEntry)
}

// Client issues single-turn completions against one model and records
// token usage per call.
type Client struct {
	messages Messages
	model    string
	costs    CostRecorder // may be nil
	logger   *slog.Logger
}

// NewClient builds a client from an API key. model empty means
// DefaultModel.
func NewClient(apiKey, model string, costs CostRecorder, logger *slog.Logger) *Client {
	sdk := anthropic.NewClient(option.WithAPIKey(apiKey))
	return newClient(&sdk.Messages, model, costs, logger)
}

func newClient(messages Messages, model string, costs CostRecorder, logger *slog.Logger) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{messages: messages, model: model, costs: costs, logger: logger}
}

// Model returns the configured model id.
func (c *Client) Model() string { return c.model }

// Complete sends one system+user exchange and returns the first text
// block of the response. Token usage is recorded under the given purpose
// tag before any parsing happens, so failed parses still show up in the
// cost totals.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int64, purpose string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic call (%s): %w", purpose, err)
	}

	if c.costs != nil {
		c.costs.Record(audit.CostEntry{
			Purpose:      purpose,
			Model:        c.model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		})
	}

	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}
