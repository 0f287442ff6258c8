// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// model.Client interface, the one concrete LLM transport wired into
// perloop (see SPEC_FULL.md §3 and DESIGN.md for why the OpenAI/Bedrock
// adapters are left as pluggable, unwired alternatives).
package anthropic

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/perloop-ai/perloop/model"
)

// Client wraps an anthropic-sdk-go client with the default model and token
// budget to use for every call.
type Client struct {
	sdk       sdk.Client
	modelName sdk.Model
	maxTokens int64
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the default model used for completions.
func WithModel(m sdk.Model) Option {
	return func(c *Client) { c.modelName = m }
}

// WithMaxTokens overrides the default max-tokens budget per call.
func WithMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

// New constructs a Client authenticated with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		sdk:       sdk.NewClient(option.WithAPIKey(apiKey)),
		modelName: sdk.ModelClaudeSonnet4_5,
		maxTokens: 4096,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	var system string
	var messages []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     c.modelName,
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("model/anthropic: complete: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			text += tb.Text
		}
	}

	resp := model.Response{
		Text: text,
		Usage: model.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
	if req.ExpectJSON {
		if parsed, err := model.Salvage(text); err == nil {
			resp.Parsed = parsed
		}
	}
	return resp, nil
}
