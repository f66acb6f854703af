package backend

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicInvoker invokes Claude models through the official SDK.
type AnthropicInvoker struct {
	client anthropic.Client
}

// NewAnthropicInvoker creates an invoker authenticated with apiKey.
// baseURL overrides the API endpoint when non-empty (useful for mocks).
func NewAnthropicInvoker(apiKey, baseURL string) *AnthropicInvoker {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicInvoker{client: anthropic.NewClient(opts...)}
}

func (a *AnthropicInvoker) Name() string { return "anthropic" }

func (a *AnthropicInvoker) Invoke(ctx context.Context, model string, msgs []Message, opts Options) (<-chan Chunk, error) {
	params := a.buildParams(model, msgs, opts)

	ch := make(chan Chunk, 64)
	stream := a.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()
			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- Chunk{Text: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- Chunk{Text: deltaVariant.Text}
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- Chunk{Err: fmt.Errorf("anthropic: %w", err)}
		}
	}()

	return ch, nil
}

func (a *AnthropicInvoker) buildParams(model string, msgs []Message, opts Options) anthropic.MessageNewParams {
	var systemPrompt string
	sdkMsgs := make([]anthropic.MessageParam, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			role := anthropic.MessageParamRoleUser
			if m.Role == RoleAssistant {
				role = anthropic.MessageParamRoleAssistant
			}
			sdkMsgs = append(sdkMsgs, anthropic.MessageParam{
				Role: role,
				Content: []anthropic.ContentBlockParamUnion{
					{OfText: &anthropic.TextBlockParam{Text: m.Content}},
				},
			})
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  sdkMsgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = anthropic.Float(opts.TopP)
	}
	return params
}
