package backend

import (
	"context"
	"fmt"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIInvoker invokes GPT models through the official SDK.
type OpenAIInvoker struct {
	client openaiSDK.Client
}

// NewOpenAIInvoker creates an invoker authenticated with apiKey.
// baseURL overrides the API endpoint when non-empty.
func NewOpenAIInvoker(apiKey, baseURL string) *OpenAIInvoker {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIInvoker{client: openaiSDK.NewClient(opts...)}
}

func (o *OpenAIInvoker) Name() string { return "openai" }

func (o *OpenAIInvoker) Invoke(ctx context.Context, model string, msgs []Message, opts Options) (<-chan Chunk, error) {
	sdkMsgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			sdkMsgs = append(sdkMsgs, openaiSDK.SystemMessage(m.Content))
		case RoleAssistant:
			sdkMsgs = append(sdkMsgs, openaiSDK.AssistantMessage(m.Content))
		default:
			sdkMsgs = append(sdkMsgs, openaiSDK.UserMessage(m.Content))
		}
	}

	params := openaiSDK.ChatCompletionNewParams{
		Model:    model,
		Messages: sdkMsgs,
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openaiSDK.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = openaiSDK.Float(opts.TopP)
	}

	ch := make(chan Chunk, 64)
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if c := chunk.Choices[0]; c.Delta.Content != "" {
				ch <- Chunk{Text: c.Delta.Content}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- Chunk{Err: fmt.Errorf("openai: %w", err)}
		}
	}()

	return ch, nil
}
