package backend

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiInvoker invokes Gemini models through the official GenAI SDK.
type GeminiInvoker struct {
	client *genai.Client
}

// NewGeminiInvoker creates an invoker authenticated with apiKey against the
// Gemini API backend.
func NewGeminiInvoker(ctx context.Context, apiKey string) (*GeminiInvoker, error) {
	if ctx == nil {
		return nil, fmt.Errorf("gemini: context must not be nil")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &GeminiInvoker{client: client}, nil
}

func (g *GeminiInvoker) Name() string { return "gemini" }

func (g *GeminiInvoker) Invoke(ctx context.Context, model string, msgs []Message, opts Options) (<-chan Chunk, error) {
	contents, cfg := buildGeminiContents(msgs, opts)

	ch := make(chan Chunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- Chunk{Err: fmt.Errorf("gemini: %w", err)}
				return
			}
			if text := resp.Text(); text != "" {
				ch <- Chunk{Text: text}
			}
		}
	}()

	return ch, nil
}

func buildGeminiContents(msgs []Message, opts Options) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(opts.Temperature))
	}
	if opts.TopP > 0 {
		cfg.TopP = genai.Ptr[float32](float32(opts.TopP))
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}

	return contents, cfg
}
