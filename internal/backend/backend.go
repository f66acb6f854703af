// Package backend defines the contract between the gateway and the upstream
// model, plus reference invokers for the official Anthropic, OpenAI, and
// Google GenAI SDKs.
//
// The gateway core never constructs an Invoker itself — one is injected at
// startup, so tests can substitute a scripted double and deployments can
// point at any conforming upstream.
package backend

import "context"

// Role is a conversation role in the protocol-neutral message form.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type (
	// Message is a single turn in a conversation. Both wire protocols are
	// normalized into an ordered []Message before the backend is invoked.
	Message struct {
		Role    Role
		Content string
	}

	// Options carries the sampling parameters derived from the wire request.
	// Zero values mean "not set" and are omitted from the upstream call.
	Options struct {
		MaxTokens   int
		Temperature float64
		TopP        float64
	}

	// Chunk is one element of the invocation stream: a fragment of generated
	// text, or a terminal error. After a Chunk with Err != nil the channel is
	// closed and no further text arrives.
	Chunk struct {
		Text string
		Err  error
	}
)

// Invoker executes one inference call. The returned channel delivers text
// chunks as the upstream produces them and is closed when the call completes,
// fails, or ctx is cancelled. Cancellation via ctx is the only way to abort
// an in-flight call.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, model string, msgs []Message, opts Options) (<-chan Chunk, error)
}
