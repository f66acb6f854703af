// Package apierr writes structured API errors in the two wire formats the
// gateway speaks: the OpenAI error envelope and the Anthropic error envelope.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// OpenAI error type constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeNotFound       = "not_found_error"
	TypeRateLimitError = "rate_limit_error"
	TypeTimeoutError   = "timeout_error"
	TypeServerError    = "server_error"
)

// OpenAI error code constants.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeModelNotFound     = "model_not_found"
	CodeMethodNotAllowed  = "method_not_allowed"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeRequestTimeout    = "request_timeout"
	CodeInternalError     = "internal_error"
)

// Anthropic error type constants.
const (
	AnthropicInvalidRequest = "invalid_request_error"
	AnthropicNotFound       = "not_found_error"
	AnthropicRateLimit      = "rate_limit_error"
	AnthropicTimeout        = "timeout_error"
	AnthropicAPIError       = "api_error"
)

type (
	// OpenAIError is the inner object of the OpenAI error envelope.
	OpenAIError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	openAIEnvelope struct {
		Error OpenAIError `json:"error"`
	}

	// AnthropicError is the inner object of the Anthropic error envelope.
	AnthropicError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	anthropicEnvelope struct {
		Type  string         `json:"type"`
		Error AnthropicError `json:"error"`
	}
)

// WriteOpenAI writes an OpenAI-shaped error response with the given status.
func WriteOpenAI(ctx *fasthttp.RequestCtx, status int, code, message, errType string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(OpenAIBody(code, message, errType))
}

// WriteAnthropic writes an Anthropic-shaped error response with the given status.
func WriteAnthropic(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(AnthropicBody(errType, message))
}

// OpenAIBody returns the marshaled OpenAI error envelope. Used directly by
// the streaming path, where the error travels inside an SSE frame instead of
// an HTTP status.
func OpenAIBody(code, message, errType string) []byte {
	body, _ := json.Marshal(openAIEnvelope{Error: OpenAIError{
		Code:    code,
		Message: message,
		Type:    errType,
	}})
	return body
}

// AnthropicBody returns the marshaled Anthropic error envelope.
func AnthropicBody(errType, message string) []byte {
	body, _ := json.Marshal(anthropicEnvelope{
		Type: "error",
		Error: AnthropicError{
			Type:    errType,
			Message: message,
		},
	})
	return body
}
