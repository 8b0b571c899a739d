// Package llm provides LLM provider abstractions.
//
// Each provider implementation hides:
// - API client initialization and authentication
// - Request/response format conversion, including tool calls
// - Provider-specific error handling

package llm

import (
	"context"
)

// Provider defines the abstract interface for LLM providers.
type Provider interface {
	// Name returns the provider name (for logging/debugging).
	Name() string

	// Model returns the current model being used.
	Model() string

	// Complete sends a chat completion request. When tools is non-empty the
	// model may answer with tool calls in Response.ToolCalls instead of text.
	Complete(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (Response, error)
}
