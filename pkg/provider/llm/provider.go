// Package llm defines the Provider interface for Large Language Model
// backends.
//
// The gateway uses an LLM only off the hot path: after a session ends, the
// summariser condenses the transcript into a few sentences for the next call
// with the same caller. One-shot completion is all that requires; token
// streaming, tool calling and capability probing stay out of the interface.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message is a single turn of the conversation handed to the model.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a
// response. Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation to complete.
	Messages []Message

	// SystemPrompt is an optional instruction injected before the messages.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero keeps the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero keeps the provider default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	// Content is the text of the reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled before the
	// completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
