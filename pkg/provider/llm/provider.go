// Package llm defines the Provider interface for Large Language Model backends.
//
// The dictation pipeline uses an LLM only to polish finished transcripts, so
// the interface is a single blocking completion call. Implementations wrap a
// remote or local model API (OpenAI, Anthropic, a local Ollama or llama.cpp
// server) without leaking SDK types to callers.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrNoMessages is returned for a request without any message.
	ErrNoMessages = errors.New("llm: request has no messages")

	// ErrTruncated is returned when the model stopped at the token limit.
	// A cut-off rewrite would silently lose dictated text, so callers
	// should fall back to their input.
	ErrTruncated = errors.New("llm: completion truncated at the token limit")
)

// Role constants for [Message].Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically
	// from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional instruction injected before Messages.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the provider
	// default.
	MaxTokens int
}

// CompletionResponse is the full reply to a CompletionRequest.
type CompletionResponse struct {
	// Content is the text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage

	// Provider names the backend that answered. Fallback groups fill it in
	// when the backend leaves it empty.
	Provider string
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or if ctx is cancelled before
	// the completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
