package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/dictum/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// polish backends. Each backend has its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// Close releases backends that hold native resources.
func (f *LLMFallback) Close() error { return f.group.Close() }

// Complete sends req to the first healthy backend. A request without
// messages is rejected up front so it never counts against a breaker. A
// backend that answers with no response is treated as failed and the next
// one is tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, llm.ErrNoMessages
	}
	resp, name, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		if err == nil && resp == nil {
			return nil, errNoResponse
		}
		return resp, err
	})
	if err != nil {
		if errors.Is(err, ErrAllFailed) {
			return nil, fmt.Errorf("llm: %w", err)
		}
		return nil, err
	}
	if resp.Provider == "" {
		out := *resp
		out.Provider = name
		return &out, nil
	}
	return resp, nil
}

var errNoResponse = errors.New("empty completion response")
