package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/dictum/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *STTFallback) Status() []EntryStatus { return f.group.Status() }

// Close releases backends that hold native resources.
func (f *STTFallback) Close() error { return f.group.Close() }

// Transcribe sends req to the first healthy backend. Empty audio is rejected
// up front so it never counts against a breaker. Result.Provider is set to
// the name of the backend that answered when the backend left it empty.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if len(req.Samples) == 0 {
		return stt.Result{}, stt.ErrEmptyAudio
	}
	res, name, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, req)
	})
	if err != nil {
		if errors.Is(err, ErrAllFailed) {
			return stt.Result{}, fmt.Errorf("stt: %w", err)
		}
		return stt.Result{}, err
	}
	if res.Provider == "" {
		res.Provider = name
	}
	return res, nil
}
