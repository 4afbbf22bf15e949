// Package mock provides a test double for the [stt.Provider] interface.
//
// Provider returns a scripted Result or error and records every request it
// receives. Set Block to hold Transcribe until the test releases it, which
// makes the Transcribing state observable.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Result{Text: "hello world"}}
//	res, _ := p.Transcribe(ctx, stt.Request{Samples: samples, SampleRate: 16000})
//	calls := p.Calls()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/dictum/pkg/provider/stt"
)

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Samples is a copy of the request audio.
	Samples []float32

	// Req is the request as passed in.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil. Duration is filled
	// from the request when left zero.
	Result stt.Result

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// Block, when non-nil, is waited on before Transcribe returns. A
	// cancelled context unblocks it with ctx.Err().
	Block <-chan struct{}

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall

	started chan struct{}
}

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{
		Samples: append([]float32(nil), req.Samples...),
		Req:     req,
	})
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	block := p.Block
	res, err := p.Result, p.Err
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	if res.Duration == 0 {
		res.Duration = req.Duration()
	}
	return res, nil
}

// Started returns a channel that receives a value each time Transcribe is
// entered. Call it before the code under test runs.
func (p *Provider) Started() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started == nil {
		p.started = make(chan struct{}, 16)
	}
	return p.started
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.TranscribeCalls))
	copy(out, p.TranscribeCalls)
	return out
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded call history. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}
