// Package mock provides a test double for the [vad.Classifier] interface.
//
// Classifier returns scripted probabilities, one per Infer call, and records
// every chunk it was asked to classify. The state it hands out is a plain
// call counter, so tests can assert that the caller threads it correctly.
//
// Example:
//
//	c := &mock.Classifier{Probabilities: []float64{0.1, 0.9, 0.9}}
//	st, _ := c.InitialState()
//	st, inf, _ := c.Infer(ctx, chunk, st)
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/dictum/pkg/provider/vad"
)

// Ensure Classifier implements vad.Classifier at compile time.
var _ vad.Classifier = (*Classifier)(nil)

// State is the state value handed out by Classifier: the number of Infer
// calls made with this lineage of states.
type State int

// InferCall records a single invocation of Classifier.Infer.
type InferCall struct {
	// Len is the number of samples in the chunk.
	Len int

	// State is the state passed in.
	State vad.State
}

// Classifier is a mock implementation of vad.Classifier.
type Classifier struct {
	mu sync.Mutex

	// Probabilities are returned in order, one per Infer call. Once exhausted,
	// Default is returned.
	Probabilities []float64

	// Default is returned after Probabilities is exhausted.
	Default float64

	// ProbabilityFunc, when set, overrides Probabilities and computes the
	// probability from the chunk itself.
	ProbabilityFunc func(chunk []float32) float64

	// FailOn lists zero-based Infer call indices that return InferErr.
	FailOn map[int]bool

	// InferErr is returned for calls listed in FailOn. Defaults to a generic
	// error when nil.
	InferErr error

	// InitialStateErr, if non-nil, is returned by InitialState.
	InitialStateErr error

	// --- Call records ---

	// InferCalls records every call to Infer in order.
	InferCalls []InferCall

	// InitialStateCallCount is the number of times InitialState was called.
	InitialStateCallCount int

	calls int
}

// InitialState records the call and returns State(0), InitialStateErr.
func (c *Classifier) InitialState() (vad.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InitialStateCallCount++
	if c.InitialStateErr != nil {
		return nil, c.InitialStateErr
	}
	c.calls = 0
	return State(0), nil
}

// Infer records the call and returns the next scripted probability.
func (c *Classifier) Infer(_ context.Context, chunk []float32, st vad.State) (vad.State, vad.Inference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InferCalls = append(c.InferCalls, InferCall{Len: len(chunk), State: st})

	idx := c.calls
	c.calls++

	if c.FailOn[idx] {
		err := c.InferErr
		if err == nil {
			err = fmt.Errorf("mock vad: scripted failure on call %d", idx)
		}
		return st, vad.Inference{}, err
	}

	n, _ := st.(State)

	var p float64
	switch {
	case c.ProbabilityFunc != nil:
		p = c.ProbabilityFunc(chunk)
	case idx < len(c.Probabilities):
		p = c.Probabilities[idx]
	default:
		p = c.Default
	}
	return n + 1, vad.Inference{Probability: p}, nil
}

// Calls returns a copy of the recorded Infer calls. Thread-safe.
func (c *Classifier) Calls() []InferCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]InferCall, len(c.InferCalls))
	copy(out, c.InferCalls)
	return out
}

// ResetCalls clears all recorded call history. Thread-safe.
func (c *Classifier) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InferCalls = nil
	c.InitialStateCallCount = 0
	c.calls = 0
}
