// Package mock provides scripted implementations of [audio.Capture] and
// [audio.Recording] for use in unit tests.
//
// A [Capture] replays its Script as the chunk stream of every recording it
// opens. Once the script is exhausted, NextChunk closes the recording's
// Exhausted channel and blocks until its context is cancelled, which mirrors
// a live microphone that simply stops producing speech.
//
// Typical usage:
//
//	capture := &mock.Capture{Script: [][]float32{silence, speech, silence}}
//	rec, _ := capture.Open(ctx)
//	<-capture.Last().Exhausted()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/dictum/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Capture   = (*Capture)(nil)
	_ audio.Recording = (*Recording)(nil)
)

// Capture is a mock [audio.Capture]. Set the exported fields before use;
// inspect the call counters afterwards.
type Capture struct {
	mu sync.Mutex

	// Script is the chunk sequence replayed by every opened recording.
	Script [][]float32

	// Hold, when non-nil, is waited on before each chunk after the first
	// HoldAfter chunks. Tests use it to freeze a recording mid-stream.
	Hold      <-chan struct{}
	HoldAfter int

	// OpenErr is returned by [Capture.Open] when non-nil.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	recordings []*Recording
}

// Open implements [audio.Capture].
func (c *Capture) Open(_ context.Context) (audio.Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOpen++
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	for _, r := range c.recordings {
		_ = r.Close()
	}
	r := &Recording{
		script:    c.Script,
		hold:      c.Hold,
		holdAfter: c.HoldAfter,
		exhausted: make(chan struct{}),
	}
	c.recordings = append(c.recordings, r)
	return r, nil
}

// Last returns the most recently opened recording, or nil.
func (c *Capture) Last() *Recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recordings) == 0 {
		return nil
	}
	return c.recordings[len(c.recordings)-1]
}

// Recording is a mock [audio.Recording] driven by a script.
type Recording struct {
	script    [][]float32
	hold      <-chan struct{}
	holdAfter int

	mu        sync.Mutex
	next      int
	delivered int
	raw       []float32
	closed    bool

	exhaustOnce sync.Once
	exhausted   chan struct{}

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NextChunk implements [audio.Source].
func (r *Recording) NextChunk(ctx context.Context) (audio.Chunk, error) {
	r.mu.Lock()
	idx := r.next
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return audio.Chunk{}, audio.ErrSourceClosed
	}
	if idx >= len(r.script) {
		r.exhaustOnce.Do(func() { close(r.exhausted) })
		<-ctx.Done()
		return audio.Chunk{}, ctx.Err()
	}
	if r.hold != nil && idx >= r.holdAfter {
		select {
		case <-r.hold:
		case <-ctx.Done():
			return audio.Chunk{}, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	samples := r.script[idx]
	c := audio.Chunk{Samples: samples, Start: r.delivered}
	r.next++
	r.delivered += len(samples)
	r.raw = append(r.raw, samples...)
	return c, nil
}

// Samples implements [audio.Recording]. It returns every sample handed out
// so far.
func (r *Recording) Samples() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raw[:len(r.raw):len(r.raw)]
}

// Close implements [audio.Recording].
func (r *Recording) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountClose++
	r.closed = true
	return nil
}

// Exhausted is closed once NextChunk has been asked for a chunk beyond the
// end of the script, which implies every scripted chunk has been consumed.
func (r *Recording) Exhausted() <-chan struct{} { return r.exhausted }

// Delivered returns the number of chunks handed out so far.
func (r *Recording) Delivered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// Closes returns how many times Close was called.
func (r *Recording) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CallCountClose
}
