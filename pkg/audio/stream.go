package audio

import (
	"context"
	"sync"
)

// Compile-time interface assertions.
var (
	_ Recording = (*Stream)(nil)
	_ Capture   = (*StreamCapture)(nil)
)

// Stream is a [Recording] fed by arbitrary-sized writes. Written samples are
// appended to the raw buffer and re-cut into chunks of exactly chunkSize
// samples; a trailing partial chunk is kept in the raw buffer but never
// emitted as a chunk.
//
// Write and NextChunk may be called from different goroutines.
type Stream struct {
	chunkSize int

	mu      sync.Mutex
	raw     []float32
	emitted int
	closed  bool

	// ready has capacity 1 and is signalled on every write and on close.
	ready chan struct{}
}

// NewStream returns an open Stream that emits chunks of chunkSize samples.
// A non-positive chunkSize selects [DefaultChunkSize].
func NewStream(chunkSize int) *Stream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Stream{
		chunkSize: chunkSize,
		ready:     make(chan struct{}, 1),
	}
}

// Write appends samples to the raw buffer. Writes after Close are dropped and
// reported with [ErrSourceClosed].
func (s *Stream) Write(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSourceClosed
	}
	s.raw = append(s.raw, samples...)
	s.mu.Unlock()
	s.signal()
	return nil
}

// NextChunk implements [Source].
func (s *Stream) NextChunk(ctx context.Context) (Chunk, error) {
	for {
		s.mu.Lock()
		if len(s.raw)-s.emitted >= s.chunkSize {
			start := s.emitted
			end := start + s.chunkSize
			s.emitted = end
			c := Chunk{Samples: s.raw[start:end:end], Start: start}
			s.mu.Unlock()
			return c, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Chunk{}, ErrSourceClosed
		}

		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-s.ready:
		}
	}
}

// Samples implements [Recording].
func (s *Stream) Samples() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw[:len(s.raw):len(s.raw)]
}

// Close implements [Recording].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *Stream) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// StreamCapture is a [Capture] that routes samples pushed by a capture client
// into whichever [Stream] is currently open. Samples written while no
// recording is open are discarded.
type StreamCapture struct {
	chunkSize int

	mu      sync.Mutex
	current *Stream
}

// NewStreamCapture returns a capture hub whose recordings emit chunks of
// chunkSize samples.
func NewStreamCapture(chunkSize int) *StreamCapture {
	return &StreamCapture{chunkSize: chunkSize}
}

// Open implements [Capture]. The previously open stream, if any, is closed.
func (c *StreamCapture) Open(_ context.Context) (Recording, error) {
	s := NewStream(c.chunkSize)
	c.mu.Lock()
	prev := c.current
	c.current = s
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return s, nil
}

// Write forwards samples to the open stream. It reports whether the samples
// were accepted.
func (c *StreamCapture) Write(samples []float32) bool {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Write(samples) == nil
}

// Active reports whether a recording is open and still accepting samples.
func (c *StreamCapture) Active() bool {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}
