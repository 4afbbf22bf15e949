package audio

import (
	"context"
	"errors"
)

// ErrSourceClosed is returned by [Source.NextChunk] after the producer has
// been closed and every buffered chunk has been consumed.
var ErrSourceClosed = errors.New("audio: source closed")

// Source yields fixed-size mono chunks at a constant sample rate.
//
// NextChunk blocks until a full chunk is available. End of stream is
// signalled by cancelling ctx, in which case ctx.Err() is returned.
type Source interface {
	NextChunk(ctx context.Context) (Chunk, error)
}

// Recording is one open capture: a chunk [Source] plus read access to the
// raw sample buffer, which stays owned by the capture implementation.
type Recording interface {
	Source

	// Samples returns a read-only view of every sample captured so far.
	// The returned slice is never mutated by later writes.
	Samples() []float32

	// Close stops accepting audio. It is safe to call more than once.
	Close() error
}

// Capture opens recordings. At most one recording is open per Capture;
// opening a new one closes the previous.
type Capture interface {
	Open(ctx context.Context) (Recording, error)
}
