// Package vad defines the Classifier interface for voice activity detection
// backends.
//
// A classifier wraps a chunk-level speech detector (an energy heuristic, the
// Silero ONNX model, …) and reports a speech probability for each chunk of
// mono float samples. Classifiers carry history between chunks (RNN hidden
// state, adaptive noise floors), and that history is never kept inside the
// classifier: every call receives the previous [State] and returns the next
// one. The caller owns the state value and threads it through successive
// calls, so resetting detection is simply a matter of asking for a fresh
// initial state.
//
// Implementations must be safe for concurrent use as long as each caller
// threads its own State.
package vad

import "context"

// State is the opaque per-stream detector state threaded through
// [Classifier.Infer]. Callers must treat it as a token: store it, pass it
// back, never inspect it.
type State any

// Event marks a speech boundary reported by the classifier itself, in
// addition to the per-chunk probability.
type Event int

const (
	// EventNone means the classifier reported no boundary in this chunk.
	EventNone Event = iota

	// EventSpeechStart means the classifier detected speech starting.
	EventSpeechStart

	// EventSpeechEnd means the classifier detected speech ending.
	EventSpeechEnd
)

// String returns a human-readable event name.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Inference is the classifier's verdict for one chunk.
type Inference struct {
	// Probability that the chunk contains speech, in [0, 1].
	Probability float64

	// Event is an optional boundary hint. Consumers that do their own
	// hysteresis may ignore it.
	Event Event
}

// Classifier is the abstraction over any voice activity model.
type Classifier interface {
	// InitialState returns the state to use for the first chunk of a new
	// stream.
	InitialState() (State, error)

	// Infer classifies one chunk of mono float samples given the state
	// returned by the previous call (or by InitialState). It returns the
	// updated state together with the inference. On error the caller should
	// keep using the state it passed in.
	Infer(ctx context.Context, chunk []float32, st State) (State, Inference, error)
}
