// Package silero provides a [vad.Classifier] backed by the Silero VAD ONNX
// model through github.com/streamer45/silero-vad-go.
//
// The underlying detector reports speech as time-stamped segments rather
// than per-chunk probabilities. The classifier converts those segments into
// the fraction of each chunk covered by speech, which is what it returns as
// the probability, and surfaces segment starts and ends as events.
//
// The ONNX runtime shared library must be available at link and run time.
package silero

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/MrWong99/dictum/pkg/provider/vad"
)

// Compile-time interface assertion.
var _ vad.Classifier = (*Classifier)(nil)

// Silero is trained on 8 kHz and 16 kHz audio only.
var supportedRates = map[int]bool{8000: true, 16000: true}

// detector is the subset of *speech.Detector used by Classifier.
type detector interface {
	Detect(pcm []float32) ([]speech.Segment, error)
	Reset() error
	Destroy() error
}

// streamState is the explicit per-stream state threaded through Infer.
type streamState struct {
	// elapsed is the stream position, in seconds, at the start of the next
	// chunk. Detector timestamps are relative to the last reset.
	elapsed float64

	// open is the start time of a speech segment that has not ended yet, or
	// negative when no segment is open.
	open float64

	// epoch identifies the detector reset this state belongs to.
	epoch uint64
}

// Classifier wraps one Silero detector. The ONNX session keeps its own
// recurrent state, so only one stream may be classified at a time: a call
// to InitialState resets the model and invalidates states from earlier
// streams.
type Classifier struct {
	sampleRate int

	mu    sync.Mutex
	det   detector
	epoch uint64
}

// Config holds the model parameters.
type Config struct {
	// ModelPath is the path to silero_vad.onnx.
	ModelPath string

	// SampleRate of the chunks passed to Infer. 8000 or 16000.
	SampleRate int

	// Threshold is the model's own speech threshold. Default: 0.5.
	Threshold float32
}

// New loads the model and returns a classifier.
func New(cfg Config) (*Classifier, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("silero vad: model path must not be empty")
	}
	if !supportedRates[cfg.SampleRate] {
		return nil, fmt.Errorf("silero vad: unsupported sample rate %d", cfg.SampleRate)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:  cfg.ModelPath,
		SampleRate: cfg.SampleRate,
		Threshold:  cfg.Threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("silero vad: create detector: %w", err)
	}
	return newWithDetector(det, cfg.SampleRate), nil
}

func newWithDetector(det detector, sampleRate int) *Classifier {
	return &Classifier{det: det, sampleRate: sampleRate}
}

// InitialState implements [vad.Classifier]. It resets the model.
func (c *Classifier) InitialState() (vad.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.det == nil {
		return nil, errors.New("silero vad: classifier closed")
	}
	if err := c.det.Reset(); err != nil {
		return nil, fmt.Errorf("silero vad: reset: %w", err)
	}
	c.epoch++
	return streamState{open: -1, epoch: c.epoch}, nil
}

// Infer implements [vad.Classifier].
func (c *Classifier) Infer(ctx context.Context, chunk []float32, st vad.State) (vad.State, vad.Inference, error) {
	if err := ctx.Err(); err != nil {
		return st, vad.Inference{}, err
	}
	s, ok := st.(streamState)
	if !ok {
		return st, vad.Inference{}, fmt.Errorf("silero vad: unexpected state type %T", st)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.det == nil {
		return st, vad.Inference{}, errors.New("silero vad: classifier closed")
	}
	if s.epoch != c.epoch {
		return st, vad.Inference{}, errors.New("silero vad: stale state from a previous stream")
	}

	segs, err := c.det.Detect(chunk)
	if err != nil {
		return st, vad.Inference{}, fmt.Errorf("silero vad: detect: %w", err)
	}

	from := s.elapsed
	to := from + float64(len(chunk))/float64(c.sampleRate)
	next, inf := coverage(s, segs, from, to)
	next.elapsed = to
	return next, inf, nil
}

// coverage folds detector segments into the stream state and returns the
// fraction of [from, to) covered by speech.
func coverage(s streamState, segs []speech.Segment, from, to float64) (streamState, vad.Inference) {
	var (
		voiced float64
		event  = vad.EventNone
	)
	cursor := from
	for _, seg := range segs {
		if s.open < 0 {
			s.open = max(seg.SpeechStartAt, from)
			event = vad.EventSpeechStart
		}
		if seg.SpeechEndAt > 0 {
			end := min(seg.SpeechEndAt, to)
			start := max(s.open, cursor)
			if end > start {
				voiced += end - start
			}
			cursor = max(cursor, end)
			s.open = -1
			event = vad.EventSpeechEnd
		}
	}
	if s.open >= 0 {
		start := max(s.open, cursor)
		if to > start {
			voiced += to - start
		}
	}

	span := to - from
	if span <= 0 {
		return s, vad.Inference{Event: event}
	}
	p := max(0, min(1, voiced/span))
	return s, vad.Inference{Probability: p, Event: event}
}

// Close releases the ONNX session. It is safe to call more than once.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.det == nil {
		return nil
	}
	err := c.det.Destroy()
	c.det = nil
	if err != nil {
		return fmt.Errorf("silero vad: destroy: %w", err)
	}
	return nil
}
