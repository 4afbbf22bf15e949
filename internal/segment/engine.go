// Package segment turns a stream of audio chunks into confirmed speech
// segments.
//
// The [Engine] wraps a [vad.Classifier] with an energy pre-gate, an
// exponential moving average over the classifier's probabilities, asymmetric
// onset/offset hysteresis, an onset confirmation delay, a hangover period
// that bridges short pauses, and a pre-roll ring buffer that restores the
// word onsets swallowed by the confirmation delay. Optionally it also
// accumulates voiced samples in real time (dual-buffer mode), so a recording
// can be transcribed without post-hoc filtering.
//
// An Engine is owned by exactly one recording at a time and is not safe for
// concurrent use; callers serialise every method call.
package segment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/dictum/internal/observe"
	"github.com/MrWong99/dictum/pkg/audio"
	"github.com/MrWong99/dictum/pkg/provider/vad"
)

// Segment is a half-open sample interval [Start, End) classified as speech.
// Start < End always holds.
type Segment struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of samples covered by the segment.
func (s Segment) Len() int { return s.End - s.Start }

// Engine is the stateful voice activity segmenter.
type Engine struct {
	classifier vad.Classifier
	cfg        Config
	log        *slog.Logger
	metrics    *observe.Metrics

	hangover int

	// Per-recording state, cleared by Reset.
	state     vad.State
	ema       float64
	above     int // consecutive chunks at or above onset
	silence   int // samples below offset since the open segment last heard speech
	open      bool
	openStart int
	segments  []Segment
	preroll   *ring
	voiced    []float32
	processed int
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithLogger sets the logger used for classifier failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine in its initial state.
func New(classifier vad.Classifier, cfg Config, opts ...Option) (*Engine, error) {
	if classifier == nil {
		return nil, fmt.Errorf("segment: classifier must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segment: invalid config: %w", err)
	}
	e := &Engine{
		classifier: classifier,
		cfg:        cfg,
		hangover:   cfg.hangoverSamples(),
		preroll:    newRing(cfg.preRollSamples()),
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if err := e.Reset(); err != nil {
		return nil, err
	}
	return e, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

// ProcessChunk feeds one chunk through the engine and reports whether a
// segment was closed during this call. Classifier failures are logged,
// counted and absorbed; they never surface to the caller.
//
// The engine keeps its own running sample counter; chunk.Start is
// informational only.
func (e *Engine) ProcessChunk(ctx context.Context, chunk audio.Chunk) bool {
	samples := chunk.Samples
	n := len(samples)
	if n == 0 {
		return false
	}
	began := time.Now()
	defer func() {
		e.metrics.ChunkDuration.Record(ctx, time.Since(began).Seconds())
	}()

	gated, failed := false, false
	if audio.RMS(samples) < e.cfg.EnergyGateThreshold {
		gated = true
		e.ema *= 1 - smoothingFactor
		e.metrics.GatedChunks.Add(ctx, 1)
	} else {
		next, inf, err := e.classifier.Infer(ctx, samples, e.state)
		if err != nil {
			failed = true
			e.metrics.ClassifierErrors.Add(ctx, 1)
			e.log.Warn("segment: classifier failed, treating chunk as no event",
				"offset", e.processed,
				"err", err,
			)
		} else {
			e.state = next
			e.ema = smoothingFactor*inf.Probability + (1-smoothingFactor)*e.ema
		}
	}

	closed := false
	switch {
	case !e.open && failed:
		// No event: confirmation neither progresses nor resets.
	case !e.open:
		if !gated && e.ema >= e.cfg.OnsetThreshold {
			e.above++
		} else {
			e.above = 0
		}
		if e.above >= e.cfg.ConfirmationFrames {
			e.openSegment()
		}
	default:
		// A failed chunk counts as below-offset, like a gated one.
		if gated || failed || e.ema < e.cfg.OffsetThreshold {
			e.silence += n
		} else {
			e.silence = 0
		}
		if e.silence > 0 && e.silence >= e.hangover {
			closed = true
		}
	}

	if e.cfg.DualBufferMode && (e.open || closed) {
		e.voiced = append(e.voiced, samples...)
	}
	if closed {
		e.closeSegment(e.processed + n)
		e.metrics.RecordSegmentClosed(ctx, "hangover")
	}
	if !e.open {
		e.preroll.Write(samples)
	}
	e.processed += n

	return closed
}

// openSegment opens a segment at the current position, reaching back over
// the pre-roll buffer. The start never precedes the previous segment's end.
func (e *Engine) openSegment() {
	start := max(e.processed-e.preroll.Len(), 0)
	if k := len(e.segments); k > 0 {
		start = max(start, e.segments[k-1].End)
	}
	if e.cfg.DualBufferMode {
		e.voiced = append(e.voiced, e.preroll.Tail(e.processed-start)...)
	}
	e.open = true
	e.openStart = start
	e.above = 0
	e.silence = 0
	e.preroll.Reset()
}

func (e *Engine) closeSegment(end int) {
	if end > e.openStart {
		e.segments = append(e.segments, Segment{Start: e.openStart, End: end})
	}
	e.open = false
	e.silence = 0
	e.above = 0
}

// FinalizeOpenSegment closes a segment still open when the recording stops,
// ending it at total samples. It is a no-op when no segment is open. Call it
// once, after the last chunk and before reading segments.
func (e *Engine) FinalizeOpenSegment(total int) {
	if !e.open {
		return
	}
	e.closeSegment(max(total, e.processed))
	e.metrics.RecordSegmentClosed(context.Background(), "finalize")
}

// Reset returns the engine to its initial-construction state: no segments,
// fresh classifier state, cleared smoothing and counters, empty pre-roll and
// voiced buffers. An error from the classifier's InitialState is returned;
// the engine is still reset and later inference failures are absorbed as
// usual.
func (e *Engine) Reset() error {
	e.ema = 0
	e.above = 0
	e.silence = 0
	e.open = false
	e.openStart = 0
	e.segments = nil
	e.preroll.Reset()
	e.voiced = nil
	e.processed = 0

	st, err := e.classifier.InitialState()
	e.state = st
	if err != nil {
		return fmt.Errorf("segment: classifier initial state: %w", err)
	}
	return nil
}

// Segments returns a copy of the closed segments, ordered by Start.
func (e *Engine) Segments() []Segment {
	out := make([]Segment, len(e.segments))
	copy(out, e.segments)
	return out
}

// Voiced returns the samples accumulated in dual-buffer mode. The slice is a
// read-only view and is nil when dual-buffer mode is off.
func (e *Engine) Voiced() []float32 {
	return e.voiced[:len(e.voiced):len(e.voiced)]
}

// Processed returns the number of samples fed to the engine since the last
// reset.
func (e *Engine) Processed() int { return e.processed }

// InSpeech reports whether a segment is currently open.
func (e *Engine) InSpeech() bool { return e.open }

// OpenSegmentStart returns the start sample of the open segment, if any.
func (e *Engine) OpenSegmentStart() (int, bool) {
	if !e.open {
		return 0, false
	}
	return e.openStart, true
}
