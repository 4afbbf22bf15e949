// Package energy provides a pure-Go [vad.Classifier] that maps chunk RMS
// energy above an adaptive noise floor to a speech probability.
//
// It needs no model files and is the default classifier when no neural
// backend is configured. Accuracy is well below a neural model in noisy
// rooms; in a quiet room with a close microphone it is adequate.
package energy

import (
	"context"
	"fmt"

	"github.com/MrWong99/dictum/pkg/audio"
	"github.com/MrWong99/dictum/pkg/provider/vad"
)

// Compile-time interface assertion.
var _ vad.Classifier = (*Classifier)(nil)

const (
	defaultSpeechLevel = 0.05
	defaultFloorAdapt  = 0.05
	defaultMaxFloor    = 0.02
)

// state is the per-stream noise floor estimate.
type state struct {
	floor  float64
	primed bool
}

// Classifier is an RMS energy voice activity classifier.
type Classifier struct {
	speechLevel float64
	floorAdapt  float64
	maxFloor    float64
}

// Option is a functional option for [New].
type Option func(*Classifier)

// WithSpeechLevel sets the RMS amplitude at which a chunk is reported with
// probability 1. Default: 0.05.
func WithSpeechLevel(level float64) Option {
	return func(c *Classifier) { c.speechLevel = level }
}

// WithFloorAdaptation sets how quickly the noise floor follows rising
// background energy, as a fraction per chunk in (0, 1]. Default: 0.05.
func WithFloorAdaptation(rate float64) Option {
	return func(c *Classifier) { c.floorAdapt = rate }
}

// WithMaxFloor caps the adaptive noise floor so sustained speech cannot be
// learnt as background. Default: 0.02.
func WithMaxFloor(level float64) Option {
	return func(c *Classifier) { c.maxFloor = level }
}

// New creates an energy classifier.
func New(opts ...Option) (*Classifier, error) {
	c := &Classifier{
		speechLevel: defaultSpeechLevel,
		floorAdapt:  defaultFloorAdapt,
		maxFloor:    defaultMaxFloor,
	}
	for _, o := range opts {
		o(c)
	}
	if c.speechLevel <= 0 {
		return nil, fmt.Errorf("energy vad: speech level must be > 0, got %v", c.speechLevel)
	}
	if c.floorAdapt <= 0 || c.floorAdapt > 1 {
		return nil, fmt.Errorf("energy vad: floor adaptation must be in (0, 1], got %v", c.floorAdapt)
	}
	if c.maxFloor < 0 || c.maxFloor >= c.speechLevel {
		return nil, fmt.Errorf("energy vad: max floor %v must be in [0, speech level %v)", c.maxFloor, c.speechLevel)
	}
	return c, nil
}

// InitialState implements [vad.Classifier].
func (c *Classifier) InitialState() (vad.State, error) {
	return state{}, nil
}

// Infer implements [vad.Classifier].
func (c *Classifier) Infer(ctx context.Context, chunk []float32, st vad.State) (vad.State, vad.Inference, error) {
	if err := ctx.Err(); err != nil {
		return st, vad.Inference{}, err
	}
	s, ok := st.(state)
	if !ok {
		return st, vad.Inference{}, fmt.Errorf("energy vad: unexpected state type %T", st)
	}

	level := audio.RMS(chunk)

	switch {
	case !s.primed:
		s.floor = min(level, c.maxFloor)
		s.primed = true
	case level < s.floor:
		s.floor = level
	default:
		s.floor = min(s.floor+c.floorAdapt*(level-s.floor), c.maxFloor)
	}

	var p float64
	span := c.speechLevel - s.floor
	if span > 0 {
		p = (level - s.floor) / span
	}
	p = max(0, min(1, p))

	return s, vad.Inference{Probability: p}, nil
}
