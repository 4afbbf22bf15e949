// Package silence strips non-speech audio from a recording using the speech
// segments found by the segmentation engine.
//
// Filtering is deliberately conservative: when no segment was found, or the
// segments add up to less than a minimum voiced duration, the raw recording
// is returned untouched. Under-detection is a likelier explanation than true
// silence, and an empty transcript is worse than a slightly noisy one.
package silence

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/dictum/internal/segment"
	"github.com/MrWong99/dictum/pkg/audio"
)

const (
	// DefaultPadding is the audio kept on either side of every segment.
	DefaultPadding = 250 * time.Millisecond

	// DefaultMinVoiced is the voiced-duration floor below which filtering
	// falls back to the raw recording.
	DefaultMinVoiced = 300 * time.Millisecond

	// MinVoicedSamples is the floor [Filter] applies: DefaultMinVoiced at
	// 16 kHz.
	MinVoicedSamples = 4800
)

// Config holds the filter parameters, expressed as durations.
type Config struct {
	SampleRate int
	Padding    time.Duration
	MinVoiced  time.Duration
}

// DefaultConfig returns the reference filter configuration for 16 kHz input.
func DefaultConfig() Config {
	return Config{
		SampleRate: audio.DefaultSampleRate,
		Padding:    DefaultPadding,
		MinVoiced:  DefaultMinVoiced,
	}
}

// Validate checks that c is usable.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be > 0, got %d", c.SampleRate))
	}
	if c.Padding < 0 {
		errs = append(errs, errors.New("padding must not be negative"))
	}
	if c.MinVoiced < 0 {
		errs = append(errs, errors.New("min_voiced must not be negative"))
	}
	return errors.Join(errs...)
}

// Apply filters raw using c.
func (c Config) Apply(raw []float32, segs []segment.Segment) []float32 {
	return FilterWithFloor(raw, segs,
		audio.Samples(c.Padding, c.SampleRate),
		audio.Samples(c.MinVoiced, c.SampleRate),
	)
}

// Filter returns the voiced part of raw described by segs, widening every
// segment by padding samples on both sides. The voiced floor is a fixed
// [MinVoicedSamples] regardless of the recording's rate, which is 0.3 s only
// for 16 kHz audio. Use [Config.Apply] or [FilterWithFloor] at other rates.
func Filter(raw []float32, segs []segment.Segment, padding int) []float32 {
	return FilterWithFloor(raw, segs, padding, MinVoicedSamples)
}

// FilterWithFloor is [Filter] with an explicit voiced floor in samples.
//
// Windows are clamped to [0, len(raw)) and concatenated in segment order.
// Padded windows of adjacent segments may overlap; the shared samples then
// appear twice in the output. The result never aliases raw.
func FilterWithFloor(raw []float32, segs []segment.Segment, padding, floor int) []float32 {
	if len(segs) == 0 {
		return raw
	}
	voiced := 0
	for _, s := range segs {
		voiced += max(s.Len(), 0)
	}
	if voiced < floor {
		return raw
	}

	padding = max(padding, 0)
	out := make([]float32, 0, voiced+2*padding*len(segs))
	for _, s := range segs {
		from := min(max(s.Start-padding, 0), len(raw))
		to := min(max(s.End+padding, 0), len(raw))
		if from < to {
			out = append(out, raw[from:to]...)
		}
	}
	return out
}
