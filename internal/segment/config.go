package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/dictum/pkg/audio"
)

// smoothingFactor is the weight of the newest probability in the exponential
// moving average.
const smoothingFactor = 0.5

// Config holds the segmentation parameters. The zero value is not usable;
// start from [DefaultConfig].
type Config struct {
	// SampleRate of the chunks fed to the engine, in Hz.
	SampleRate int

	// OnsetThreshold is the smoothed probability at or above which a chunk
	// counts towards opening a segment.
	OnsetThreshold float64

	// OffsetThreshold is the smoothed probability below which a chunk counts
	// towards closing an open segment. Must not exceed OnsetThreshold.
	OffsetThreshold float64

	// ConfirmationFrames is the number of consecutive above-onset chunks
	// needed to open a segment.
	ConfirmationFrames int

	// HangoverDuration is how long the smoothed probability must stay below
	// OffsetThreshold before an open segment is closed. It doubles as the
	// auto-stop silence timeout. Zero closes on the first below-offset chunk.
	HangoverDuration time.Duration

	// PreRollDuration is the capacity of the ring buffer whose contents are
	// spliced onto the start of a newly confirmed segment.
	PreRollDuration time.Duration

	// EnergyGateThreshold is the RMS amplitude below which a chunk is treated
	// as silence without consulting the classifier.
	EnergyGateThreshold float64

	// DualBufferMode enables real-time accumulation of voiced samples.
	DualBufferMode bool
}

// DefaultConfig returns the reference configuration for 16 kHz input.
func DefaultConfig() Config {
	return Config{
		SampleRate:          audio.DefaultSampleRate,
		OnsetThreshold:      0.5,
		OffsetThreshold:     0.35,
		ConfirmationFrames:  2,
		HangoverDuration:    time.Second,
		PreRollDuration:     512 * time.Millisecond,
		EnergyGateThreshold: 0.005,
	}
}

// Validate checks that c is internally consistent. It returns a joined error
// listing every problem found.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be > 0, got %d", c.SampleRate))
	}
	if c.OnsetThreshold <= 0 || c.OnsetThreshold > 1 {
		errs = append(errs, fmt.Errorf("onset_threshold %.2f is out of range (0, 1]", c.OnsetThreshold))
	}
	if c.OffsetThreshold < 0 || c.OffsetThreshold > 1 {
		errs = append(errs, fmt.Errorf("offset_threshold %.2f is out of range [0, 1]", c.OffsetThreshold))
	}
	if c.OffsetThreshold > c.OnsetThreshold {
		errs = append(errs, fmt.Errorf("offset_threshold %.2f must not exceed onset_threshold %.2f", c.OffsetThreshold, c.OnsetThreshold))
	}
	if c.ConfirmationFrames < 1 {
		errs = append(errs, fmt.Errorf("confirmation_frames must be >= 1, got %d", c.ConfirmationFrames))
	}
	if c.HangoverDuration < 0 {
		errs = append(errs, errors.New("hangover duration must not be negative"))
	}
	if c.PreRollDuration < 0 {
		errs = append(errs, errors.New("pre-roll duration must not be negative"))
	}
	if c.EnergyGateThreshold < 0 {
		errs = append(errs, fmt.Errorf("energy_gate %.4f must not be negative", c.EnergyGateThreshold))
	}
	return errors.Join(errs...)
}

func (c Config) hangoverSamples() int { return audio.Samples(c.HangoverDuration, c.SampleRate) }
func (c Config) preRollSamples() int  { return audio.Samples(c.PreRollDuration, c.SampleRate) }
