package audio

import "time"

// Reference capture parameters. Classifiers and transcribers in this module
// expect mono float samples at [DefaultSampleRate].
const (
	DefaultSampleRate = 16000
	DefaultChunkSize  = 4096
)

// Chunk is a fixed-length run of mono float samples produced by a [Source].
// Start is the index of the first sample relative to the start of the
// recording. Chunks are immutable once produced; consumers must not modify
// Samples.
type Chunk struct {
	Samples []float32
	Start   int
}

// Len returns the number of samples in the chunk.
func (c Chunk) Len() int { return len(c.Samples) }

// End returns the exclusive end index of the chunk.
func (c Chunk) End() int { return c.Start + len(c.Samples) }

// Frame is a block of interleaved little-endian int16 PCM as delivered by a
// capture client, before conversion to mono float samples.
type Frame struct {
	// Data is the raw PCM payload.
	Data []byte

	// SampleRate in Hz (e.g. 48000 for decoded Opus, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Duration converts a sample count at sampleRate to a wall-clock duration.
func Duration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}

// Samples converts a duration to a sample count at sampleRate, rounding down.
func Samples(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
