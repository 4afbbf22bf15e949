// Package opus decodes Opus packets sent by capture clients into the mono
// float samples the dictation pipeline consumes.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/dictum/pkg/audio"
)

// Opus always decodes at 48 kHz; frames are at most 120 ms long.
const (
	SampleRate     = 48000
	maxFrameSizeMs = 120
	maxFrameSize   = SampleRate * maxFrameSizeMs / 1000 // 5760 samples per channel
)

// Decoder decodes one client's Opus stream. Decoder state carries across
// packets, so each connection needs its own Decoder. Not safe for concurrent
// use.
type Decoder struct {
	dec        *gopus.Decoder
	channels   int
	targetRate int
}

// NewDecoder creates a decoder for a stream with the given channel count
// whose output is resampled to targetRate.
func NewDecoder(channels, targetRate int) (*Decoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("opus: unsupported channel count %d", channels)
	}
	if targetRate <= 0 {
		targetRate = audio.DefaultSampleRate
	}
	dec, err := gopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, channels: channels, targetRate: targetRate}, nil
}

// Decode decodes a single Opus packet into mono float samples at the
// decoder's target rate.
func (d *Decoder) Decode(packet []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(packet, maxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	mono := audio.Int16ToFloat32(downmix(pcm, d.channels))
	return audio.Resample(mono, SampleRate, d.targetRate), nil
}

// downmix averages interleaved channels of pcm into a mono sequence.
func downmix(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	out := make([]int16, len(pcm)/channels)
	for i := range out {
		var sum int32
		for ch := range channels {
			sum += int32(pcm[i*channels+ch])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}
