package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter turns client PCM [Frame] values into mono float samples at
// TargetRate. It logs once on the first format mismatch and once on the first
// misaligned payload. Create one per client connection; it resamples the
// connection as one continuous stream and is not safe for concurrent use.
type FormatConverter struct {
	TargetRate int

	rs             *Resampler
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert down-mixes and resamples frame. Misaligned payloads are dropped and
// reported as nil.
func (c *FormatConverter) Convert(frame Frame) []float32 {
	channels := frame.Channels
	if channels <= 0 {
		channels = 1
	}
	if len(frame.Data)%(2*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: PCM payload not frame aligned, dropping",
				"bytes", len(frame.Data),
				"channels", channels,
			)
		})
		return nil
	}

	target := c.TargetRate
	if target <= 0 {
		target = DefaultSampleRate
	}
	if frame.SampleRate != target || channels != 1 {
		c.warnedMismatch.Do(func() {
			slog.Warn("audio format mismatch: converting",
				"from", formatString(frame.SampleRate, channels),
				"to", formatString(target, 1),
			)
		})
	}

	mono := PCM16ToFloat32Mono(frame.Data, channels)
	if c.rs == nil || c.rs.src != frame.SampleRate || c.rs.dst != target {
		c.rs = NewResampler(frame.SampleRate, target)
	}
	return c.rs.Process(mono)
}

// PCM16ToFloat32 converts little-endian int16 PCM to float samples in
// [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// PCM16ToFloat32Mono averages interleaved channels of int16 PCM into mono
// float samples.
func PCM16ToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 1 {
		return PCM16ToFloat32(pcm)
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			off := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Float32ToPCM16 converts float samples to little-endian int16 PCM, clamping
// values outside [-1, 1].
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32767.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Int16ToFloat32 converts decoded int16 samples to float samples.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. Matching or invalid rates return the input unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Resampler converts a mono stream between rates with linear interpolation.
// Its position carries across calls, so a stream split into buffers of any
// size resamples the same as the whole stream would, without drift at
// non-integer ratios.
type Resampler struct {
	src, dst int
	in, out  int64 // input samples consumed, output samples produced
	last     float32
}

// NewResampler returns a Resampler from srcRate to dstRate. Matching or
// invalid rates pass buffers through unchanged.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: srcRate, dst: dstRate}
}

// Process resamples the next buffer of the stream. An output sample that
// needs input beyond the end of samples is produced by a later call.
func (r *Resampler) Process(samples []float32) []float32 {
	if r.src <= 0 || r.dst <= 0 || r.src == r.dst {
		return samples
	}
	if len(samples) == 0 {
		return nil
	}
	end := r.in + int64(len(samples))
	at := func(i int64) float32 {
		if i < r.in {
			return r.last
		}
		return samples[i-r.in]
	}

	src, dst := int64(r.src), int64(r.dst)
	out := make([]float32, 0, int64(len(samples))*dst/src+1)
	for {
		idx, rem := r.out*src/dst, r.out*src%dst
		if rem == 0 {
			if idx >= end {
				break
			}
			out = append(out, at(idx))
		} else {
			if idx+1 >= end {
				break
			}
			frac := float32(float64(rem) / float64(dst))
			out = append(out, at(idx)*(1-frac)+at(idx+1)*frac)
		}
		r.out++
	}
	r.last = samples[len(samples)-1]
	r.in = end
	return out
}

// formatString returns a human-readable format label such as "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
