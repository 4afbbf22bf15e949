package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/dictum/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func approx(a, b, eps float64) bool { return math.Abs(a-b) <= eps }

func TestPCM16ToFloat32(t *testing.T) {
	t.Parallel()

	got := audio.PCM16ToFloat32(samplesToBytes([]int16{0, 16384, -32768}))
	want := []float32{0, 0.5, -1}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPCM16ToFloat32Mono_AveragesChannels(t *testing.T) {
	t.Parallel()

	// Two stereo frames: (16384, 0) and (-16384, -16384).
	got := audio.PCM16ToFloat32Mono(samplesToBytes([]int16{16384, 0, -16384, -16384}), 2)
	want := []float32{0.25, -0.5}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFloat32ToPCM16_Clamps(t *testing.T) {
	t.Parallel()

	pcm := audio.Float32ToPCM16([]float32{2, -2, 0})
	got := []int16{
		int16(binary.LittleEndian.Uint16(pcm[0:])),
		int16(binary.LittleEndian.Uint16(pcm[2:])),
		int16(binary.LittleEndian.Uint16(pcm[4:])),
	}
	want := []int16{32767, -32768, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []float32
		src, dst int
		wantLen  int
	}{
		{name: "same rate", in: make([]float32, 100), src: 16000, dst: 16000, wantLen: 100},
		{name: "downsample 48k to 16k", in: make([]float32, 960), src: 48000, dst: 16000, wantLen: 320},
		{name: "upsample 8k to 16k", in: make([]float32, 80), src: 8000, dst: 16000, wantLen: 160},
		{name: "zero src rate", in: make([]float32, 10), src: 0, dst: 16000, wantLen: 10},
		{name: "empty", in: nil, src: 48000, dst: 16000, wantLen: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Resample(tt.in, tt.src, tt.dst)
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestResample_Interpolates(t *testing.T) {
	t.Parallel()

	got := audio.Resample([]float32{0, 1}, 1, 2)
	want := []float32{0, 0.5, 1, 1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFormatConverter_Convert(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{TargetRate: 16000}

	// 48 kHz stereo, 6 frames -> 2 mono samples at 16 kHz.
	pcm := samplesToBytes([]int16{
		16384, 16384, 16384, 16384, 16384, 16384,
		16384, 16384, 16384, 16384, 16384, 16384,
	})
	got := conv.Convert(audio.Frame{Data: pcm, SampleRate: 48000, Channels: 2})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for i, s := range got {
		if s != 0.5 {
			t.Errorf("sample %d = %v, want 0.5", i, s)
		}
	}
}

func TestResampler_StreamMatchesWholeBuffer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		src, dst int
	}{
		{name: "44.1k to 16k", src: 44100, dst: 16000},
		{name: "22.05k to 16k", src: 22050, dst: 16000},
		{name: "8k to 16k", src: 8000, dst: 16000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in := make([]float32, 4410)
			for i := range in {
				in[i] = float32(math.Sin(float64(i) / 7))
			}
			whole := audio.Resample(in, tt.src, tt.dst)

			// Odd buffer sizes so no boundary falls on a whole output step.
			rs := audio.NewResampler(tt.src, tt.dst)
			var streamed []float32
			for off, size := 0, 0; off < len(in); off += size {
				size = min(37+off%101, len(in)-off)
				streamed = append(streamed, rs.Process(in[off:off+size])...)
			}

			if len(whole)-len(streamed) > 1 || len(streamed) > len(whole) {
				t.Fatalf("streamed %d samples, whole buffer gave %d", len(streamed), len(whole))
			}
			for i := range streamed {
				if d := math.Abs(float64(streamed[i] - whole[i])); d > 1e-5 {
					t.Fatalf("sample %d: streamed %v, whole %v", i, streamed[i], whole[i])
				}
			}
		})
	}
}

func TestFormatConverter_CarriesPositionAcrossFrames(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{TargetRate: 16000}
	// 440 samples at 44.1 kHz are 159.6 at 16 kHz. Rounding each frame on
	// its own would give 159 per frame; the stream of 4400 samples yields
	// 1597 (positions 0 through 4398.975).
	pcm := samplesToBytes(make([]int16, 440))
	var total int
	for range 10 {
		total += len(conv.Convert(audio.Frame{Data: pcm, SampleRate: 44100, Channels: 1}))
	}
	if total != 1597 {
		t.Errorf("converted %d samples, want 1597", total)
	}
}

func TestFormatConverter_DropsMisaligned(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{TargetRate: 16000}
	if got := conv.Convert(audio.Frame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}); got != nil {
		t.Errorf("expected nil for odd byte count, got %d samples", len(got))
	}
	if got := conv.Convert(audio.Frame{Data: []byte{1, 2}, SampleRate: 16000, Channels: 2}); got != nil {
		t.Errorf("expected nil for partial stereo frame, got %d samples", len(got))
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := audio.RMS([]float32{0.5, -0.5, 0.5, -0.5}); !approx(got, 0.5, 1e-9) {
		t.Errorf("RMS(square) = %v, want 0.5", got)
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	t.Parallel()

	wav := audio.EncodeWAV(make([]float32, 160), 16000)
	if len(wav) != 44+320 {
		t.Fatalf("len = %d, want %d", len(wav), 44+320)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("unexpected header magic: %q %q %q", wav[0:4], wav[8:12], wav[36:40])
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
	if ch := binary.LittleEndian.Uint16(wav[22:24]); ch != 1 {
		t.Errorf("channels = %d, want 1", ch)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); size != 320 {
		t.Errorf("data size = %d, want 320", size)
	}
}

func TestDurationSamplesRoundTrip(t *testing.T) {
	t.Parallel()

	if got := audio.Samples(audio.Duration(4096, 16000), 16000); got != 4096 {
		t.Errorf("round trip = %d, want 4096", got)
	}
	if got := audio.Duration(16000, 0); got != 0 {
		t.Errorf("Duration with zero rate = %v, want 0", got)
	}
}
