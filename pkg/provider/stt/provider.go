// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider receives one finished utterance as mono float32 samples and
// returns its transcription. Dictation is batch-shaped: the recording is
// complete and silence-filtered before it reaches the provider, so there is
// no streaming session to manage. Providers that are streaming by nature
// (Deepgram) open and close a stream per request internally.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyAudio is returned by providers asked to transcribe zero samples.
var ErrEmptyAudio = errors.New("stt: no audio to transcribe")

// Request describes a single transcription job.
type Request struct {
	// Samples is mono audio in [-1, 1]. Providers must not retain or mutate it.
	Samples []float32

	// SampleRate of Samples in Hz. Providers resample when their backend
	// requires a different rate.
	SampleRate int

	// Language is a BCP-47 language hint (e.g. "en", "de"). Empty means
	// auto-detect where the backend supports it.
	Language string

	// Keywords are vocabulary hints for uncommon words such as product names.
	// Providers without keyword support ignore them.
	Keywords []string
}

// Duration returns the audio length of the request.
func (r Request) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.Samples)) * time.Second / time.Duration(r.SampleRate)
}

// Result is the outcome of a transcription.
type Result struct {
	// Text is the transcribed speech, trimmed of surrounding whitespace.
	Text string `json:"text"`

	// Language is the detected or requested language, if known.
	Language string `json:"language,omitempty"`

	// Duration is the length of the transcribed audio.
	Duration time.Duration `json:"duration"`

	// ProcessingTime is how long the backend took.
	ProcessingTime time.Duration `json:"processing_time"`

	// Provider names the backend that produced the result. Set by fallback
	// wrappers so callers can tell which entry served the request.
	Provider string `json:"provider,omitempty"`
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts req.Samples to text. It blocks until the backend
	// answers or ctx is done.
	Transcribe(ctx context.Context, req Request) (Result, error)
}
