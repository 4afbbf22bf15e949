package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/dictum/internal/silence"
	"github.com/MrWong99/dictum/pkg/provider/stt"
)

// State is the lifecycle state of the dictation pipeline.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateTranscribing
	StatePolishing
	StateComplete
	StateError
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateTranscribing:
		return "transcribing"
	case StatePolishing:
		return "polishing"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Busy reports whether a recording is in flight. StartRecording is rejected
// while the pipeline is busy.
func (s State) Busy() bool {
	return s == StateRecording || s == StateTranscribing || s == StatePolishing
}

// NoAudioMessage is the error message of a recording that produced no
// samples to transcribe.
const NoAudioMessage = "No audio captured"

// ErrClosed is returned by control calls once [Machine.Run] has returned.
var ErrClosed = errors.New("pipeline: machine is not running")

// Transcriber converts finished audio to text. [stt.Provider] satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, req stt.Request) (stt.Result, error)
}

// Polisher post-processes a transcript, for example with an LLM.
type Polisher interface {
	Polish(ctx context.Context, text string) (string, error)
}

// Policy holds the per-recording behaviour flags. A policy is captured when a
// recording starts; changing it mid-recording affects only later recordings.
type Policy struct {
	// AutoStop ends the recording when the engine closes a speech segment.
	AutoStop bool `json:"auto_stop"`

	// DualBuffer transcribes the engine's real-time voiced accumulator instead
	// of post-hoc filtering the raw recording.
	DualBuffer bool `json:"dual_buffer"`

	// Polish runs the polisher after a successful transcription.
	Polish bool `json:"polish"`

	// Padding is kept around every segment by the silence filter.
	Padding time.Duration `json:"padding"`

	// MinVoiced is the silence filter's voiced-duration floor.
	MinVoiced time.Duration `json:"min_voiced"`
}

// DefaultPolicy returns the reference policy: auto-stop on, post-hoc
// filtering, no polish.
func DefaultPolicy() Policy {
	return Policy{
		AutoStop:  true,
		Padding:   silence.DefaultPadding,
		MinVoiced: silence.DefaultMinVoiced,
	}
}

// Transcript is the final result of one recording.
type Transcript struct {
	// RecordingID identifies the recording that produced the transcript.
	RecordingID string `json:"recording_id"`

	// Text is the final text, polished when polish succeeded.
	Text string `json:"text"`

	// RawText is the transcription before polish.
	RawText string `json:"raw_text"`

	Language       string        `json:"language,omitempty"`
	Duration       time.Duration `json:"duration"`
	ProcessingTime time.Duration `json:"processing_time"`

	// Polished reports whether Text came out of the polisher.
	Polished bool `json:"polished"`

	// Warning carries a non-fatal failure, such as a polish error.
	Warning string `json:"warning,omitempty"`

	// Provider names the transcription backend that served the request.
	Provider string `json:"provider,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// Status is an immutable snapshot of the pipeline published to observers.
// Policy is the active recording's policy, or the next one when idle.
type Status struct {
	State       State     `json:"state"`
	RecordingID string    `json:"recording_id,omitempty"`
	Policy      Policy    `json:"policy"`
	Since       time.Time `json:"since"`

	// InSpeech reports whether the engine has an open segment. Only
	// meaningful while recording.
	InSpeech bool `json:"in_speech"`

	// Transcript is set in StateComplete.
	Transcript *Transcript `json:"transcript,omitempty"`

	// Err is the failure message in StateError.
	Err string `json:"error,omitempty"`
}
