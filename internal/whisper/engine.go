package whisper

import (
	"context"
	"errors"
	"fmt"
)

// SampleRate is the PCM rate every engine expects.
const SampleRate = 16000

// Task selects plain transcription or translation into English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// Key identifies one loaded model in the registry.
type Key struct {
	Size        string
	Device      string
	ComputeType string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Size, k.Device, k.ComputeType)
}

// DefaultNoSpeechThreshold is the no-speech probability above which a
// low-confidence segment is treated as silence.
const DefaultNoSpeechThreshold = 0.6

// Options are the per-call decoding parameters.
type Options struct {
	Language  string // empty: detect
	BeamSize  int
	VADFilter bool
	Task      Task

	// A segment is dropped as silence when its NoSpeechProb exceeds
	// NoSpeechThreshold and its AvgLogprob is below LogProbThreshold (or
	// LogProbThreshold is nil). Zero NoSpeechThreshold disables the check.
	NoSpeechThreshold float64
	LogProbThreshold  *float64
}

// Segment is one timed span of text, in seconds from the start of the audio.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`

	AvgLogprob   float64  `json:"avg_logprob"`
	NoSpeechProb *float64 `json:"no_speech_prob,omitempty"` // nil when the backend cannot report it
	Temperature  float64  `json:"temperature"`
}

// Result is the full output of one Transcribe call.
type Result struct {
	Language            string
	LanguageProbability float64
	Duration            float64
	Segments            []Segment
}

// Engine is a loaded transcription model.
// Implementations are immutable after construction and must allow concurrent
// Transcribe calls; the whisper.cpp backend uses a fresh decoding context per call.
type Engine interface {
	// Transcribe decodes 16 kHz mono PCM32F samples.
	Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error)
	Close() error
}

// Constructor builds an engine from a weights file.
type Constructor func(ctx context.Context, weightsPath string, key Key, threads int) (Engine, error)

var (
	// ErrUnsupportedComputeType is returned by a Constructor that cannot run the
	// requested precision on the requested device.
	ErrUnsupportedComputeType = errors.New("compute type not supported on device")
	// ErrDeviceUnavailable means the requested device is missing (no GPU driver).
	ErrDeviceUnavailable = errors.New("device unavailable")
)
