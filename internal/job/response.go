package job

import (
	"errors"

	"github.com/obiente/translate/whisperworker/internal/apperr"
	"github.com/obiente/translate/whisperworker/internal/transcribe"
	"github.com/obiente/translate/whisperworker/internal/whisper"
)

// Response is the JSON result of a job: a Transcript on success, Error otherwise.
type Response struct {
	*Transcript
	Error *ErrorBody `json:"error,omitempty"`
}

// Transcript is a successful result.
type Transcript struct {
	Language            string              `json:"language"`
	LanguageProbability float64             `json:"language_probability"`
	Duration            float64             `json:"duration"`
	Task                whisper.Task        `json:"task"`
	Segments            []whisper.Segment   `json:"segments"`
	Translations        map[string][]string `json:"translations,omitempty"`
}

// ErrorBody is a failure with a stable machine-readable code.
type ErrorBody struct {
	Code    apperr.Kind `json:"code"`
	Message string      `json:"message"`
}

// Failed reports whether r carries an error.
func (r Response) Failed() bool {
	return r.Error != nil
}

// Success builds the response for a finished transcription.
func Success(out transcribe.Output) Response {
	segs := out.Segments
	if segs == nil {
		segs = []whisper.Segment{}
	}
	task := out.Task
	if task == "" {
		task = whisper.TaskTranscribe
	}
	return Response{Transcript: &Transcript{
		Language:            out.Language,
		LanguageProbability: out.LanguageProbability,
		Duration:            out.Duration,
		Task:                task,
		Segments:            segs,
		Translations:        out.Translations,
	}}
}

// Failure maps err to an error response. Unclassified errors are reported as
// TranscriptionError without leaking their text.
func Failure(err error) Response {
	kind := apperr.KindOf(err)
	var msg string
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		msg = ae.Message
		if ae.Cause != nil {
			msg += ": " + ae.Cause.Error()
		}
	case kind == apperr.KindCanceled:
		msg = "job canceled"
	default:
		msg = "transcription failed"
	}
	return Response{Error: &ErrorBody{Code: kind, Message: msg}}
}
