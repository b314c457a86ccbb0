// Package apperr defines the error kinds surfaced by the worker. Every failure a
// job can hit is reported as an *Error carrying a stable Kind, so the response
// layer can map it to a wire code without string matching.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the machine-readable error code returned to callers.
type Kind string

const (
	KindConfiguration    Kind = "ConfigurationError"
	KindMissingInput     Kind = "MissingInputError"
	KindInvalidEncoding  Kind = "InvalidEncodingError"
	KindFetch            Kind = "FetchError"
	KindInvalidAudio     Kind = "InvalidAudioError"
	KindInvalidInput     Kind = "InvalidInputError"
	KindWeightsNotCached Kind = "WeightsNotCachedError"
	KindEngineLoad       Kind = "EngineLoadError"
	KindTranscription    Kind = "TranscriptionError"
	KindCanceled         Kind = "CanceledError"
)

// ClientAttributable reports whether the caller can fix the failure by changing the request.
func (k Kind) ClientAttributable() bool {
	switch k {
	case KindMissingInput, KindInvalidEncoding, KindFetch, KindInvalidAudio, KindInvalidInput:
		return true
	}
	return false
}

// Error is a classified failure with an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. A nil cause yields nil.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain. Context
// cancellation is reported as KindCanceled, and anything unclassified as
// KindTranscription.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindTranscription
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
