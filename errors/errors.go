package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Kind classifies an error for recovery decisions. Tool-local kinds
// (InvalidArguments, PermissionDenied, Timeout) are fed back to the model as
// failure results; BackendError and BridgeError abort the current turn;
// CorruptSession aborts a load only.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArguments
	KindPermissionDenied
	KindBackendError
	KindBridgeError
	KindRoundLimitExceeded
	KindCorruptSession
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArguments:
		return "InvalidArguments"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindBackendError:
		return "BackendError"
	case KindBridgeError:
		return "BridgeError"
	case KindRoundLimitExceeded:
		return "RoundLimitExceeded"
	case KindCorruptSession:
		return "CorruptSession"
	case KindTimeout:
		return "Timeout"
	}
	return "Unknown"
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

// WithKind creates a classified error with caller information.
func WithKind(kind Kind, format string, a ...interface{}) error {
	return &kindError{
		kind: kind,
		err:  fmt.Errorf("[%s] %s: %s", caller(), kind, fmt.Sprintf(format, a...)),
	}
}

// WrapKind classifies an existing error, preserving its chain.
// Returns nil if err is nil.
func WrapKind(err error, kind Kind, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{
		kind: kind,
		err:  fmt.Errorf("[%s] %s: %s: %w", caller(), kind, fmt.Sprintf(format, a...), err),
	}
}

// KindOf reports the classification of err, walking the wrap chain.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
