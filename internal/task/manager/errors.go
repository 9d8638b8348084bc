package manager

import (
	"errors"

	"taskrelay/internal/task/ident"
)

var (
	// ErrContextUnavailable means the consumer's host handle was released.
	ErrContextUnavailable = errors.New("host context unavailable")
	// ErrPermissionDenied means the facility behind a consumer refused access.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrMalformedIdentifier is ident.ErrMalformed, re-exported for callers of this package.
	ErrMalformedIdentifier = ident.ErrMalformed
	// ErrConsumerStartFailed wraps an opaque OnRegister failure.
	ErrConsumerStartFailed = errors.New("consumer start failed")
	// ErrConsumerStopFailed wraps an opaque OnUnregister failure.
	ErrConsumerStopFailed = errors.New("consumer stop failed")
	ErrTaskNotFound       = errors.New("task not found")

	ErrInvalidTaskName = errors.New("task name must be non-empty UTF-8")
	ErrNilConsumer     = errors.New("consumer must not be nil")
	ErrInvalidAppID    = errors.New("app id must be non-empty UTF-8")

	// ErrInvalidOptions means task options cannot be encoded into a snapshot.
	ErrInvalidOptions = errors.New("task options must be JSON-encodable")
)

// Stable codes carried by TaskError records on the application event channel.
const (
	CodeUnknown = iota
	CodeContextUnavailable
	CodePermissionDenied
	CodeMalformedIdentifier
	CodeConsumerStartFailed
	CodeConsumerStopFailed
	CodeTaskNotFound
	CodeInvalidOptions
)

// Coder lets consumer-defined errors pick their own code.
type Coder interface {
	ErrorCode() int
}

// ErrorCode maps err onto a stable integer code.
func ErrorCode(err error) int {
	if err == nil {
		return CodeUnknown
	}
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	switch {
	case errors.Is(err, ErrContextUnavailable):
		return CodeContextUnavailable
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrMalformedIdentifier):
		return CodeMalformedIdentifier
	case errors.Is(err, ErrConsumerStartFailed):
		return CodeConsumerStartFailed
	case errors.Is(err, ErrConsumerStopFailed):
		return CodeConsumerStopFailed
	case errors.Is(err, ErrTaskNotFound):
		return CodeTaskNotFound
	case errors.Is(err, ErrInvalidOptions):
		return CodeInvalidOptions
	default:
		return CodeUnknown
	}
}

// classified reports whether err already belongs to the taxonomy above.
func classified(err error) bool {
	return ErrorCode(err) != CodeUnknown
}
