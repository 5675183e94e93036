package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failed query.
type Kind int

const (
	// KindInvalidRequest is a client error detected before any side effect.
	KindInvalidRequest Kind = iota + 1
	// KindDependencyFailure is an embedding or generation service failure.
	KindDependencyFailure
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindDependencyFailure:
		return "dependency_failure"
	default:
		return "unknown"
	}
}

// Error is returned by Run when a query ends in the Failed state.
type Error struct {
	Kind    Kind
	Stage   Stage
	Service string // "embedding", "retrieval" or "generation"; empty for invalid requests
	Err     error
}

func (e *Error) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s during %s (%s): %v", e.Kind, e.Stage, e.Service, e.Err)
	}
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the failure was caused by a deadline.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func invalid(stage Stage, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Stage: stage, Err: fmt.Errorf(format, args...)}
}

func dependency(stage Stage, service string, err error) *Error {
	return &Error{Kind: KindDependencyFailure, Stage: stage, Service: service, Err: err}
}

// IsInvalidRequest reports whether err is a pipeline Error of kind
// KindInvalidRequest.
func IsInvalidRequest(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindInvalidRequest
}
