package pipeline

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/snarg/poem-engine/internal/adpool"
	"github.com/snarg/poem-engine/internal/textsource"
	"github.com/snarg/poem-engine/internal/timing"
)

// Kind classifies a job failure.
type Kind string

const (
	KindInvalidOptions  Kind = "InvalidOptions"
	KindNoAdAvailable   Kind = "NoAdAvailable"
	KindNoTimedEntities Kind = "NoTimedEntities"
	KindExternalService Kind = "ExternalServiceFailure"
	KindRecordFile      Kind = "RecordFileFailure"
	KindInternal        Kind = "Internal"
)

// HTTPStatus maps a kind to the status code returned by the HTTP front door.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidOptions:
		return http.StatusBadRequest
	case KindNoAdAvailable:
		return http.StatusConflict
	case KindNoTimedEntities, KindRecordFile:
		return http.StatusUnprocessableEntity
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed job failure. Op names the stage that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind exposes the kind to classifiers that don't import this package.
func (e *Error) ErrorKind() string { return string(e.Kind) }

// KindOf classifies err. Errors that are not *Error are classified by the
// sentinel they wrap, falling back to Internal. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, adpool.ErrNoAdAvailable):
		return KindNoAdAvailable
	case errors.Is(err, timing.ErrNoTimedEntities):
		return KindNoTimedEntities
	case errors.Is(err, textsource.ErrEmpty):
		return KindRecordFile
	}
	return KindInternal
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// wrap types err as kind unless it already carries a kind.
func wrap(kind Kind, op string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return newError(kind, op, err)
}

func invalid(format string, args ...any) error {
	return newError(KindInvalidOptions, "validate", fmt.Errorf(format, args...))
}
