// Package apierror tags errors with a coarse failure kind so transports can
// map them to a status without inspecting message text.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure classification carried by engine errors.
type Kind int

const (
	// KindInternal is the default for untagged errors.
	KindInternal Kind = iota
	// KindBadInput rejects a request the caller must fix before retrying.
	KindBadInput
	// KindNotFound means the referenced entity does not exist or is inactive.
	KindNotFound
	// KindConflict means the request lost to existing state, e.g. a duplicate name.
	KindConflict
	// KindResourceExhausted means a protective limit was hit.
	KindResourceExhausted
	// KindTransient means the operation may succeed if retried later.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindBadInput:
		return "bad_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

func (k Kind) httpStatus() int {
	switch k {
	case KindBadInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a kinded error. Status overrides the kind's default HTTP status
// when non-zero; the ingest path uses it to answer an over-large batch with
// 413 instead of 429.
type Error struct {
	kind   Kind
	status int
	msg    string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New returns a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// NewStatus is New with an explicit HTTP status override.
func NewStatus(kind Kind, status int, format string, args ...any) error {
	return &Error{kind: kind, status: status, msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind, keeping it unwrappable.
func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf walks the error chain and returns the outermost kind, or
// KindInternal when no kinded error is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

// HTTPStatus returns the HTTP status an error should be answered with.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if e.status != 0 {
			return e.status
		}
		return e.kind.httpStatus()
	}
	return http.StatusInternalServerError
}

// IsNotFound reports whether the error chain carries KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether the error chain carries KindConflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
