// Package failure classifies errors that cross service boundaries.
//
// Packages keep their own sentinel errors; failure attaches a Kind and the call site so the
// command surface can map outcomes without knowing every sentinel.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the coarse error class exposed to callers.
type Kind string

const (
	KindUnauthorized       Kind = "unauthorized"
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindResourceAllocation Kind = "resource_allocation"
	KindRemoteCall         Kind = "remote_call"
	KindDomain             Kind = "domain"
	KindConflict           Kind = "conflict"
	KindInternal           Kind = "internal"
)

// Error wraps an underlying error with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Unauthorized(op string, err error) error { return New(KindUnauthorized, op, err) }
func Validation(op string, err error) error   { return New(KindValidation, op, err) }
func NotFound(op string, err error) error     { return New(KindNotFound, op, err) }
func Remote(op string, err error) error       { return New(KindRemoteCall, op, err) }
func Domain(op string, err error) error       { return New(KindDomain, op, err) }
func Conflict(op string, err error) error     { return New(KindConflict, op, err) }
func Internal(op string, err error) error     { return New(KindInternal, op, err) }

// KindOf returns the outermost kind in err's chain, or KindInternal when none is attached.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}
