// Package apperr classifies pipeline failures so callers can tell
// "reject the request" from "retry" from "alert".
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: the request cannot be processed as sent.
	KindValidation
	// KindNotFound: a referenced record does not exist or is not visible to the caller.
	KindNotFound
	// KindNormalization: one sample could not be normalized.
	KindNormalization
	// KindTransient: a store operation failed and may succeed on retry.
	KindTransient
	// KindDefect: an internal invariant was violated.
	KindDefect
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindNormalization:
		return "normalization"
	case KindTransient:
		return "transient"
	case KindDefect:
		return "defect"
	default:
		return "unknown"
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf returns a KindValidation error.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf returns a KindNotFound error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Defectf returns a KindDefect error.
func Defectf(format string, args ...any) error {
	return &Error{Kind: KindDefect, Msg: fmt.Sprintf(format, args...)}
}

// Normalizationf returns a KindNormalization error.
func Normalizationf(format string, args ...any) error {
	return &Error{Kind: KindNormalization, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps err as retryable.
func Transient(msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// Wrap classifies err under kind. A nil err stays nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return Is(err, KindTransient)
}
