package keyvalue

import (
	"errors"
	"fmt"
)

// Kind classifies a bucket failure.
type Kind int

const (
	// KindOther is a backend-specific failure (I/O, encoding, ...).
	KindOther Kind = iota
	// KindNoSuchStore means the identifier is not recognized.
	KindNoSuchStore
	// KindAccessDenied means the caller may not use the identified
	// store, which may or may not exist.
	KindAccessDenied
)

func (k Kind) String() string {
	switch k {
	case KindNoSuchStore:
		return "no-such-store"
	case KindAccessDenied:
		return "access-denied"
	default:
		return "other"
	}
}

// Error is the error type returned by Resolver and Bucket operations.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Kind == KindOther {
		return "other: " + e.Detail
	}
	if e.Detail != "" {
		return e.Kind.String() + ": " + e.Detail
	}
	return e.Kind.String()
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrNoSuchStore)
// holds regardless of Detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNoSuchStore  = &Error{Kind: KindNoSuchStore}
	ErrAccessDenied = &Error{Kind: KindAccessDenied}
)

// Other returns a KindOther error carrying detail.
func Other(detail string) *Error {
	return &Error{Kind: KindOther, Detail: detail}
}

// Otherf formats a KindOther error. A wrapped error, if any, is flattened
// into the detail string.
func Otherf(format string, args ...any) *Error {
	return Other(fmt.Sprintf(format, args...))
}

// KindOf classifies err. Errors that are not *Error are KindOther.
func KindOf(err error) Kind {
	var kvErr *Error
	if errors.As(err, &kvErr) {
		return kvErr.Kind
	}
	return KindOther
}

// AsError converts err into a *Error, wrapping foreign errors as KindOther.
// It returns nil for a nil err.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var kvErr *Error
	if errors.As(err, &kvErr) {
		return kvErr
	}
	return Other(err.Error())
}
