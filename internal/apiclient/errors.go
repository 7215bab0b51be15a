package apiclient

import (
	"errors"
	"fmt"
)

// Kind classifies a failed call.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindNotFound
	KindServerError
	KindNoConnection
	KindTimeout
	KindDecodingFailed
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not found"
	case KindServerError:
		return "server error"
	case KindNoConnection:
		return "no connection"
	case KindTimeout:
		return "timeout"
	case KindDecodingFailed:
		return "decoding failed"
	default:
		return "unknown"
	}
}

// Transient reports whether a retry may succeed without any change on the
// client side.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindNoConnection, KindServerError:
		return true
	default:
		return false
	}
}

// Error is returned by every Client call that reaches (or tries to reach)
// the remote catalog.
type Error struct {
	Kind       Kind
	StatusCode int
	Detail     string
	Err        error
}

// Sentinels for errors.Is; only Kind is compared.
var (
	ErrUnauthorized   = &Error{Kind: KindUnauthorized}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrServerError    = &Error{Kind: KindServerError}
	ErrNoConnection   = &Error{Kind: KindNoConnection}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrDecodingFailed = &Error{Kind: KindDecodingFailed}
)

func (e *Error) Error() string {
	msg := "api: " + e.Kind.String()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Transient reports whether the failure is worth retrying.
func (e *Error) Transient() bool {
	return e.Kind.Transient()
}

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is an *Error with a transient kind.
func IsTransient(err error) bool {
	return err != nil && KindOf(err).Transient()
}

// IsUnauthorized reports whether err is an *Error of kind Unauthorized.
func IsUnauthorized(err error) bool {
	return err != nil && KindOf(err) == KindUnauthorized
}
