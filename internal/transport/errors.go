package transport

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindTransient covers network failures, throttling and 5xx responses.
	KindTransient Kind = iota
	// KindUnauthorized means the session token is missing, invalid or expired.
	KindUnauthorized
	// KindRejected is a 4xx answer such as a job already taken.
	KindRejected
	// KindDecode means the server answered with a body we could not parse.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindRejected:
		return "rejected"
	case KindDecode:
		return "decode"
	default:
		return "transient"
	}
}

// Error is returned by every Client operation that fails.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Kind)
	default:
		return fmt.Sprintf("%s: status %d (%s)", e.Op, e.StatusCode, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoToken is returned when an authenticated call is attempted without a token.
var ErrNoToken = errors.New("no session token")

func kindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrNoToken) {
		return true
	}
	k, ok := kindOf(err)
	return ok && k == KindUnauthorized
}

func IsRejected(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRejected
}

func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}
