// Package apperr tags errors with a Kind at the point they are raised so that
// callers never need to infer a failure class from message text.
//
// Creation and wrapping delegate to github.com/cockroachdb/errors, which keeps a
// stack trace on every error it builds.
package apperr

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Re-exported helpers so packages only need one errors import.
var (
	Is         = errors.Is
	As         = errors.As
	Wrapf      = errors.Wrapf
	WithDetail = errors.WithDetail
)

// Kind classifies a failure.
type Kind int

const (
	KindSystem Kind = iota
	KindValidation
	KindInvalidInput
	KindAuthentication
	KindPermissionDenied
	KindNotFound
	KindInvalidAddress
	KindInsufficientFunds
	KindRateLimited
	KindCircuitOpen
)

// String returns the error-type name recorded in DLQ entries and stats.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindInvalidInput:
		return "InvalidInput"
	case KindAuthentication:
		return "AuthenticationError"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindNotFound:
		return "NotFound"
	case KindInvalidAddress:
		return "InvalidAddress"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindRateLimited:
		return "RateLimited"
	case KindCircuitOpen:
		return "CircuitBreakerError"
	default:
		return "SystemError"
	}
}

// ParseKind is the inverse of Kind.String. Unknown names map to KindSystem.
func ParseKind(s string) Kind {
	for k := KindSystem; k <= KindCircuitOpen; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindSystem
}

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string { return e.cause.Error() }

func (e *Error) Unwrap() error { return e.cause }

// ErrorKind exposes the tag. Other packages' error types may implement the same
// method to take part in classification.
func (e *Error) ErrorKind() Kind { return e.Kind }

type kinded interface {
	ErrorKind() Kind
}

// Format keeps %+v output (with stack) from the cockroachdb cause.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%+v", e.cause)
		return
	}
	fmt.Fprint(s, e.cause.Error())
}

// New creates a tagged error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, cause: errors.NewWithDepth(1, msg)}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, cause: errors.NewWithDepthf(1, format, args...)}
}

// Wrap tags err with kind and prefixes msg. A nil err stays nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.WrapWithDepth(1, err, msg)}
}

// Lookup returns the outermost Kind found on err's chain.
func Lookup(err error) (Kind, bool) {
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind(), true
	}
	return KindSystem, false
}

// KindOf returns the tagged Kind, falling back to message classification for
// untagged errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindSystem
	}
	if k, ok := Lookup(err); ok {
		return k
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage maps legacy, untagged error text onto a Kind. Only the
// non-retryable error names are recognised; everything else is a system error.
func ClassifyMessage(msg string) Kind {
	switch {
	case strings.Contains(msg, "ValidationError"):
		return KindValidation
	case strings.Contains(msg, "AuthenticationError"):
		return KindAuthentication
	case strings.Contains(msg, "PermissionDenied"):
		return KindPermissionDenied
	case strings.Contains(msg, "InvalidInput"):
		return KindInvalidInput
	}
	return KindSystem
}

// Retryable reports whether replaying the failed work could succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindInvalidInput, KindAuthentication, KindPermissionDenied,
		KindInvalidAddress, KindNotFound, KindInsufficientFunds:
		return false
	}
	return true
}

// Category is the execution failure class persisted on an Execution.
type Category string

const (
	CategoryInsufficientFunds Category = "INSUFFICIENT_FUNDS"
	CategoryInvalidAddress    Category = "INVALID_ADDRESS"
	CategoryNotFound          Category = "NOT_FOUND"
	CategoryRateLimited       Category = "RATE_LIMITED"
	CategorySystem            Category = "SYSTEM_ERROR"
)

// CategoryOf maps an error onto one of the five execution failure
// categories. Validation failures have no category of their own and are
// recorded as SYSTEM_ERROR; the kind stays available through KindOf.
func CategoryOf(err error) Category {
	switch KindOf(err) {
	case KindInsufficientFunds:
		return CategoryInsufficientFunds
	case KindInvalidAddress:
		return CategoryInvalidAddress
	case KindNotFound:
		return CategoryNotFound
	case KindRateLimited:
		return CategoryRateLimited
	}
	return CategorySystem
}

// Stack renders err with its recorded stack trace.
func Stack(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}
