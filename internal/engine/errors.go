package engine

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind classifies an engine-facing error so callers can decide whether it is
// benign, advisory, or fatal without string-matching messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindNotModified
	KindUnreachable
	KindMalformedResponse
	KindConfigurationInvalid
	KindMissingSecret
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindNotModified:
		return "not_modified"
	case KindUnreachable:
		return "unreachable"
	case KindMalformedResponse:
		return "malformed_response"
	case KindConfigurationInvalid:
		return "configuration_invalid"
	case KindMissingSecret:
		return "missing_secret"
	default:
		return "unknown"
	}
}

// WrapError wraps an error for the sake of showing a stack trace at the top
// level. go-errors does not return nil when wrapping a non-error, so the nil
// check is done here first.
func WrapError(err error) error {
	if err == nil {
		return err
	}
	return goerrors.Wrap(err, 0)
}

// Error is an error that carries a Kind so calling code can branch on it
// instead of matching message strings.
type Error struct {
	Message string
	Kind    Kind
	Cause   error
	frame   xerrors.Frame
}

// NewError builds an Error, capturing the caller's frame for FormatError.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Message: message, Kind: kind, Cause: cause, frame: xerrors.Caller(1)}
}

func (e *Error) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", e.Kind, e.Message)
	e.frame.Format(p)
	return e.Cause
}

func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

func (e *Error) Error() string {
	return fmt.Sprint(e)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HasKind reports whether err (or something it wraps) is an *Error of kind.
func HasKind(err error, kind Kind) bool {
	var target *Error
	if xerrors.As(err, &target) {
		return target.Kind == kind
	}
	return false
}
