package crawler

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can tell an unreachable site from
// unparseable content or a batch deadline.
type ErrorKind string

// Supported error kinds.
const (
	ErrorKindConfigInvalid ErrorKind = "config_invalid"
	ErrorKindTransient     ErrorKind = "transient"
	ErrorKindNonTransient  ErrorKind = "non_transient"
	ErrorKindParseFailure  ErrorKind = "parse_failure"
	ErrorKindCancelled     ErrorKind = "cancelled"
	ErrorKindIOFailure     ErrorKind = "io_failure"
)

// Retryable reports whether failures of this kind may succeed on retry.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient
}

// Error carries an ErrorKind through wrapped error chains.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the failing operation.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from err, if any layer carries one.
func KindOf(err error) (ErrorKind, bool) {
	var kindErr *Error
	if errors.As(err, &kindErr) {
		return kindErr.Kind, true
	}
	return "", false
}
