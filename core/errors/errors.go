// Package errors defines the failure taxonomy shared by the custody, pipeline,
// registry, record and task components. Every failure surfaced to an HTTP caller is
// an *Error whose Kind is one of the sentinels below.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidArgument  = stderrors.New("invalid argument")
	ErrAccountNotFound  = stderrors.New("account not found")
	ErrDidAlreadyExists = stderrors.New("did already exists")
	ErrStoreUnavailable = stderrors.New("store unavailable")
	ErrSigningError     = stderrors.New("signing error")
	ErrSubmissionFailed = stderrors.New("submission failed")
	ErrTimedOut         = stderrors.New("transaction timed out")
	ErrFailed           = stderrors.New("transaction failed")

	ErrServiceNotFound = stderrors.New("service not found")
	ErrTaskNotFound    = stderrors.New("task not found")
	ErrTaskSolved      = stderrors.New("task already solved")
	ErrUpstream        = stderrors.New("upstream request failed")
)

var kindNames = map[error]string{
	ErrInvalidArgument:  "InvalidArgument",
	ErrAccountNotFound:  "AccountNotFound",
	ErrDidAlreadyExists: "DidAlreadyExists",
	ErrStoreUnavailable: "StoreUnavailable",
	ErrSigningError:     "SigningError",
	ErrSubmissionFailed: "SubmissionFailed",
	ErrTimedOut:         "TimedOut",
	ErrFailed:           "Failed",
	ErrServiceNotFound:  "ServiceNotFound",
	ErrTaskNotFound:     "TaskNotFound",
	ErrTaskSolved:       "TaskAlreadySolved",
	ErrUpstream:         "UpstreamFailed",
}

// Error carries a taxonomy kind together with the operation that failed, a
// human readable detail and the underlying cause, if any.
type Error struct {
	Kind   error
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("unknown error")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// E builds an *Error without an underlying cause.
func E(kind error, op, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap attaches a kind and operation to err. A nil err yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Kind returns the taxonomy sentinel err belongs to, or nil when err carries
// no known kind.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stderrors.As(err, &typed) && typed.Kind != nil {
		return typed.Kind
	}
	for kind := range kindNames {
		if stderrors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns the machine readable kind string for err ("Internal" when
// the error is outside the taxonomy).
func KindName(err error) string {
	if name, ok := kindNames[Kind(err)]; ok {
		return name
	}
	return "Internal"
}

// Detail returns the human readable part of err without the kind prefix when
// possible.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		switch {
		case typed.Detail != "" && typed.Err != nil:
			return typed.Detail + ": " + typed.Err.Error()
		case typed.Detail != "":
			return typed.Detail
		case typed.Err != nil:
			return typed.Err.Error()
		}
	}
	return err.Error()
}

// Is and As are re-exported so callers importing this package under the
// name "errors" keep access to the standard helpers.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
