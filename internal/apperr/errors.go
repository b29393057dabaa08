// Package apperr defines the error taxonomy shared by every mneme layer.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnavailable          = errors.New("dependency unavailable")
	ErrValidation           = errors.New("validation failed")
	ErrCorrupt              = errors.New("corrupt data")
	ErrConfirmationRequired = errors.New("confirmation required")
)

// Kind classifies an Error. Each kind unwraps to its sentinel.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindUnavailable
	KindValidation
	KindCorrupt
	KindConfirmationRequired
)

// String names the kind for logs and API responses.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindValidation:
		return "validation"
	case KindCorrupt:
		return "corrupt"
	case KindConfirmationRequired:
		return "confirmation_required"
	}
	return "internal"
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindUnavailable:
		return ErrUnavailable
	case KindValidation:
		return ErrValidation
	case KindCorrupt:
		return ErrCorrupt
	case KindConfirmationRequired:
		return ErrConfirmationRequired
	}
	return nil
}

// Error carries the operation, scope and path an error happened in.
type Error struct {
	Kind  Kind
	Op    string
	Scope string
	Path  string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Scope != "" {
		fmt.Fprintf(&b, " [scope=%s]", e.Scope)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " [path=%s]", e.Path)
	}
	if s := e.Kind.sentinel(); s != nil {
		b.WriteString(": ")
		b.WriteString(s.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// WithScope returns e annotated with scope.
func (e *Error) WithScope(scope string) *Error {
	e.Scope = scope
	return e
}

// WithPath returns e annotated with path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// Unavailable wraps a dependency failure.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// Validation reports rejected input. No I/O happens before it is returned.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Corrupt reports unreadable persisted state at path.
func Corrupt(op, path string, err error) *Error {
	return &Error{Kind: KindCorrupt, Op: op, Path: path, Err: err}
}

// NotFound reports a missing record or file.
func NotFound(op, what string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Err: errors.New(what)}
}

// ConfirmationRequired reports a destructive call made without a valid capability.
func ConfirmationRequired(op string) *Error {
	return &Error{Kind: KindConfirmationRequired, Op: op}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrCorrupt):
		return KindCorrupt
	case errors.Is(err, ErrConfirmationRequired):
		return KindConfirmationRequired
	}
	return KindInternal
}

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Transient reports whether err looks like a dependency hiccup worth one retry:
// timeouts, refused connections, HTTP 429 and 5xx.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		return code == 429 || code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
