// Package apperr defines the error kinds shared by repositories, services, and HTTP handlers.
// Repositories classify driver errors, services resolve conflicts, and the HTTP layer maps kinds to status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an application error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is malformed or missing client input. Never retried automatically.
	KindValidation
	// KindNotFound is a reference to a device, session, or log entry that does not exist.
	KindNotFound
	// KindConflict is a uniqueness violation during get-or-create. Services resolve it internally.
	KindConflict
	// KindStorage is a persistence failure unrelated to application logic.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is an application error with a kind, a client-safe message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	// Detail is optional structured context (e.g. the offending field or entry index) safe to return to clients.
	Detail map[string]any
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail returns e with key set in Detail. It mutates and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any, 1)
	}
	e.Detail[key] = value
	return e
}

// Validation returns a KindValidation error.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Validationf returns a KindValidation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a KindNotFound error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Conflict returns a KindConflict error wrapping the store's uniqueness violation.
func Conflict(message string, err error) *Error {
	return &Error{Kind: KindConflict, Message: message, Err: err}
}

// Storage wraps err as a KindStorage error for operation op.
// An err that already carries a kind is returned unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindStorage, Message: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
