package errs

import (
	"errors"
	"fmt"
)

// Error kinds shared by every live-session component. Wire codes are derived from them.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrBadRequest      = errors.New("bad request")
	ErrInternal        = errors.New("internal error")
)

// Code is the error identifier carried by error events.
type Code string

const (
	CodeNotFound        Code = "NotFound"
	CodeInvalidState    Code = "InvalidState"
	CodeUnauthorized    Code = "Unauthorized"
	CodeUnauthenticated Code = "Unauthenticated"
	CodeBadRequest      Code = "BadRequest"
	CodeInternal        Code = "Internal"
)

// ServiceError records the failing operation and reason alongside the error kind.
type ServiceError struct {
	code string
	kind error
	err  error
}

// New constructs a ServiceError with code "<operation>.<reason>".
func New(operation, reason string, kind error, cause error) error {
	if kind == nil {
		kind = ErrInternal
	}
	return &ServiceError{
		code: fmt.Sprintf("%s.%s", operation, reason),
		kind: kind,
		err:  cause,
	}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %v", e.code, e.kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.code, e.kind, e.err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *ServiceError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// Code returns the "<operation>.<reason>" identifier.
func (e *ServiceError) Code() string {
	return e.code
}

// Classify maps any error onto the wire code. Unknown errors are Internal.
func Classify(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// Message returns the short client-facing text for an error code.
func Message(code Code) string {
	switch code {
	case CodeNotFound:
		return "session not found"
	case CodeInvalidState:
		return "session is not in a state that allows this command"
	case CodeUnauthorized:
		return "only the session teacher may issue this command"
	case CodeUnauthenticated:
		return "join the session before issuing this command"
	case CodeBadRequest:
		return "malformed command"
	default:
		return "internal error"
	}
}
