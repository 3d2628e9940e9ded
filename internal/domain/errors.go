package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrAccessDenied    = errors.New("access denied")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrTransient       = errors.New("transient failure")
	ErrNoOrganization  = errors.New("user does not belong to any organization")
)

// ErrorCode es el codigo estable que viaja en el evento error.
type ErrorCode string

const (
	CodeUnauthenticated ErrorCode = "unauthenticated"
	CodeAccessDenied    ErrorCode = "access_denied"
	CodeNotFound        ErrorCode = "not_found"
	CodeInvalidArgument ErrorCode = "invalid_argument"
	CodeConflict        ErrorCode = "conflict"
	CodeTransient       ErrorCode = "transient"
	CodeNoOrganization  ErrorCode = "no_organization"
	CodeInternal        ErrorCode = "internal"
)

type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransient.Error(), e.err)
}

func (e *transientError) Unwrap() []error {
	return []error{ErrTransient, e.err}
}

// Transient marca un fallo de infraestructura como reintentable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}

// Invalid construye un ErrInvalidArgument con detalle.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// CodeOf traduce cualquier error al codigo que ve el cliente.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNoOrganization):
		return CodeNoOrganization
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrTransient):
		return CodeTransient
	default:
		return CodeInternal
	}
}

// PublicMessage evita filtrar detalles internos al cliente.
func PublicMessage(err error) string {
	switch CodeOf(err) {
	case CodeUnauthenticated:
		return "authentication failed"
	case CodeAccessDenied:
		return "access denied"
	case CodeNotFound:
		return "not found"
	case CodeNoOrganization:
		return ErrNoOrganization.Error()
	case CodeInvalidArgument, CodeConflict:
		return err.Error()
	case CodeTransient:
		return "temporary failure, retry later"
	default:
		return "internal error"
	}
}
