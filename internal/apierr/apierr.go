// Package apierr defines the error taxonomy shared by the REST surface and
// the realtime protocol.
package apierr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"marginalia/internal/auth"
	"marginalia/internal/store"
	"marginalia/internal/validation"
)

const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeAccessDenied = "ACCESS_DENIED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION_ERROR"
	CodeDuplicate    = "DUPLICATE_ANNOTATION"
	CodeConflict     = "CONFLICT"
	CodeStore        = "STORE_FAILURE"
	CodeServer       = "SERVER_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func Unauthorized(message string) *DomainError {
	return New(http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

// AccessDenied is returned for both missing documents and documents the
// caller cannot see.
func AccessDenied() *DomainError {
	return New(http.StatusForbidden, CodeAccessDenied, "Access denied", nil)
}

func Forbidden(message string) *DomainError {
	return New(http.StatusForbidden, CodeForbidden, message, nil)
}

func NotFound(message string) *DomainError {
	return New(http.StatusNotFound, CodeNotFound, message, nil)
}

func Validation(message string, details any) *DomainError {
	return New(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

func Duplicate() *DomainError {
	return New(http.StatusConflict, CodeDuplicate, "You already annotated this exact range", nil)
}

func Conflict(message string) *DomainError {
	return New(http.StatusConflict, CodeConflict, message, nil)
}

// StoreFailure wraps a persistence error. Clients may retry.
func StoreFailure(err error) *DomainError {
	e := New(http.StatusServiceUnavailable, CodeStore, "Storage temporarily unavailable", nil)
	e.Err = err
	return e
}

// Map flattens any error into the status, code, message and details written
// to clients. Errors that are not DomainErrors never leak their text.
func Map(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, CodeDuplicate, "You already annotated this exact range", nil
	case errors.Is(err, store.ErrUserExists):
		return http.StatusConflict, CodeConflict, "Username or email already registered", nil
	case errors.Is(err, auth.ErrAuthFailure):
		return http.StatusUnauthorized, CodeUnauthorized, "Authentication required", nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, CodeStore, "Storage temporarily unavailable", nil
	}
	return http.StatusInternalServerError, CodeServer, "Server error", nil
}

// FromValidation converts a validation failure into a Validation error that
// lists the offending fields.
func FromValidation(err error) *DomainError {
	var structErr validation.StructError
	if errors.As(err, &structErr) {
		return Validation(structErr.Error(), structErr.Violations)
	}
	return Validation(err.Error(), nil)
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}
