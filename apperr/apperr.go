// Package apperr defines the error taxonomy shared by every component and
// the single mapping from a taxonomy code to an HTTP status, so handlers
// do one apperr.StatusCode(err) call instead of scattering type switches.
package apperr

import (
	"errors"
	"net/http"
)

// Code classifies an error into one of the taxonomy buckets from the
// error-handling design.
type Code string

const (
	BadRequest      Code = "bad_request"
	Unauthorized    Code = "unauthorized"
	Forbidden       Code = "forbidden"
	PayloadTooLarge Code = "payload_too_large"
	NotFound        Code = "not_found"
	Conflict        Code = "conflict"
	StorageTransient Code = "storage_transient"
	StoragePermanent Code = "storage_permanent"
	LockLost        Code = "lock_lost"
	ConfigInvalid   Code = "config_invalid"
	Internal        Code = "internal"
)

// Error wraps an underlying cause with a taxonomy code and a short,
// caller-safe message.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error that carries cause, for internal logging,
// while message stays what's safe to tell the caller.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the taxonomy code of err, or Internal if err does not
// carry one.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return Internal
}

// StatusCode maps err to the HTTP status the webhook caller should see.
func StatusCode(err error) int {
	switch CodeOf(err) {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case StorageTransient, StoragePermanent, LockLost, ConfigInvalid, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
