package errdefs

import (
	"errors"
	"fmt"
)

// Code is a stable, user-visible error code drawn from a closed set.
type Code string

const (
	CodeInvalidState        Code = "INVALID_STATE"
	CodeInvalidTorrent      Code = "INVALID_TORRENT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeProfileNotFound     Code = "PROFILE_NOT_FOUND"
	CodeProfileInactive     Code = "PROFILE_INACTIVE"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeTokenExchangeFailed Code = "TOKEN_EXCHANGE_FAILED"
	CodeRedisError          Code = "REDIS_ERROR"
	CodeUploadFailed        Code = "UPLOAD_FAILED"
	CodeSessionExpired      Code = "SESSION_EXPIRED"
	CodeLeaseLost           Code = "LEASE_LOST"
	CodeCancelled           Code = "CANCELLED"
	CodeQueueError          Code = "QUEUE_ERROR"
	CodeStorageError        Code = "STORAGE_ERROR"
)

// Error carries a stable code alongside a human-readable message.
// It wraps an optional cause for errors.Is / errors.As chains.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two *Error values by code so errors.Is can be used with
// sentinel-style comparisons.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from err, or empty if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
