package errors

import (
	"errors"
	"fmt"
)

// New creates a new Error with the specified code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps err with a code and message. If err is nil, Wrap returns nil.
//
//	rec, err := store.Get(ctx, ref)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeInternalStore, "credstore: get failed")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps err with a code and formatted message. If err is nil, Wrapf
// returns nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Validation creates a new validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a new validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// SessionNotFound creates the error returned when a session reference has
// no credential record.
func SessionNotFound(message string) *Error {
	return New(CodeAuthenticationSessionNotFound, message)
}

// RefreshContended creates the error returned when the per-session refresh
// lock could not be taken in time.
func RefreshContended(message string) *Error {
	return New(CodeUnavailableRefreshContended, message)
}

// UpstreamUnavailable wraps a transport failure talking to an origin.
func UpstreamUnavailable(err error, message string) *Error {
	return Wrap(err, CodeUnavailableUpstream, message)
}

// Internal creates a new internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Internalf creates a new internal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// FromError converts any error to an *Error. Errors that already carry an
// *Error in their chain are returned as that *Error; anything else is
// wrapped as an internal error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
