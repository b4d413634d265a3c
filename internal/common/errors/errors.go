// Package errors defines the error taxonomy shared across dbgnexus components.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies the category of an AppError.
type Code string

const (
	CodeInvalidInput         Code = "invalid_input"
	CodeSessionNotFound      Code = "session_not_found"
	CodeCommandNotFound      Code = "command_not_found"
	CodeSessionLimitExceeded Code = "session_limit_exceeded"
	CodeQueueNotReady        Code = "queue_not_ready"
	CodeDriverStartFailed    Code = "driver_start_failed"
	CodeChildCrashed         Code = "child_crashed"
	CodeTimeout              Code = "timeout"
	CodeCancelled            Code = "cancelled"
	CodeInternal             Code = "internal"
	CodeExtensionNotFound    Code = "extension_not_found"
	CodeExtensionDisabled    Code = "extension_subsystem_disabled"
)

// AppError is the single error type returned across package boundaries.
// Callers use errors.As to recover the Code and decide how to respond.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with no wrapped cause.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error. If err is already
// an *AppError, its code is preserved rather than overwritten, so that
// wrapping at higher layers never discards the original classification.
func Wrap(err error, code Code, message string) *AppError {
	var existing *AppError
	if errors.As(err, &existing) {
		code = existing.Code
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err, returning CodeInternal if err is not
// (or does not wrap) an *AppError.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err is an AppError carrying the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

func InvalidInput(format string, args ...interface{}) *AppError {
	return Newf(CodeInvalidInput, format, args...)
}

func SessionNotFound(sessionID string) *AppError {
	return Newf(CodeSessionNotFound, "session %q not found", sessionID)
}

func CommandNotFound(commandID string) *AppError {
	return Newf(CodeCommandNotFound, "command %q not found", commandID)
}

// SessionLimitExceeded reports the session cap being hit, carrying both the
// current session count and the configured max in the message text itself so
// callers that only display Error() still see both numbers.
func SessionLimitExceeded(current, max int) *AppError {
	return Newf(CodeSessionLimitExceeded, "Maximum concurrent sessions exceeded: %d/%d", current, max)
}

func QueueNotReady(sessionID string) *AppError {
	return Newf(CodeQueueNotReady, "command queue for session %q is not ready", sessionID)
}

func DriverStartFailed(err error) *AppError {
	return Wrap(err, CodeDriverStartFailed, "failed to start debugger driver")
}

func ChildCrashed(err error) *AppError {
	return Wrap(err, CodeChildCrashed, "debugger child process exited unexpectedly; session recovery will be attempted")
}

func Timeout(message string) *AppError {
	return New(CodeTimeout, message)
}

func Cancelled(message string) *AppError {
	return New(CodeCancelled, message)
}

// ExtensionNotFound reports an extension name outside the deployment's
// configured allowlist.
func ExtensionNotFound(name string) *AppError {
	return Newf(CodeExtensionNotFound, "extension %q is not recognized", name)
}

// ExtensionSubsystemDisabled reports that enqueue-extension is turned off
// for this deployment.
func ExtensionSubsystemDisabled() *AppError {
	return New(CodeExtensionDisabled, "the extension subsystem is disabled")
}

func Internal(err error) *AppError {
	return Wrap(err, CodeInternal, "internal error")
}
