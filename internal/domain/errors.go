package domain

import (
	"errors"
	"fmt"
)

// Code classifies core failures. The propagation policy hangs off the
// code: durable-path failures reach the sending client, ephemeral-path
// failures are swallowed locally.
type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeValidation        Code = "VALIDATION"
	CodePersistence       Code = "PERSISTENCE_FAILURE"
	CodeBrokerUnavailable Code = "BROKER_UNAVAILABLE"
	CodeStaleTarget       Code = "STALE_TARGET"
	CodeMentionResolution Code = "MENTION_RESOLUTION_FAILURE"
)

// Error is a code-carrying error used across the realtime core.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func WrapError(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error {
	return NewError(CodeValidation, msg)
}

func Persistence(msg string, cause error) error {
	return WrapError(CodePersistence, msg, cause)
}

func BrokerUnavailable(msg string, cause error) error {
	return WrapError(CodeBrokerUnavailable, msg, cause)
}

// CodeOf extracts the failure code from err, or CodeUnknown for errors
// that did not originate in the core.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
