// Package errors defines the hub's error taxonomy. Every failure that reaches a
// client carries a Kind and a stable Code.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind groups codes into the categories clients and telemetry reason about.
type Kind string

const (
	KindAuthentication  Kind = "authentication"
	KindValidation      Kind = "validation"
	KindRateLimit       Kind = "rate_limit"
	KindWorkflowFailure Kind = "workflow_failure"
	KindProcessing      Kind = "processing"
)

// Code is a machine-readable error code surfaced on the wire.
type Code string

const (
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeCommandInvalid       Code = "command_invalid"
	CodeVerbUnknown          Code = "verb_unknown"
	CodeArgumentMissing      Code = "argument_missing"
	CodeArgumentInvalid      Code = "argument_invalid"
	CodeArgumentTooLong      Code = "argument_too_long"
	CodeArgumentNotAllowed   Code = "argument_not_allowed"
	CodeCapabilityMissing    Code = "capability_missing"
	CodeCatalogInvalid       Code = "catalog_invalid"
	CodeRateLimited          Code = "rate_limited"
	CodeWorkflowFailed       Code = "workflow_failed"
	CodeProcessingFailed     Code = "processing_failed"
	CodeContestNotActive     Code = "contest_not_active"
	CodeProtocolError        Code = "protocol_error"
	CodeUnknownType          Code = "unknown_type"
	CodeNarrativeFailed      Code = "narrative_failed"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Kind     Kind
	Code     Code
	Message  string
	Metadata map[string]string
	// RetryIn is set on rate-limit errors.
	RetryIn time.Duration
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// WithMetadata returns a copy of e carrying the provided metadata merged over
// any existing entries.
func (e *Error) WithMetadata(metadata map[string]string) *Error {
	clone := *e
	if len(metadata) == 0 {
		return &clone
	}
	merged := make(map[string]string, len(e.Metadata)+len(metadata))
	for k, v := range e.Metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	clone.Metadata = merged
	return &clone
}

func Authentication(message string) *Error {
	return New(KindAuthentication, CodeAuthenticationFailed, message)
}

func Validation(code Code, message string) *Error {
	return New(KindValidation, code, message)
}

// RateLimited builds a rate-limit error. An empty code falls back to
// CodeRateLimited.
func RateLimited(code Code, message string, retryIn time.Duration) *Error {
	if code == "" {
		code = CodeRateLimited
	}
	if retryIn < 0 {
		retryIn = 0
	}
	return &Error{Kind: KindRateLimit, Code: code, Message: message, RetryIn: retryIn}
}

func WorkflowFailure(message string, cause error) *Error {
	return Wrap(KindWorkflowFailure, CodeWorkflowFailed, message, cause)
}

func Processing(message string, cause error) *Error {
	return Wrap(KindProcessing, CodeProcessingFailed, message, cause)
}

// As extracts the domain error from err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf reports the Kind of err. Errors outside the taxonomy are treated as
// processing failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok && e.Kind != "" {
		return e.Kind
	}
	return KindProcessing
}

// CodeOf reports the Code of err, defaulting to CodeProcessingFailed.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok && e.Code != "" {
		return e.Code
	}
	return CodeProcessingFailed
}
