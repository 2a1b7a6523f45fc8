// Package errors provides the pipeline's error taxonomy.
// Every error carries a code, and every code belongs to a class that decides
// how callers react: retry, isolate, withhold the cursor, or halt.
package errors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies an error for programmatic handling.
type Code string

const (
	// Transient errors (1xx) are retried with backoff.
	CodeUpstreamUnavailable Code = "E101"
	CodeThrottled           Code = "E102"
	CodeStreamUnavailable   Code = "E103"
	CodeStoreUnavailable    Code = "E104"

	// Configuration errors (2xx) are fatal for the affected topic.
	CodeMissingTopic      Code = "E201"
	CodeMissingShard      Code = "E202"
	CodeMissingCredential Code = "E203"
	CodeInvalidConfig     Code = "E204"
	CodeRetentionGap      Code = "E205"

	// Validation errors (3xx) are isolated to the offending record.
	CodeMalformedRecord Code = "E301"
	CodeMissingField    Code = "E302"
	CodeInvalidField    Code = "E303"
	CodeUpstreamRequest Code = "E304"

	// Durability errors (4xx) withhold the cursor.
	CodeWriteUnconfirmed Code = "E401"
	CodeDeadLetterFailed Code = "E402"
	CodeCursorSave       Code = "E403"
	CodeLeaseLost        Code = "E404"

	CodeCanceled Code = "E501"
	CodeUnknown  Code = "E999"
)

// Class groups codes by handling policy.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassConfiguration
	ClassValidation
	ClassDurability
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConfiguration:
		return "configuration"
	case ClassValidation:
		return "validation"
	case ClassDurability:
		return "durability"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Class returns the class a code belongs to.
func (c Code) Class() Class {
	if len(c) < 2 {
		return ClassUnknown
	}
	switch c[1] {
	case '1':
		return ClassTransient
	case '2':
		return ClassConfiguration
	case '3':
		return ClassValidation
	case '4':
		return ClassDurability
	case '5':
		return ClassCanceled
	default:
		return ClassUnknown
	}
}

// Error is the base error type for all pipeline errors.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a code. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// --- Class constructors ---

// Transient reports a failure expected to clear on retry.
func Transient(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Configuration reports a fatal misconfiguration.
func Configuration(code Code, message string) *Error {
	return New(code, message)
}

// Validation reports a single malformed record.
func Validation(code Code, message string) *Error {
	return New(code, message)
}

// Durability reports a write that could not be confirmed.
func Durability(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCanceled
	}
	return CodeUnknown
}

// ClassOf returns the handling class of err.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCanceled
	}
	return GetCode(err).Class()
}

func IsTransient(err error) bool     { return ClassOf(err) == ClassTransient }
func IsConfiguration(err error) bool { return ClassOf(err) == ClassConfiguration }
func IsValidation(err error) bool    { return ClassOf(err) == ClassValidation }
func IsDurability(err error) bool    { return ClassOf(err) == ClassDurability }
func IsCanceled(err error) bool      { return ClassOf(err) == ClassCanceled }

// IsRetryable reports whether a retry loop should try again. Unclassified
// errors are treated as transient; configuration, validation and
// cancellation never are.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassConfiguration, ClassValidation, ClassCanceled:
		return false
	default:
		return err != nil
	}
}

// IsFatal reports whether err must halt the affected topic.
func IsFatal(err error) bool {
	return IsConfiguration(err)
}

// Is, As and Join re-export the standard helpers so callers need one import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
