// Package errors provides structured error handling for riskflow.
// Errors carry codes, key-value context, and stack traces so that stage
// failures can be logged with enough detail to diagnose without aborting
// the invocation that produced them.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code identifies an error class for programmatic handling.
type Code string

const (
	// Extraction errors (1xx)
	CodeEntryUnresolvable         Code = "E101"
	CodeReferenceDateUnresolvable Code = "E102"
	CodeFieldCast                 Code = "E103"
	CodeDuplicateField            Code = "E104"
	CodeBadDocument               Code = "E105"

	// Rule errors (2xx)
	CodeRuleEvaluation  Code = "E201"
	CodeCalculation     Code = "E202"
	CodeInlineFunction  Code = "E203"
	CodeInlineScript    Code = "E204"
	CodeAdaptation      Code = "E205"
	CodeExhaustiveModel Code = "E206"

	// Cache/store errors (3xx)
	CodeCacheRead    Code = "E301"
	CodeCacheWrite   Code = "E302"
	CodeCacheConnect Code = "E303"

	// Sanctions errors (4xx)
	CodeSanctionLookup Code = "E401"
	CodeSanctionMatch  Code = "E402"

	// System errors (5xx)
	CodeQueueFull       Code = "E501"
	CodeModelNotFound   Code = "E502"
	CodeContextCanceled Code = "E503"
	CodePublish         Code = "E504"

	// Unknown
	CodeUnknown Code = "E999"
)

// Error is the base error type for all riskflow errors.
type Error struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, v))
			first = false
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

// Is checks if this error matches a target error.
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
	return &Error{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// captureStack captures the current stack trace.
func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *Error) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// EntryUnresolvable indicates the entry identifier path produced no value.
// This is one of the two fatal-to-invocation conditions.
func EntryUnresolvable(path string) *Error {
	return New(CodeEntryUnresolvable, "could not locate model entry value").
		WithContext("path", path)
}

// ReferenceDateUnresolvable indicates the reference date could not be
// resolved at all. Fatal to the invocation.
func ReferenceDateUnresolvable(path string) *Error {
	return New(CodeReferenceDateUnresolvable, "could not resolve reference date").
		WithContext("path", path)
}

// QueueFull indicates the invocation was rejected at admission because the
// pending queue exceeded its threshold.
func QueueFull(depth, limit int64) *Error {
	return New(CodeQueueFull, "pending invocation queue is full").
		WithContext("depth", depth).
		WithContext("limit", limit)
}

// ModelNotFound indicates no model definition exists for the id.
func ModelNotFound(id int) *Error {
	return New(CodeModelNotFound, "model not found").
		WithContext("modelId", id)
}

// RuleError wraps a rule evaluation failure with the rule's identity.
func RuleError(ruleName string, err error) *Error {
	return Wrap(err, CodeRuleEvaluation, "rule evaluation failed").
		WithContext("rule", ruleName)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var rfErr *Error
	if errors.As(err, &rfErr) {
		return rfErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var rfErr *Error
	if errors.As(err, &rfErr) {
		return rfErr.Code
	}
	return CodeUnknown
}

// IsFatal returns true when the error must abort the invocation. Only the
// two step-one extraction failures qualify; everything else is stage
// isolated.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeEntryUnresolvable, CodeReferenceDateUnresolvable:
		return true
	default:
		return false
	}
}

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
