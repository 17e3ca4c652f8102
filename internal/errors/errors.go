package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code identifies a failure class shared across the whole process.
type Code string

// Severity describes how serious an error is, used for logging and alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes provide the default behaviour for an error code.
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
}

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeSubmissionFailed   Code = "SUBMISSION_FAILED"
	CodeContentUnavailable Code = "CONTENT_UNAVAILABLE"
	CodeDecryptionFailed   Code = "DECRYPTION_FAILED"
	CodeHandlerTimeout     Code = "HANDLER_TIMEOUT"
	CodeHandlerCrashed     Code = "HANDLER_CRASHED"
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeAlreadyClaimed     Code = "ALREADY_CLAIMED"
	CodeExpired            Code = "EXPIRED"
	CodeStorageFailure     Code = "STORAGE_FAILURE"
	CodeQueueFailure       Code = "QUEUE_FAILURE"
	CodeTimeout            Code = "TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:            {Message: "unknown error", Severity: SeverityCritical},
		CodeInvalidArgument:    {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:           {Message: "resource not found", Severity: SeverityInfo},
		CodeInsufficientFunds:  {Message: "balance below required amount", Severity: SeverityWarning},
		CodeSubmissionFailed:   {Message: "ledger submission failed", Severity: SeverityCritical},
		CodeContentUnavailable: {Message: "content network unavailable", Severity: SeverityWarning, Retryable: true},
		CodeDecryptionFailed:   {Message: "payload could not be decrypted", Severity: SeverityWarning},
		CodeHandlerTimeout:     {Message: "validation handler timed out", Severity: SeverityWarning},
		CodeHandlerCrashed:     {Message: "validation handler crashed", Severity: SeverityWarning},
		CodeInvalidTransition:  {Message: "request status transition not allowed", Severity: SeverityWarning},
		CodeAlreadyClaimed:     {Message: "request already claimed", Severity: SeverityInfo},
		CodeExpired:            {Message: "request deadline has passed", Severity: SeverityInfo},
		CodeStorageFailure:     {Message: "local storage failure", Severity: SeverityCritical, Retryable: true},
		CodeQueueFailure:       {Message: "queue failure", Severity: SeverityCritical, Retryable: true},
		CodeTimeout:            {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
	}
)

// Register lets a package add its own codes during init.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the attributes for a code, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the process-wide error type. It carries a code, an operator-safe
// message, optional metadata and the wrapped cause.
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
}

// Option configures an Error at construction time.
type Option func(*Error)

// WithMetadata attaches a key/value pair to the error.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable overrides the code's default retryability.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// New builds an Error for the given code.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap builds an Error around an existing cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches two Errors by code, enabling errors.Is on sentinel values.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the operator-safe message.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata returns a copy of the attached metadata.
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable reports whether the operation may be retried.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity returns the severity configured for the code.
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return AttributesOf(e.code).Severity
}

// From extracts an *Error from any error chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of any error, or UNKNOWN.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError reports whether any error is retryable.
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}
