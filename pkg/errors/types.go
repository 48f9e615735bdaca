// Package errors provides structured error handling for the Parley SDK.
// Every failure surfaced by the SDK implements ParleyError, which pairs a
// JSON-RPC error code with classification and per-request context so
// callers can log, convert, and retry without string matching.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// Category groups errors by failure domain for handling and retry policy.
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryConfiguration Category = "configuration"
	CategoryCapability    Category = "capability"
	CategoryTransport     Category = "transport"
	CategoryInternal      Category = "internal"
	CategoryTimeout       Category = "timeout"
	CategoryCancelled     Category = "cancelled"
	CategoryProtocol      Category = "protocol"
)

// Severity ranks how urgently an error needs operator attention.
type Severity string

const (
	// SeverityInfo marks expected conditions surfaced as errors.
	SeverityInfo Severity = "info"

	// SeverityWarning marks degraded but recoverable situations.
	SeverityWarning Severity = "warning"

	// SeverityError marks failures of the current operation.
	SeverityError Severity = "error"

	// SeverityCritical marks failures that compromise the session.
	SeverityCritical Severity = "critical"
)

// Context records where and when an error happened.
type Context struct {
	// Correlation with the session and the message that failed.
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Stage     string `json:"stage,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`

	// Origin within the SDK.
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Parameters map[string]interface{} `json:"parameters,omitempty"` // free-form diagnostic values

	Timestamp time.Time `json:"timestamp"`
}

// ParleyError defines the interface for all Parley SDK errors.
type ParleyError interface {
	error

	// Wire representation: the JSON-RPC error code, the human-readable
	// message, an optional technical detail string, and optional
	// structured data for programmatic handling.
	Code() int
	Message() string
	Details() string
	Data() interface{}

	// Classification for logging and retry decisions.
	Category() Category
	Severity() Severity

	// Context records where and when the error occurred. The With
	// methods return copies; the receiver is never modified.
	Context() *Context
	WithContext(ctx *Context) ParleyError
	WithDetail(detail string) ParleyError
	WithData(data interface{}) ParleyError

	// Unwrap exposes the underlying cause for error chain traversal.
	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map.
	ToJSON() map[string]interface{}
}

// coreError is the one concrete ParleyError implementation. Every
// factory in this package builds one of these.
type coreError struct {
	// Wire-visible parts.
	code    int
	message string
	details string
	data    interface{}

	// Classification and provenance.
	category Category
	severity Severity

	context *Context
	cause   error
}

func newCore(wireCode int, msg string, cat Category, sev Severity, cause error) *coreError {
	return &coreError{
		code:     wireCode,
		message:  msg,
		category: cat,
		severity: sev,
		cause:    cause,
		context:  &Context{Timestamp: time.Now()},
	}
}

// clone returns a shallow copy so the With methods never mutate the
// error they were called on.
func (b *coreError) clone() *coreError {
	dup := *b
	return &dup
}

func (b *coreError) Error() string {
	if b.details == "" {
		return b.message
	}
	return b.message + ": " + b.details
}

func (b *coreError) Code() int          { return b.code }
func (b *coreError) Message() string    { return b.message }
func (b *coreError) Details() string    { return b.details }
func (b *coreError) Data() interface{}  { return b.data }
func (b *coreError) Category() Category { return b.category }
func (b *coreError) Severity() Severity { return b.severity }
func (b *coreError) Context() *Context  { return b.context }
func (b *coreError) Unwrap() error      { return b.cause }

func (b *coreError) WithContext(ctx *Context) ParleyError {
	dup := b.clone()
	dup.context = ctx
	return dup
}

func (b *coreError) WithDetail(detail string) ParleyError {
	dup := b.clone()
	if dup.details == "" {
		dup.details = detail
	} else {
		dup.details = dup.details + "; " + detail
	}
	return dup
}

func (b *coreError) WithData(data interface{}) ParleyError {
	dup := b.clone()
	dup.data = data
	return dup
}

// ToJSON returns the error as a JSON-serializable map. Optional parts
// are omitted rather than serialized as nulls.
func (b *coreError) ToJSON() map[string]interface{} {
	out := map[string]interface{}{
		"code":     b.code,
		"message":  b.message,
		"category": string(b.category),
		"severity": string(b.severity),
	}
	if b.details != "" {
		out["details"] = b.details
	}
	if b.data != nil {
		out["data"] = b.data
	}
	if b.context != nil {
		out["context"] = b.context
	}
	if b.cause != nil {
		out["cause"] = b.cause.Error()
	}
	return out
}

// MarshalJSON serializes the error through ToJSON.
func (b *coreError) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.ToJSON())
}

// NewError builds a ParleyError from its wire code and classification.
func NewError(code int, message string, category Category, severity Severity) ParleyError {
	return newCore(code, message, category, severity, nil)
}

// NewErrorf is NewError with a Sprintf-style message.
func NewErrorf(code int, category Category, severity Severity, format string, args ...interface{}) ParleyError {
	return newCore(code, fmt.Sprintf(format, args...), category, severity, nil)
}

// WrapError attaches Parley classification to an underlying error.
func WrapError(err error, code int, message string, category Category, severity Severity) ParleyError {
	return newCore(code, message, category, severity, err)
}

// WrapErrorf is WrapError with a Sprintf-style message.
func WrapErrorf(err error, code int, category Category, severity Severity, format string, args ...interface{}) ParleyError {
	return newCore(code, fmt.Sprintf(format, args...), category, severity, err)
}

// AsParleyError extracts a ParleyError from anywhere in an error chain.
func AsParleyError(err error) (ParleyError, bool) {
	var parleyErr ParleyError
	if stderrors.As(err, &parleyErr) {
		return parleyErr, true
	}
	return nil, false
}

// IsParleyError reports whether err has a ParleyError in its chain.
func IsParleyError(err error) bool {
	_, ok := AsParleyError(err)
	return ok
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, cat Category) bool {
	if parleyErr, ok := AsParleyError(err); ok {
		return parleyErr.Category() == cat
	}
	return false
}

// IsCode reports whether err carries the given wire code.
func IsCode(err error, want int) bool {
	if parleyErr, ok := AsParleyError(err); ok {
		return parleyErr.Code() == want
	}
	return false
}
