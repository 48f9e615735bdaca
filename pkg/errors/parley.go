package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// CapabilityErrorData contains structured data for capability-related errors
type CapabilityErrorData struct {
	Capability string `json:"capability"`
	Peer       string `json:"peer,omitempty"`
	Method     string `json:"method,omitempty"`
	Declared   bool   `json:"declared"`
	Reason     string `json:"reason,omitempty"`
}

// ConfigurationErrorData contains structured data for configuration errors
type ConfigurationErrorData struct {
	MissingKeys []string `json:"missing_keys,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Retryable   bool     `json:"retryable"`
}

// SequenceErrorData contains structured data for message-ordering errors
type SequenceErrorData struct {
	Stage  string `json:"stage"`
	Method string `json:"method,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// VersionErrorData contains structured data for version negotiation errors
type VersionErrorData struct {
	Requested string   `json:"requested"`
	Supported []string `json:"supported,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// OperationErrorData contains structured data for dispatcher-local errors
type OperationErrorData struct {
	Method    string `json:"method,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Message Errors

// MalformedMessage creates an error for payloads that fail classification.
// Undecodable JSON maps to the parse error code; a decoded payload with an
// invalid shape maps to the invalid request code.
func MalformedMessage(cause error) ParleyError {
	code := CodeInvalidRequest
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(cause, &syntaxErr) || stderrors.As(cause, &typeErr) {
		code = CodeParseError
	}

	message := "Malformed message"
	if cause != nil {
		message = fmt.Sprintf("Malformed message: %s", cause.Error())
	}

	return WrapError(
		cause,
		code,
		message,
		CategoryProtocol,
		SeverityError,
	)
}

// Protocol Errors

// ProtocolViolation creates a generic protocol error
func ProtocolViolation(reason string) ParleyError {
	return NewError(
		CodeProtocolError,
		fmt.Sprintf("Protocol error: %s", reason),
		CategoryProtocol,
		SeverityError,
	)
}

// VersionRejected creates an error for failed protocol version negotiation
func VersionRejected(requested string, supported []string) ParleyError {
	return NewError(
		CodeVersionRejected,
		fmt.Sprintf("Protocol version %q rejected", requested),
		CategoryProtocol,
		SeverityError,
	).WithData(&VersionErrorData{
		Requested: requested,
		Supported: supported,
		Reason:    "version not negotiable",
	})
}

// OutOfOrderMessage creates an error for messages illegal in the current
// lifecycle stage
func OutOfOrderMessage(method, stage string) ParleyError {
	return NewError(
		CodeOutOfOrderMessage,
		fmt.Sprintf("Method %q is not legal during %s", method, stage),
		CategoryProtocol,
		SeverityError,
	).WithData(&SequenceErrorData{
		Stage:  stage,
		Method: method,
		Reason: "message out of order",
	})
}

// Configuration Errors

// ConfigurationRequired creates an error for messages received while a
// required configuration is still pending
func ConfigurationRequired(method string) ParleyError {
	return NewError(
		CodeConfigurationRequired,
		fmt.Sprintf("Method %q refused: configuration required before operation", method),
		CategoryConfiguration,
		SeverityError,
	).WithData(&ConfigurationErrorData{
		Reason:    "configuration pending",
		Retryable: true,
	})
}

// ConfigurationRejected creates an error for configuration payloads that
// failed validation. The missing keys, if any, are carried as structured data
// so the client can repair and retry.
func ConfigurationRejected(reason string, missingKeys []string) ParleyError {
	return NewError(
		CodeConfigurationRejected,
		fmt.Sprintf("Configuration rejected: %s", reason),
		CategoryConfiguration,
		SeverityError,
	).WithData(&ConfigurationErrorData{
		MissingKeys: missingKeys,
		Reason:      reason,
		Retryable:   true,
	})
}

// ConfigurationConflict creates an error for configuration submissions after
// one was already accepted
func ConfigurationConflict() ParleyError {
	return NewError(
		CodeConfigurationConflict,
		"Configuration already accepted for this session",
		CategoryConfiguration,
		SeverityError,
	).WithData(&ConfigurationErrorData{
		Reason:    "configuration is single-set",
		Retryable: false,
	})
}

// Capability Errors

// CapabilityNotDeclared creates an error for methods gated by a capability
// the owning peer never declared
func CapabilityNotDeclared(capability, peer, method string) ParleyError {
	return NewError(
		CodeCapabilityNotDeclared,
		fmt.Sprintf("Capability %q was not declared by the %s", capability, peer),
		CategoryCapability,
		SeverityError,
	).WithData(&CapabilityErrorData{
		Capability: capability,
		Peer:       peer,
		Method:     method,
		Declared:   false,
	})
}

// AlreadyRegistered creates an error for repeated capability registration
func AlreadyRegistered(peer string) ParleyError {
	return NewError(
		CodeAlreadyRegistered,
		fmt.Sprintf("Capabilities for the %s are already registered", peer),
		CategoryCapability,
		SeverityError,
	).WithData(&CapabilityErrorData{
		Peer:     peer,
		Declared: true,
		Reason:   "capabilities are write-once per session",
	})
}

// Operation Errors

// RequestCancelled creates an error resolving a pending request that was
// cancelled by its issuer
func RequestCancelled(method string, requestID interface{}) ParleyError {
	return NewError(
		CodeRequestCancelled,
		fmt.Sprintf("Request %q was cancelled", method),
		CategoryCancelled,
		SeverityInfo,
	).WithData(&OperationErrorData{
		Method:    method,
		RequestID: fmt.Sprintf("%v", requestID),
		Reason:    "cancelled by issuer",
		Retryable: false,
	})
}

// RequestTimeout creates an error resolving a pending request whose deadline
// elapsed
func RequestTimeout(method string, timeout time.Duration) ParleyError {
	return NewError(
		CodeRequestTimeout,
		fmt.Sprintf("Request %q timed out after %s", method, timeout),
		CategoryTimeout,
		SeverityError,
	).WithData(&OperationErrorData{
		Method:    method,
		Reason:    fmt.Sprintf("no response within %s", timeout),
		Retryable: true,
	})
}

// MethodNotFoundError creates an error for requests naming an unregistered
// method
func MethodNotFoundError(method string) ParleyError {
	return NewErrorf(
		CodeMethodNotFound,
		CategoryProtocol,
		SeverityError,
		"Method %q not found",
		method,
	)
}

// InvalidParamsError creates an error for requests whose params failed to
// decode or validate
func InvalidParamsError(method string, cause error) ParleyError {
	message := fmt.Sprintf("Invalid params for %q", method)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return WrapError(
		cause,
		CodeInvalidParams,
		message,
		CategoryValidation,
		SeverityError,
	)
}

// InternalErrorf creates an internal error with a formatted message
func InternalErrorf(format string, args ...interface{}) ParleyError {
	return NewErrorf(
		CodeInternalError,
		CategoryInternal,
		SeverityCritical,
		format,
		args...,
	)
}
