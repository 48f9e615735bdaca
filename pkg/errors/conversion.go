package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/parleyproto/parley-go/pkg/protocol"
)

// ToJSONRPCResponse renders any error as a JSON-RPC error response with
// the given request id. Non-Parley errors map to the internal error code.
func ToJSONRPCResponse(err error, requestID interface{}) (*protocol.Response, error) {
	if err == nil {
		return nil, fmt.Errorf("nil error cannot become an error response")
	}

	if parleyErr, ok := AsParleyError(err); ok {
		return protocol.NewErrorResponse(requestID, protocol.ErrorCode(parleyErr.Code()), parleyErr.Message(), parleyErr.Data())
	}

	return protocol.NewErrorResponse(requestID, protocol.InternalError, err.Error(), nil)
}

// ToJSONRPCError renders any error as a wire error object, nil for nil.
func ToJSONRPCError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	if parleyErr, ok := AsParleyError(err); ok {
		return &protocol.Error{
			Code:    protocol.ErrorCode(parleyErr.Code()),
			Message: parleyErr.Message(),
			Data:    parleyErr.Data(),
		}
	}

	return &protocol.Error{Code: protocol.InternalError, Message: err.Error()}
}

// FromJSONRPCError rebuilds a ParleyError from a wire error object. The
// category and severity come from the code registry.
func FromJSONRPCError(wire *protocol.Error) ParleyError {
	if wire == nil {
		return nil
	}

	code := int(wire.Code)
	err := NewError(code, wire.Message, GetErrorCodeCategory(code), GetErrorCodeSeverity(code))
	if wire.Data != nil {
		err = err.WithData(wire.Data)
	}
	return err
}

// WrapProtocolError attaches method and request correlation to an error.
// Parley errors keep their identity; anything else becomes an internal
// error.
func WrapProtocolError(err error, method string, requestID interface{}) ParleyError {
	if err == nil {
		return nil
	}

	errCtx := &Context{Method: method, RequestID: fmt.Sprintf("%v", requestID)}

	if parleyErr, ok := AsParleyError(err); ok {
		return parleyErr.WithContext(errCtx)
	}

	return WrapError(err, CodeInternalError, "Error processing "+method,
		CategoryInternal, SeverityError).WithContext(errCtx)
}

// ConvertStandardError maps well-known Go errors onto Parley codes:
// context cancellation, deadlines, and JSON decode failures each get
// their matching code.
func ConvertStandardError(err error) ParleyError {
	if err == nil {
		return nil
	}

	if parleyErr, ok := AsParleyError(err); ok {
		return parleyErr
	}

	if stderrors.Is(err, context.Canceled) {
		return RequestCancelled("request", nil)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return WrapError(err, CodeRequestTimeout, "Request timed out", CategoryTimeout, SeverityError)
	}

	var syntaxErr *json.SyntaxError
	if stderrors.As(err, &syntaxErr) {
		return WrapError(err, CodeParseError, "Invalid JSON", CategoryProtocol, SeverityError)
	}
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &typeErr) {
		return WrapError(err, CodeInvalidParams, "Invalid parameter type", CategoryValidation, SeverityError)
	}

	return WrapError(err, CodeInternalError, "Internal error",
		CategoryInternal, SeverityError)
}

// CombineErrors folds a slice of errors into one. Nils are dropped; a
// single survivor converts directly; several become an internal error
// whose data carries each one.
func CombineErrors(errs []error) ParleyError {
	valid := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			valid = append(valid, err)
		}
	}

	switch len(valid) {
	case 0:
		return nil
	case 1:
		return ConvertStandardError(valid[0])
	}

	texts := make([]string, len(valid))
	details := make([]interface{}, len(valid))
	for i, err := range valid {
		texts[i] = err.Error()
		if parleyErr, ok := AsParleyError(err); ok {
			details[i] = parleyErr.ToJSON()
		} else {
			details[i] = map[string]interface{}{
				"message": err.Error(),
				"type":    fmt.Sprintf("%T", err),
			}
		}
	}

	return NewError(CodeInternalError,
		fmt.Sprintf("Multiple errors occurred: %v", texts),
		CategoryInternal, SeverityError,
	).WithData(map[string]interface{}{
		"errors": details,
		"count":  len(valid),
	})
}

// withDetails appends details to a base message when present.
func withDetails(base, details string) string {
	if details == "" {
		return base
	}
	return base + ": " + details
}

// CreateParseError builds the standard error for an undecodable frame.
func CreateParseError(details string) ParleyError {
	return NewError(CodeParseError, withDetails("Parse error", details),
		CategoryProtocol, SeverityError).WithDetail(details)
}

// CreateInvalidRequestError builds the standard error for a frame that
// decodes but violates message shape rules.
func CreateInvalidRequestError(details string) ParleyError {
	return NewError(CodeInvalidRequest, withDetails("Invalid Request", details),
		CategoryProtocol, SeverityError).WithDetail(details)
}

// CreateInternalError wraps a fault in the internal error code, tagging
// the failed operation when named.
func CreateInternalError(operation string, cause error) ParleyError {
	message := "Internal error"
	if operation != "" {
		message += " during " + operation
	}

	err := WrapError(cause, CodeInternalError, message, CategoryInternal, SeverityError)
	if operation != "" {
		err = err.WithContext(&Context{Operation: operation})
	}
	return err
}

// IsRetryableError reports whether the caller may reasonably retry the
// failed operation.
func IsRetryableError(err error) bool {
	parleyErr, ok := AsParleyError(err)
	if !ok {
		return stderrors.Is(err, context.DeadlineExceeded)
	}

	// Structured data knows best
	switch data := parleyErr.Data().(type) {
	case *OperationErrorData:
		return data.Retryable
	case *ConfigurationErrorData:
		return data.Retryable
	case *TransportErrorData:
		return data.Retryable
	case map[string]interface{}:
		// Errors decoded from the wire carry their data as a generic map
		if retryable, ok := data["retryable"].(bool); ok {
			return retryable
		}
	}

	switch parleyErr.Code() {
	case CodeRequestTimeout, CodeConfigurationRequired, CodeConfigurationRejected:
		return true
	case CodeRequestCancelled, CodeMethodNotFound, CodeInvalidParams,
		CodeCapabilityNotDeclared, CodeAlreadyRegistered, CodeVersionRejected,
		CodeConfigurationConflict, CodeTransportFailure:
		return false
	}

	return parleyErr.Category() == CategoryTimeout
}
