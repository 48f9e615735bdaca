package errors

// Standard JSON-RPC 2.0 error codes, as they appear on the wire.
const (
	CodeParseError     int = -32700 // frame is not decodable JSON
	CodeInvalidRequest int = -32600 // frame is not a valid message object
	CodeMethodNotFound int = -32601 // no handler registered for the method
	CodeInvalidParams  int = -32602 // method parameters failed validation
	CodeInternalError  int = -32603 // internal JSON-RPC failure
)

// Parley-specific error codes.
// The ranges below are stable; peers may rely on exact values.
const (
	// Operation errors (-32300..-32399).
	CodeRequestCancelled int = -32300 // Pending request cancelled by its issuer
	CodeRequestTimeout   int = -32301 // Pending request timed out

	// Capability errors (-32400..-32499).
	CodeCapabilityNotDeclared int = -32400 // Method gated by an undeclared capability
	CodeAlreadyRegistered     int = -32401 // Peer capabilities declared twice

	// Transport errors (-32500..-32599).
	CodeTransportFailure int = -32500 // Unrecoverable transport error
	CodeTransportClosed  int = -32501 // Transport closed while messages were outstanding

	// Configuration errors (-32750..-32799).
	CodeConfigurationRequired int = -32750 // Non-configuration message while configuration pending
	CodeConfigurationRejected int = -32751 // Configuration payload failed validation
	CodeConfigurationConflict int = -32752 // Configuration already accepted for this session

	// Protocol errors (-32900..-32999).
	CodeProtocolError     int = -32900 // Generic protocol violation
	CodeVersionRejected   int = -32901 // Protocol version negotiation failed
	CodeOutOfOrderMessage int = -32902 // Message illegal for the current lifecycle stage
)

// ErrorCodeInfo describes one registered error code.
type ErrorCodeInfo struct {
	Code        int      // wire value
	Name        string   // stable registry name
	Description string   // one-line human summary
	Category    Category // classification applied by the factories
	Severity    Severity
}

// errorCodeTable holds every registered code, ordered by code range.
var errorCodeTable = []ErrorCodeInfo{
	{Code: CodeParseError, Name: "ParseError", Description: "Frame is not decodable JSON", Category: CategoryProtocol, Severity: SeverityError},
	{Code: CodeInvalidRequest, Name: "InvalidRequest", Description: "Frame is not a valid message object", Category: CategoryProtocol, Severity: SeverityError},
	{Code: CodeMethodNotFound, Name: "MethodNotFound", Description: "No handler registered for the method", Category: CategoryProtocol, Severity: SeverityError},
	{Code: CodeInvalidParams, Name: "InvalidParams", Description: "Method parameters failed validation", Category: CategoryValidation, Severity: SeverityError},
	{Code: CodeInternalError, Name: "InternalError", Description: "Internal JSON-RPC failure", Category: CategoryInternal, Severity: SeverityError},

	{Code: CodeRequestCancelled, Name: "RequestCancelled", Description: "Request cancelled by its issuer", Category: CategoryCancelled, Severity: SeverityInfo},
	{Code: CodeRequestTimeout, Name: "RequestTimeout", Description: "Request did not complete in time", Category: CategoryTimeout, Severity: SeverityError},

	{Code: CodeCapabilityNotDeclared, Name: "CapabilityNotDeclared", Description: "Method gated by an undeclared capability", Category: CategoryCapability, Severity: SeverityError},
	{Code: CodeAlreadyRegistered, Name: "AlreadyRegistered", Description: "Peer capabilities declared twice", Category: CategoryCapability, Severity: SeverityError},

	{Code: CodeTransportFailure, Name: "TransportFailure", Description: "Transport failed while carrying traffic", Category: CategoryTransport, Severity: SeverityCritical},
	{Code: CodeTransportClosed, Name: "TransportClosed", Description: "Transport closed beneath the session", Category: CategoryTransport, Severity: SeverityError},

	{Code: CodeConfigurationRequired, Name: "ConfigurationRequired", Description: "Configuration must be accepted first", Category: CategoryConfiguration, Severity: SeverityError},
	{Code: CodeConfigurationRejected, Name: "ConfigurationRejected", Description: "Configuration payload rejected", Category: CategoryConfiguration, Severity: SeverityError},
	{Code: CodeConfigurationConflict, Name: "ConfigurationConflict", Description: "Configuration already accepted", Category: CategoryConfiguration, Severity: SeverityError},

	{Code: CodeProtocolError, Name: "ProtocolError", Description: "Generic protocol violation", Category: CategoryProtocol, Severity: SeverityError},
	{Code: CodeVersionRejected, Name: "VersionRejected", Description: "No mutually supported protocol version", Category: CategoryProtocol, Severity: SeverityError},
	{Code: CodeOutOfOrderMessage, Name: "OutOfOrderMessage", Description: "Message illegal for the current stage", Category: CategoryProtocol, Severity: SeverityError},
}

var errorCodeRegistry = func() map[int]ErrorCodeInfo {
	m := make(map[int]ErrorCodeInfo, len(errorCodeTable))
	for _, ec := range errorCodeTable {
		m[ec.Code] = ec
	}
	return m
}()

// GetErrorCodeInfo looks up the registry entry for a code.
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	ec, ok := errorCodeRegistry[code]
	return ec, ok
}

// GetErrorCodeName returns the registered name of an error code, or
// "UnknownError" for codes outside the registry.
func GetErrorCodeName(code int) string {
	if ec, ok := GetErrorCodeInfo(code); ok {
		return ec.Name
	}
	return "UnknownError"
}

// GetErrorCodeDescription returns the registered one-line summary.
func GetErrorCodeDescription(code int) string {
	if ec, ok := GetErrorCodeInfo(code); ok {
		return ec.Description
	}
	return "Unknown error"
}

// GetErrorCodeCategory returns the category a code is registered under.
func GetErrorCodeCategory(code int) Category {
	if ec, ok := GetErrorCodeInfo(code); ok {
		return ec.Category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity a code is registered under.
func GetErrorCodeSeverity(code int) Severity {
	if ec, ok := GetErrorCodeInfo(code); ok {
		return ec.Severity
	}
	return SeverityError
}

// ListErrorCodes returns all registered error codes in declaration order.
func ListErrorCodes() []ErrorCodeInfo {
	out := make([]ErrorCodeInfo, len(errorCodeTable))
	copy(out, errorCodeTable)
	return out
}

// IsStandardJSONRPCCode reports whether a code belongs to the JSON-RPC
// 2.0 base set rather than a Parley range.
func IsStandardJSONRPCCode(code int) bool {
	switch code {
	case CodeParseError, CodeInvalidRequest, CodeMethodNotFound,
		CodeInvalidParams, CodeInternalError:
		return true
	default:
		return false
	}
}

// IsProtocolViolation checks if a code reports a message illegal for the
// session's current state rather than an application failure
func IsProtocolViolation(code int) bool {
	switch code {
	case CodeProtocolError, CodeVersionRejected, CodeOutOfOrderMessage,
		CodeConfigurationRequired, CodeCapabilityNotDeclared:
		return true
	}
	return false
}
