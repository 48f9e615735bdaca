package errors

// TransportErrorData is the structured payload attached to transport
// faults.
type TransportErrorData struct {
	Transport string `json:"transport"`
	Operation string `json:"operation,omitempty"`
	Connected bool   `json:"connected"`
	Retryable bool   `json:"retryable"`
	Reason    string `json:"reason,omitempty"`
}

// TransportFailure reports an unrecoverable transport fault. These drive
// the owning session to its failed state.
func TransportFailure(kind, op string, cause error) ParleyError {
	message := kind + " transport failure"
	if op != "" {
		message += " during " + op
	}
	var reason string
	if cause != nil {
		reason = cause.Error()
		message += ": " + reason
	}

	return WrapError(cause, CodeTransportFailure, message, CategoryTransport, SeverityCritical).
		WithData(&TransportErrorData{
			Transport: kind,
			Operation: op,
			Reason:    reason,
		})
}

// TransportClosed reports an operation attempted on a transport that has
// already been closed.
func TransportClosed(kind string) ParleyError {
	return NewError(CodeTransportClosed, kind+" transport is closed", CategoryTransport, SeverityError).
		WithData(&TransportErrorData{
			Transport: kind,
			Reason:    "closed",
		})
}
