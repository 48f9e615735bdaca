package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	// JSONRPCVersion is the only protocol revision this package speaks.
	JSONRPCVersion = "2.0"
)

// ErrorCode is a numeric JSON-RPC 2.0 error code.
type ErrorCode int

// Error codes reserved by the JSON-RPC 2.0 specification.
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
)

// JSONRPCMessage carries the version field common to every frame.
type JSONRPCMessage struct {
	JSONRPC string `json:"jsonrpc"`
}

// protocolHeader stamps the fixed version onto outgoing messages.
var protocolHeader = JSONRPCMessage{JSONRPC: JSONRPCVersion}

// encodeValue marshals v for embedding as a raw field. A nil v yields a
// nil RawMessage so omitempty drops the field from the wire form.
func encodeValue(label string, v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", label, err)
	}
	return raw, nil
}

// Request is a call expecting a correlated Response.
type Request struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request, encoding params when non-nil.
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	raw, err := encodeValue("params", params)
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPCMessage: protocolHeader,
		ID:             id,
		Method:         method,
		Params:         raw,
	}, nil
}

// Response answers a Request. A well-formed response carries exactly one
// of Result or Error.
type Response struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewResponse builds a success response, encoding result when non-nil.
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	raw, err := encodeValue("result", result)
	if err != nil {
		return nil, err
	}
	return &Response{
		JSONRPCMessage: protocolHeader,
		ID:             id,
		Result:         raw,
	}, nil
}

// NewErrorResponse builds a failure response, encoding the optional data
// payload when non-nil.
func NewErrorResponse(id interface{}, code ErrorCode, message string, data interface{}) (*Response, error) {
	wireErr := &Error{Code: code, Message: message}
	raw, err := encodeValue("error data", data)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		wireErr.Data = raw
	}
	return &Response{
		JSONRPCMessage: protocolHeader,
		ID:             id,
		Error:          wireErr,
	}, nil
}

// Notification is a one-way message; no reply is ever sent for it.
type Notification struct {
	JSONRPCMessage
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewNotification builds a notification, encoding params when non-nil.
func NewNotification(method string, params interface{}) (*Notification, error) {
	raw, err := encodeValue("params", params)
	if err != nil {
		return nil, err
	}
	return &Notification{
		JSONRPCMessage: protocolHeader,
		Method:         method,
		Params:         raw,
	}, nil
}

// Error is the wire error object embedded in failed responses.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface. A nil error formats as the empty
// string so call sites can print it unconditionally.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("jsonrpc: code %d, message: %s", e.Code, e.Message)
}

// MessageKind identifies the shape of a raw JSON-RPC payload.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindResponse
	KindNotification
)

// String returns the kind name used in logs and errors.
func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// envelope probes the fields that distinguish message kinds. RawMessage
// fields keep absent distinguishable from null.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// Classify determines whether data carries a request, a response, or a
// notification. Exactly one kind matches a well-formed message; every other
// shape yields KindInvalid and a descriptive error. Classification has no
// side effects.
func Classify(data []byte) (MessageKind, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return KindInvalid, fmt.Errorf("invalid JSON: %w", err)
	}
	if env.JSONRPC != JSONRPCVersion {
		return KindInvalid, fmt.Errorf("jsonrpc field is %q, want %q", env.JSONRPC, JSONRPCVersion)
	}

	hasID := len(env.ID) > 0 && string(env.ID) != "null"
	hasResult := len(env.Result) > 0
	hasError := len(env.Error) > 0 && string(env.Error) != "null"

	switch {
	case env.Method != "":
		if hasResult || hasError {
			return KindInvalid, fmt.Errorf("message mixes method %q with result or error", env.Method)
		}
		if !hasID {
			return KindNotification, nil
		}
		if !validRequestID(env.ID) {
			return KindInvalid, fmt.Errorf("request id must be a string or number, got %s", env.ID)
		}
		return KindRequest, nil
	case hasResult && hasError:
		return KindInvalid, fmt.Errorf("response carries both result and error")
	case hasResult || hasError:
		// An error response to an unparseable request legally carries a
		// null id; it classifies as a response and is simply uncorrelatable.
		if len(env.ID) == 0 {
			return KindInvalid, fmt.Errorf("response is missing an id")
		}
		return KindResponse, nil
	default:
		return KindInvalid, fmt.Errorf("message is neither request, response, nor notification")
	}
}

func validRequestID(raw json.RawMessage) bool {
	var id interface{}
	if err := json.Unmarshal(raw, &id); err != nil {
		return false
	}
	switch id.(type) {
	case string, float64:
		return true
	default:
		return false
	}
}

// IsRequest reports whether data classifies as a request.
func IsRequest(data []byte) bool {
	kind, err := Classify(data)
	return err == nil && kind == KindRequest
}

// IsResponse reports whether data classifies as a response.
func IsResponse(data []byte) bool {
	kind, err := Classify(data)
	return err == nil && kind == KindResponse
}

// IsNotification reports whether data classifies as a notification.
func IsNotification(data []byte) bool {
	kind, err := Classify(data)
	return err == nil && kind == KindNotification
}
