package jrpc

import (
	"encoding/json"
	"fmt"
)

const (
	// Version specifies the JSON-RPC protocol version used for communication.
	Version = "2.0"

	// MethodInitialize is the reserved method name for the session handshake.
	// The first successful initialize exchange moves an Endpoint from the
	// uninitialized to the initialized state.
	MethodInitialize = "initialize"
	// MethodCancelRequest is the reserved notification method that requests
	// cooperative cancellation of an in-flight request by id.
	MethodCancelRequest = "$/cancelRequest"
	// MethodProgress is the reserved notification method carrying progress
	// updates for a request that supplied a progress token.
	MethodProgress = "$/progress"
)

// Standard JSON-RPC error codes, plus the cancellation extension.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeRequestCancelled = -32800
)

// RequestID is the correlation id linking a request to its response. The
// wire representation is either a JSON string or an integer; the zero value
// marshals to null, which is used on error responses that cannot be
// correlated to any request.
type RequestID struct {
	value any
}

// StringID returns a RequestID carrying the given string.
func StringID(s string) RequestID { return RequestID{value: s} }

// IntID returns a RequestID carrying the given integer.
func IntID(n int64) RequestID { return RequestID{value: n} }

// NullID returns the id that marshals to JSON null.
func NullID() RequestID { return RequestID{} }

// IsNull reports whether the id carries no value.
func (id RequestID) IsNull() bool { return id.value == nil }

// Value returns the underlying string or int64, or nil for the null id.
func (id RequestID) Value() any { return id.value }

func (id RequestID) String() string {
	if id.value == nil {
		return ""
	}
	return fmt.Sprintf("%v", id.value)
}

// key returns a stable map key that keeps string ids and integer ids from
// colliding ("1" vs 1).
func (id RequestID) key() string {
	switch v := id.value.(type) {
	case string:
		return "s:" + v
	case int64:
		return fmt.Sprintf("i:%d", v)
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler, preserving the wire type of the id.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler, accepting strings, integers,
// and null. Any other JSON value is rejected.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case nil:
		id.value = nil
	case string:
		id.value = v
	case float64:
		if v != float64(int64(v)) {
			return fmt.Errorf("id must be a string or integer, got %v", v)
		}
		id.value = int64(v)
	default:
		return fmt.Errorf("id must be a string or integer, got %T", v)
	}
	return nil
}

// Message represents a JSON-RPC 2.0 message. It can represent a request, a
// response, or a notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and optionally Params are set
//   - Notification: as a request, but without an ID
//   - Response: JSONRPC, ID, and exactly one of Result or Error are set
type Message struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID correlates request-response pairs. A nil ID marks a notification;
	// a non-nil null ID appears only on uncorrelatable error responses.
	ID *RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the method parameters as a raw JSON value.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON value.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *Error `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object. It implements the error
// interface so handlers can return it directly; the Dispatcher converts any
// other error into an internal error response.
type Error struct {
	// Code indicates the error type that occurred. Standard codes are the
	// Code* constants; applications may use any other integer code.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data carries additional unstructured information about the error.
	Data json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("request error, code: %d, message: %s, data: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
}

// Errorf builds an Error with the given code and formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func stdError(code int) *Error {
	msg := "Server error"
	switch code {
	case CodeParseError:
		msg = "Parse error"
	case CodeInvalidRequest:
		msg = "Invalid Request"
	case CodeMethodNotFound:
		msg = "Method not found"
	case CodeInvalidParams:
		msg = "Invalid params"
	case CodeInternalError:
		msg = "Internal error"
	case CodeRequestCancelled:
		msg = "Request cancelled"
	}
	return &Error{Code: code, Message: msg}
}

// NewRequest builds a request message with the given id, method, and params.
// A nil id produces a notification. Params may be nil (omitted on the wire),
// a json.RawMessage, or any value marshalable to a JSON object or array;
// scalar params are rejected.
func NewRequest(id *RequestID, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a notification message: a request without an id.
func NewNotification(method string, params any) (Message, error) {
	return NewRequest(nil, method, params)
}

// NewResult builds a successful response to the request with the given id.
// The result may be any marshalable value, including nil for a null result.
func NewResult(id *RequestID, result any) (Message, error) {
	raw, err := marshalResult(result)
	if err != nil {
		return Message{}, err
	}
	return Message{
		JSONRPC: Version,
		ID:      id,
		Result:  raw,
	}, nil
}

// NewError builds an error response. A nil id produces a response with a
// null id, used when no id could be salvaged from the offending message.
func NewError(id *RequestID, rpcErr *Error) Message {
	if id == nil {
		id = &RequestID{}
	}
	return Message{
		JSONRPC: Version,
		ID:      id,
		Error:   rpcErr,
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	var raw json.RawMessage
	switch p := params.(type) {
	case json.RawMessage:
		raw = p
	default:
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = bs
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] != '{' && raw[0] != '[' {
		return nil, fmt.Errorf("params must be a JSON object or array")
	}
	return raw, nil
}

func marshalResult(result any) (json.RawMessage, error) {
	switch r := result.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(r) == 0 {
			return json.RawMessage("null"), nil
		}
		return r, nil
	default:
		bs, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		return bs, nil
	}
}

// paramsMeta mirrors the conventional _meta envelope that carries a progress
// token alongside request parameters.
type paramsMeta struct {
	Meta struct {
		ProgressToken *RequestID `json:"progressToken"`
	} `json:"_meta"`
}

func progressTokenFromParams(params json.RawMessage) *RequestID {
	if len(params) == 0 {
		return nil
	}
	var meta paramsMeta
	if err := json.Unmarshal(params, &meta); err != nil {
		return nil
	}
	if meta.Meta.ProgressToken == nil || meta.Meta.ProgressToken.IsNull() {
		return nil
	}
	return meta.Meta.ProgressToken
}

// progressParams is the payload of a $/progress notification.
type progressParams struct {
	ProgressToken *RequestID      `json:"progressToken"`
	Value         json.RawMessage `json:"value,omitempty"`
}

// cancelParams is the payload of a $/cancelRequest notification.
type cancelParams struct {
	ID *RequestID `json:"id"`
}
