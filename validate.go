package jrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// IsRequest reports whether the message is a request or notification, which
// means it carries a method name. Notifications are a subset of requests.
func (m Message) IsRequest() bool {
	return m.Method != ""
}

// IsNotification reports whether the message is a request without an id.
func (m Message) IsNotification() bool {
	return m.IsRequest() && m.ID == nil
}

// IsResponse reports whether the message is a result or error response: it
// carries an id and exactly one of Result or Error, and no method.
func (m Message) IsResponse() bool {
	if m.Method != "" || m.ID == nil {
		return false
	}
	hasResult := m.Result != nil
	hasError := m.Error != nil
	return hasResult != hasError
}

// ValidateRequest checks that raw is a structurally valid JSON-RPC request
// or notification: a JSON object with jsonrpc set to "2.0", a string method,
// an id (if present) that is a string or integer, and params (if present)
// that is an object or array.
func ValidateRequest(raw json.RawMessage) error {
	fields, err := objectFields(raw)
	if err != nil {
		return err
	}
	if err := checkVersion(fields); err != nil {
		return err
	}

	method, ok := fields["method"]
	if !ok {
		return fmt.Errorf("missing method field")
	}
	var methodName string
	if err := json.Unmarshal(method, &methodName); err != nil {
		return fmt.Errorf("method must be a string")
	}
	if methodName == "" {
		return fmt.Errorf("method must not be empty")
	}

	if id, ok := fields["id"]; ok {
		if err := checkID(id); err != nil {
			return err
		}
	}

	if params, ok := fields["params"]; ok {
		trimmed := bytes.TrimSpace(params)
		if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
			return fmt.Errorf("params must be an object or array")
		}
	}

	return nil
}

// ValidateResponse checks that raw is a structurally valid JSON-RPC
// response: a JSON object with jsonrpc set to "2.0", an id that is a string,
// integer, or null, and exactly one of result or error. An error member must
// be an object with an integer code and a string message.
func ValidateResponse(raw json.RawMessage) error {
	fields, err := objectFields(raw)
	if err != nil {
		return err
	}
	if err := checkVersion(fields); err != nil {
		return err
	}

	id, ok := fields["id"]
	if !ok {
		return fmt.Errorf("missing id field")
	}
	if !bytes.Equal(bytes.TrimSpace(id), []byte("null")) {
		if err := checkID(id); err != nil {
			return err
		}
	}

	_, hasResult := fields["result"]
	errField, hasError := fields["error"]
	if hasResult == hasError {
		return fmt.Errorf("response must have exactly one of result or error")
	}

	if hasError {
		var e struct {
			Code    *int    `json:"code"`
			Message *string `json:"message"`
		}
		if err := json.Unmarshal(errField, &e); err != nil {
			return fmt.Errorf("error must be an object")
		}
		if e.Code == nil {
			return fmt.Errorf("error must have an integer code")
		}
		if e.Message == nil {
			return fmt.Errorf("error must have a string message")
		}
	}

	return nil
}

func objectFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("message must be a JSON object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("message must be a JSON object: %w", err)
	}
	return fields, nil
}

func checkVersion(fields map[string]json.RawMessage) error {
	ver, ok := fields["jsonrpc"]
	if !ok {
		return fmt.Errorf("missing jsonrpc field")
	}
	var v string
	if err := json.Unmarshal(ver, &v); err != nil || v != Version {
		return fmt.Errorf("jsonrpc must be %q", Version)
	}
	return nil
}

func checkID(raw json.RawMessage) error {
	var id RequestID
	if err := id.UnmarshalJSON(raw); err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	if id.IsNull() {
		return fmt.Errorf("id must not be null")
	}
	return nil
}

// salvageID extracts the id from a malformed message so an error response
// can still be correlated. Returns nil when no usable id is present.
func salvageID(raw json.RawMessage) *RequestID {
	var probe struct {
		ID *RequestID `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	if probe.ID == nil || probe.ID.IsNull() {
		return nil
	}
	return probe.ID
}
