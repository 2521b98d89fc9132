// Package cdp defines the Chrome DevTools Protocol wire envelope the relay
// exchanges with clients, plus the stable error codes it surfaces.
package cdp

import (
	"encoding/json"
	"fmt"
)

// Stable error codes surfaced to clients.
const (
	// CodeServerError carries extension-reported failures verbatim.
	CodeServerError = -32000
	// CodeSessionNotFound rejects frames addressed to an unknown sessionId.
	CodeSessionNotFound = -32001
	// CodeInvalidRequest rejects frames that are not well-formed commands.
	CodeInvalidRequest = -32600
	// CodeMethodNotFound rejects methods the relay does not support.
	CodeMethodNotFound = -32601
	// CodeInvalidParams rejects commands whose params are missing or
	// malformed.
	CodeInvalidParams = -32602
	// CodeInternalError covers relay infrastructure failures: extension not
	// connected, command timeout, connection gone.
	CodeInternalError = -32603
)

// Message is a single CDP frame: a command (id+method), a response
// (id+result|error), or an event (method only).
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Error is the CDP error object attached to failed responses.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// IsCommand reports whether the frame is a client command awaiting a
// response.
func (m *Message) IsCommand() bool {
	return m.ID != 0 && m.Method != ""
}

// EmptyResult is the canonical empty success payload.
var EmptyResult = json.RawMessage(`{}`)

// NewResponse builds a success response for a command. A nil result is
// normalized to the empty object so the frame always carries one.
func NewResponse(id int64, sessionID string, result json.RawMessage) Message {
	if len(result) == 0 {
		result = EmptyResult
	}
	return Message{ID: id, Result: result, SessionID: sessionID}
}

// NewErrorResponse builds a failed response for a command.
func NewErrorResponse(id int64, sessionID string, code int, message string) Message {
	return Message{ID: id, Error: &Error{Code: code, Message: message}, SessionID: sessionID}
}

// NewEvent builds an event frame, marshaling params in place.
func NewEvent(method string, params any, sessionID string) (Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return Message{Method: method, Params: raw, SessionID: sessionID}, nil
}

// Encode marshals the frame for the wire.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal cdp frame: %w", err)
	}
	return b, nil
}
