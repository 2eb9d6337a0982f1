// Package rpc implements the request/response control plane between the
// host and the database worker.
//
// A single bidirectional JSON stream carries three frame kinds: requests
// {id, method, params}, responses {id, result | error}, and worker log
// frames {type: "log", ...}. Responses are correlated to requests by id
// alone and may arrive in any order.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Frame type markers. Requests and responses carry no type field; a frame
// with Type == "log" is a worker log record.
const frameTypeLog = "log"

// Request is an outbound call envelope.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is an inbound result envelope.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the serialized form of a handler failure.
type WireError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Stack   string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *WireError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// LogFrame is a worker log record forwarded to the host console.
// Log frames are never matched to pending calls.
type LogFrame struct {
	Type    string         `json:"type"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Args    map[string]any `json:"args,omitempty"`
}

// frame is the union decode target for one inbound message.
type frame struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
	Level   string          `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`
	Args    map[string]any  `json:"args,omitempty"`
}

func (f *frame) isLog() bool { return f.Type == frameTypeLog }
