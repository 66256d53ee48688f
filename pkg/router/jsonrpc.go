package router

import (
	"bytes"
	"encoding/json"
	"errors"
)

// JSON-RPC and MCP error codes returned to clients.
const (
	CodeParseError          int64 = -32700
	CodeInvalidRequest      int64 = -32600
	CodeMethodNotFound      int64 = -32601
	CodeInvalidParams       int64 = -32602
	CodeInternalError       int64 = -32603
	CodeUpstreamUnavailable int64 = -32001
	CodeRequestTimeout      int64 = -32002
	CodeRequestCancelled    int64 = -32800
)

var nullID = json.RawMessage("null")

// message is any JSON-RPC 2.0 frame a client can POST.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (m *message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, nullID)
}

func (m *message) isRequest() bool      { return m.Method != "" && m.hasID() }
func (m *message) isNotification() bool { return m.Method != "" && !m.hasID() }

// validID reports whether the id is a string or a number.
func (m *message) validID() bool {
	if !m.hasID() {
		return false
	}
	switch m.ID[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	}
	return false
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func resultResponse(id json.RawMessage, result any) *response {
	raw, ok := result.(json.RawMessage)
	if !ok {
		encoded, err := json.Marshal(result)
		if err != nil {
			return errorResponse(id, CodeInternalError, "encode result: "+err.Error(), nil)
		}
		raw = encoded
	}
	return &response{JSONRPC: "2.0", ID: id, Result: raw}
}

func errorResponse(id json.RawMessage, code int64, msg string, data any) *response {
	if len(id) == 0 {
		id = nullID
	}
	return &response{JSONRPC: "2.0", ID: id, Error: &wireError{Code: code, Message: msg, Data: data}}
}

// decodeBody splits a POST body into frames. A malformed element of a batch
// yields a nil entry so that it can be answered with an invalid request error
// in place.
func decodeBody(body []byte) (frames []*message, batch bool, err error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false, errors.New("empty body")
	}
	if body[0] != '[' {
		var m message
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, false, err
		}
		return []*message{&m}, false, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, true, err
	}
	frames = make([]*message, len(raws))
	for i, raw := range raws {
		var m message
		if json.Unmarshal(raw, &m) == nil {
			frames[i] = &m
		}
	}
	return frames, true, nil
}

// idKey normalizes an id for map lookups.
func idKey(id json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(id)
	}
	return buf.String()
}
