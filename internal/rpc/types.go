// Package rpc implements the broker's line-delimited JSON-RPC 2.0 surface:
// request parsing, the tool registry, the dispatch pipeline (authenticate,
// build context, authorize, execute) and the single mapping from typed
// errors to wire codes.
package rpc

import (
	"bytes"
	"encoding/json"

	"github.com/opsgate/opsgate/internal/operr"
)

// Version is the only accepted jsonrpc member value.
const Version = "2.0"

// Canonical JSON-RPC codes plus the server-error range carrying typed error
// kinds.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodePermissionDenied   = -32001
	CodeUnauthenticated    = -32002
	CodeUnavailable        = -32003
	CodeFailedPrecondition = -32004
	CodeTimeout            = -32005
)

// kindCodes is the fixed outward mapping. Every kind appears; the dispatcher
// never invents codes elsewhere.
var kindCodes = map[operr.Kind]int{
	operr.KindInvalidArgument:    CodeInvalidParams,
	operr.KindPermissionDenied:   CodePermissionDenied,
	operr.KindUnauthenticated:    CodeUnauthenticated,
	operr.KindUnavailable:        CodeUnavailable,
	operr.KindFailedPrecondition: CodeFailedPrecondition,
	operr.KindNotFound:           CodeMethodNotFound,
	operr.KindTimeout:            CodeTimeout,
	operr.KindInternal:           CodeInternalError,
	operr.KindProtocolError:      CodeInvalidRequest,
}

// CodeForKind returns the wire code for a kind, falling back to internal.
func CodeForKind(kind operr.Kind) int {
	if code, ok := kindCodes[kind]; ok {
		return code
	}
	return CodeInternalError
}

// Request is one parsed JSON-RPC request. ID stays raw so strings and
// numbers echo back byte-identically.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification reports whether the request carries no id (or a null id,
// which the surface treats the same way): it executes without a response.
func (r *Request) Notification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// DisplayID renders the id for logs and request contexts: strings unquoted,
// numbers as written, empty for notifications.
func (r *Request) DisplayID() string {
	if r.Notification() {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		return s
	}
	return string(r.ID)
}

// ObjectParams decodes params into a map. Absent params yield an empty map;
// anything but a JSON object is an invalid_argument.
func (r *Request) ObjectParams() (map[string]any, error) {
	if len(r.Params) == 0 || bytes.Equal(r.Params, []byte("null")) {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return nil, operr.InvalidArgumentf("params must be an object").With("parameter", "params")
	}
	return params, nil
}

// Response is one JSON-RPC response. ID is always serialized, null when the
// request id never decoded.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject carries the mapped code plus the typed error's details under
// data, always including error_code with the kind name.
type ErrorObject struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// errorResponse shapes err for the wire. data = details ∪ {error_code}.
func errorResponse(id json.RawMessage, err error) Response {
	e := operr.Internalize(err)
	data := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		data[k] = v
	}
	data["error_code"] = string(e.Kind)
	return Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error: &ErrorObject{
			Code:    CodeForKind(e.Kind),
			Message: e.Message,
			Data:    data,
		},
	}
}

func resultResponse(id json.RawMessage, result any) Response {
	if result == nil {
		// result is REQUIRED on success responses; an empty object keeps
		// handlers free to return nothing.
		result = map[string]any{}
	}
	return Response{JSONRPC: Version, ID: normalizeID(id), Result: result}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// protocolError builds the -327xx family errors raised before a request
// reaches the typed pipeline.
func protocolError(id json.RawMessage, code int, message string) Response {
	return Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error: &ErrorObject{
			Code:    code,
			Message: message,
			Data:    map[string]any{"error_code": kindNameForCode(code)},
		},
	}
}

func kindNameForCode(code int) string {
	switch code {
	case CodeParseError:
		return "parse_error"
	case CodeInvalidRequest:
		return string(operr.KindProtocolError)
	default:
		return string(operr.KindInternal)
	}
}
