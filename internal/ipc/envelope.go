package ipc

import (
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/internal/operr"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// CodeUnknownOperation is the agent error code for an operation no handler
// claims. CodeInternal covers handler panics and unclassified failures.
const (
	CodeUnknownOperation = "unknown_operation"
	CodeInternal         = "internal"
)

// Request is the broker-to-agent envelope.
type Request struct {
	ID        string         `json:"id"`
	Operation string         `json:"operation"`
	Timestamp string         `json:"timestamp"`
	Params    map[string]any `json:"params"`
}

// Response is the agent-to-broker envelope. Exactly one of Data and Error is
// set, selected by Status.
type Response struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	Error  *ErrorObject   `json:"error,omitempty"`
}

// ErrorObject is the structured error carried on status=error responses.
type ErrorObject struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewRequest allocates an envelope with a fresh id and a UTC timestamp.
// UUIDs make id collisions across a process lifetime negligible.
func NewRequest(operation string, params map[string]any) Request {
	if params == nil {
		params = map[string]any{}
	}
	return Request{
		ID:        uuid.NewString(),
		Operation: operation,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Params:    params,
	}
}

// Err converts the error object into the typed error surfaced to broker
// callers. Codes naming an error kind keep that kind, unknown_operation maps
// to not_found, anything else is internal. The agent-supplied code is always
// preserved in details.code.
func (e *ErrorObject) Err() error {
	kind := operr.KindInternal
	if k, ok := operr.ParseKind(e.Code); ok {
		kind = k
	} else if e.Code == CodeUnknownOperation {
		kind = operr.KindNotFound
	}
	err := operr.New(kind, e.Message)
	if len(e.Details) > 0 {
		err = err.WithDetails(e.Details)
	}
	return err.With("code", e.Code)
}
