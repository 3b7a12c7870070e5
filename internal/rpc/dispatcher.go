package rpc

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/auth"
	"github.com/opsgate/opsgate/internal/operr"
)

// MetaSource is the transport metadata key carrying the peer description,
// e.g. "stdio" or the websocket remote address.
const MetaSource = "source"

// DispatcherOptions wires the dispatch pipeline.
type DispatcherOptions struct {
	Registry *Registry
	Auth     auth.Authenticator
	Perms    *auth.Table
	Audit    *audit.Logger
	Logger   *zap.Logger
}

// Dispatcher turns request lines into response lines. The pipeline is fixed:
// parse, authenticate, build the request context, authorize, decode params,
// execute. Typed errors map to wire codes in exactly one place.
type Dispatcher struct {
	registry *Registry
	auth     auth.Authenticator
	perms    *auth.Table
	audit    *audit.Logger
	log      *zap.Logger
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		registry: opts.Registry,
		auth:     opts.Auth,
		perms:    opts.Perms,
		audit:    opts.Audit,
		log:      log.Named("rpc"),
	}
}

// HandleLine processes one request line and returns the marshaled response,
// or nil when the request is a notification. Transports supply the raw
// credential and any metadata; the dispatcher owns everything after that.
func (d *Dispatcher) HandleLine(ctx context.Context, line []byte, token string, meta map[string]string) []byte {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		d.log.Warn("undecodable request line", zap.Error(err))
		return d.marshal(protocolError(nil, CodeParseError, "parse error"))
	}
	if req.JSONRPC != Version || req.Method == "" {
		d.log.Warn("malformed request object",
			zap.String("jsonrpc", req.JSONRPC),
			zap.String("method", req.Method))
		return d.marshal(protocolError(req.ID, CodeInvalidRequest, "invalid request"))
	}

	resp := d.dispatch(ctx, &req, token, meta)
	if req.Notification() {
		if resp.Error != nil {
			d.log.Warn("notification failed",
				zap.String("tool", req.Method),
				zap.Int("code", resp.Error.Code),
				zap.String("error", resp.Error.Message))
		}
		return nil
	}
	return d.marshal(resp)
}

// dispatch runs the typed pipeline for a syntactically valid request.
func (d *Dispatcher) dispatch(ctx context.Context, req *Request, token string, meta map[string]string) Response {
	started := time.Now()

	caller, err := d.auth.Authenticate(ctx, token)
	if err != nil {
		d.recordAuthFailure(req, meta, err)
		d.observe(req.Method, err, started)
		return errorResponse(req.ID, err)
	}

	call := NewContext(req.Method, caller, req.DisplayID(), meta)

	handler, ok := d.registry.Lookup(req.Method)
	if !ok {
		err := operr.NotFoundf("unknown tool %q", req.Method).With("tool", req.Method)
		d.observe(req.Method, err, started)
		return errorResponse(req.ID, err)
	}

	if err := d.perms.Check(caller, req.Method); err != nil {
		d.record(call, audit.DecisionDeny, "insufficient role", nil, err)
		d.observe(req.Method, err, started)
		return errorResponse(req.ID, err)
	}

	params, err := req.ObjectParams()
	if err != nil {
		d.observe(req.Method, err, started)
		return errorResponse(req.ID, err)
	}

	result, err := d.execute(ctx, handler, call, params)
	d.record(call, audit.DecisionAllow, "", params, err)
	d.observe(req.Method, err, started)
	if err != nil {
		if operr.KindOf(err) == operr.KindInternal {
			d.log.Error("tool call failed",
				zap.String("tool", req.Method),
				zap.String("request_id", call.RequestID()),
				zap.Error(err))
		}
		return errorResponse(req.ID, err)
	}
	return resultResponse(req.ID, result)
}

// execute invokes the handler with panic containment. A panicking tool
// yields an internal error for this request only.
func (d *Dispatcher) execute(ctx context.Context, handler Handler, call *Context, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool handler panicked",
				zap.String("tool", call.Tool()),
				zap.Any("panic", r),
				zap.Stack("stacktrace"))
			result = nil
			err = operr.Internalf("internal error in %s", call.Tool())
		}
	}()
	return handler.Call(ctx, call, params)
}

func (d *Dispatcher) marshal(resp Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		// Result values are handler-produced maps; a marshal failure is a
		// handler bug, not a transport condition.
		d.log.Error("response not serializable", zap.Error(err))
		out, _ = json.Marshal(errorResponse(resp.ID, operr.Internalf("response serialization failed")))
	}
	return out
}

func (d *Dispatcher) record(call *Context, decision string, reason string, params map[string]any, err error) {
	if d.audit == nil {
		return
	}
	rec := audit.Record{
		Tool:     call.Tool(),
		UserID:   call.Caller().UserID,
		Role:     string(call.Caller().Role),
		Decision: decision,
		Reason:   reason,
		Params:   params,
	}
	if err != nil {
		rec.ErrorKind = string(operr.KindOf(err))
		if decision == audit.DecisionDeny && reason == "" {
			rec.Reason = err.Error()
		}
	}
	d.audit.Write(rec)
}

func (d *Dispatcher) recordAuthFailure(req *Request, meta map[string]string, err error) {
	if d.audit == nil {
		return
	}
	d.audit.Write(audit.Record{
		Tool:      req.Method,
		Role:      string(auth.RoleAnonymous),
		Decision:  audit.DecisionDeny,
		Reason:    err.Error(),
		ErrorKind: string(operr.KindOf(err)),
	})
}

func (d *Dispatcher) observe(tool string, err error, started time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = string(operr.KindOf(err))
	}
	requestsTotal.WithLabelValues(tool, outcome).Inc()
	requestDuration.WithLabelValues(tool).Observe(time.Since(started).Seconds())
}
