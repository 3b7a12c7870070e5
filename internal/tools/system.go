package tools

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/rpc"
)

// The system namespace forwards to the privileged agent verbatim; errors
// come back typed, so an unreachable agent surfaces as unavailable.

func (ts *toolset) systemBasicInfo(ctx context.Context, _ *rpc.Context, _ map[string]any) (any, error) {
	return ts.agent.Call(ctx, "system.get_basic_info", nil)
}

func (ts *toolset) systemReboot(ctx context.Context, call *rpc.Context, _ map[string]any) (any, error) {
	ts.log.Warn("reboot requested", requestFields(call)...)
	return ts.agent.Call(ctx, "system.reboot", nil)
}

func (ts *toolset) serviceRestart(ctx context.Context, call *rpc.Context, params map[string]any) (any, error) {
	// Validated here too so a bad unit fails before a socket round trip.
	unit, err := reqString(params, "unit")
	if err != nil {
		return nil, err
	}
	ts.log.Info("service restart requested",
		zap.String("unit", unit),
		zap.String("user_id", call.Caller().UserID))
	return ts.agent.Call(ctx, "system.service_restart", map[string]any{"unit": unit})
}

// agentPing round-trips the transport and reports how it went.
func (ts *toolset) agentPing(ctx context.Context, _ *rpc.Context, _ map[string]any) (any, error) {
	started := time.Now()
	data, err := ts.agent.Call(ctx, "ping", nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"pong":             data["pong"],
		"latency_ms":       float64(time.Since(started).Microseconds()) / 1000,
		"connection_state": ts.agent.State().String(),
	}, nil
}

func (ts *toolset) agentInfo(ctx context.Context, _ *rpc.Context, _ map[string]any) (any, error) {
	data, err := ts.agent.Call(ctx, "get_info", nil)
	if err != nil {
		return nil, err
	}
	info := make(map[string]any, len(data)+1)
	for k, v := range data {
		info[k] = v
	}
	info["connection_state"] = ts.agent.State().String()
	return info, nil
}
