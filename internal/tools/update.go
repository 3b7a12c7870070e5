package tools

import (
	"context"

	"github.com/opsgate/opsgate/internal/rpc"
	"github.com/opsgate/opsgate/internal/update"
)

func (ts *toolset) updateCheck(ctx context.Context, _ *rpc.Context, _ map[string]any) (any, error) {
	return ts.updater.Check(ctx)
}

func (ts *toolset) updateRun(ctx context.Context, call *rpc.Context, _ map[string]any) (any, error) {
	ts.log.Info("update run requested", requestFields(call)...)
	return ts.updater.Run(ctx)
}

func (ts *toolset) updateRollback(ctx context.Context, call *rpc.Context, params map[string]any) (any, error) {
	raw, err := optString(params, "version", "")
	if err != nil {
		return nil, err
	}
	var target *update.Version
	if raw != "" {
		v, err := update.ParseVersion(raw)
		if err != nil {
			return nil, err
		}
		target = &v
	}
	ts.log.Warn("rollback requested", requestFields(call)...)
	return ts.updater.Rollback(ctx, target)
}

func (ts *toolset) updateStatus(context.Context, *rpc.Context, map[string]any) (any, error) {
	return ts.updater.Status()
}

func (ts *toolset) updateHistory(context.Context, *rpc.Context, map[string]any) (any, error) {
	history := ts.updater.History()
	if history == nil {
		history = []update.VersionRecord{}
	}
	return map[string]any{
		"history": history,
		"count":   len(history),
	}, nil
}
