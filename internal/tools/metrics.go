package tools

import (
	"context"
	"time"

	"github.com/opsgate/opsgate/internal/metrics"
	"github.com/opsgate/opsgate/internal/operr"
	"github.com/opsgate/opsgate/internal/rpc"
)

// Query defaults when the caller leaves the range or page open: the last
// hour, first page of 100.
const (
	defaultQueryWindow = time.Hour
	defaultQueryLimit  = 100
)

// queryRange reads start/end, defaulting end to now and start to one window
// earlier. Bounds are epoch seconds, half-open [start, end).
func queryRange(params map[string]any) (start, end float64, err error) {
	end, err = optFloat(params, "end", metrics.Epoch(time.Now()))
	if err != nil {
		return 0, 0, err
	}
	start, err = optFloat(params, "start", end-defaultQueryWindow.Seconds())
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func (ts *toolset) metricsQuery(ctx context.Context, _ *rpc.Context, params map[string]any) (any, error) {
	start, end, err := queryRange(params)
	if err != nil {
		return nil, err
	}
	metricType, err := optString(params, "metric_type", "")
	if err != nil {
		return nil, err
	}
	offset, err := optInt(params, "offset", 0)
	if err != nil {
		return nil, err
	}
	limit, err := optInt(params, "limit", defaultQueryLimit)
	if err != nil {
		return nil, err
	}

	samples, err := ts.store.Query(ctx, metrics.QuerySpec{
		Start:  start,
		End:    end,
		Type:   metricType,
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	if samples == nil {
		samples = []metrics.Sample{}
	}
	return map[string]any{
		"samples": samples,
		"count":   len(samples),
	}, nil
}

func (ts *toolset) metricsAggregate(ctx context.Context, _ *rpc.Context, params map[string]any) (any, error) {
	start, end, err := queryRange(params)
	if err != nil {
		return nil, err
	}
	metricType, err := optString(params, "metric_type", "")
	if err != nil {
		return nil, err
	}
	fn, err := optString(params, "fn", metrics.AggAvg)
	if err != nil {
		return nil, err
	}

	rows, err := ts.store.Aggregate(ctx, metrics.AggregateSpec{
		Start: start,
		End:   end,
		Type:  metricType,
		Fn:    fn,
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []metrics.AggregateRow{}
	}
	return map[string]any{
		"fn":    fn,
		"start": start,
		"end":   end,
		"rows":  rows,
	}, nil
}

// metricsCurrent samples the host right now, bypassing the store entirely.
func (ts *toolset) metricsCurrent(ctx context.Context, _ *rpc.Context, params map[string]any) (any, error) {
	collectors, err := optStringSlice(params, "collectors")
	if err != nil {
		return nil, err
	}
	values, errs, err := metrics.Snapshot(ctx, collectors)
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"timestamp": metrics.Epoch(time.Now()),
		"metrics":   values,
	}
	if len(errs) > 0 {
		result["errors"] = errs
	}
	return result, nil
}

func (ts *toolset) samplerStatus(context.Context, *rpc.Context, map[string]any) (any, error) {
	if ts.sampler == nil {
		return nil, operr.FailedPreconditionf("sampler is disabled by configuration")
	}
	return ts.sampler.Status(), nil
}
