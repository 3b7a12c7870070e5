package metrics

import (
	"context"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/opsgate/opsgate/internal/operr"
)

// Metric types the sampler can collect.
const (
	TypeCPUPercent     = "cpu_percent"
	TypeMemoryPercent  = "memory_percent"
	TypeDiskPercent    = "disk_percent"
	TypeCPUTemperature = "cpu_temperature_celsius"
	TypeLoad1          = "load_1m"
	TypeUptimeSeconds  = "uptime_seconds"
)

// rootMount is the filesystem the disk collector reports on.
const rootMount = "/"

// CollectFunc produces one measurement.
type CollectFunc func(ctx context.Context) (float64, error)

var builtinCollectors = map[string]CollectFunc{
	TypeCPUPercent:     collectCPUPercent,
	TypeMemoryPercent:  collectMemoryPercent,
	TypeDiskPercent:    collectDiskPercent,
	TypeCPUTemperature: collectCPUTemperature,
	TypeLoad1:          collectLoad1,
	TypeUptimeSeconds:  collectUptime,
}

// CollectorTypes returns the supported metric types, sorted.
func CollectorTypes() []string {
	types := make([]string, 0, len(builtinCollectors))
	for name := range builtinCollectors {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Snapshot reads the named metric types immediately, bypassing the store.
// Individual collector failures land in errs keyed by type; only an unknown
// type name fails the whole call. An empty types list reads everything.
func Snapshot(ctx context.Context, types []string) (values map[string]float64, errs map[string]string, err error) {
	if len(types) == 0 {
		types = CollectorTypes()
	}
	bindings, err := resolveCollectors(types)
	if err != nil {
		return nil, nil, err
	}

	values = make(map[string]float64, len(bindings))
	errs = map[string]string{}
	for _, b := range bindings {
		v, cerr := b.collect(ctx)
		if cerr != nil {
			errs[b.metricType] = cerr.Error()
			continue
		}
		values[b.metricType] = v
	}
	return values, errs, nil
}

// collectorBinding pairs a metric type with its collector, keeping tick
// output order deterministic.
type collectorBinding struct {
	metricType string
	collect    CollectFunc
}

// resolveCollectors maps configured names to collectors. Unknown names fail
// so a config typo cannot silently disable a metric.
func resolveCollectors(names []string) ([]collectorBinding, error) {
	bindings := make([]collectorBinding, 0, len(names))
	for _, name := range names {
		fn, ok := builtinCollectors[name]
		if !ok {
			return nil, operr.InvalidArgumentf("unknown collector %q", name).
				With("collector", name).
				With("supported", CollectorTypes())
		}
		bindings = append(bindings, collectorBinding{metricType: name, collect: fn})
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].metricType < bindings[j].metricType })
	return bindings, nil
}

func collectCPUPercent(ctx context.Context) (float64, error) {
	// Interval 0 measures utilization since the previous call, which on a
	// fixed sampling cadence is exactly the window we want.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, operr.Unavailablef("cpu utilization not reported")
	}
	return percents[0], nil
}

func collectMemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func collectDiskPercent(ctx context.Context) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, rootMount)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

// cpuSensorHints pick the CPU die sensor out of whatever thermal zones the
// platform exposes.
var cpuSensorHints = []string{"coretemp", "k10temp", "cpu_thermal", "cpu-thermal", "soc_thermal", "cpu"}

func collectCPUTemperature(ctx context.Context) (float64, error) {
	stats, err := sensors.TemperaturesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	if len(stats) == 0 {
		return 0, operr.Unavailablef("no temperature sensors present")
	}
	for _, hint := range cpuSensorHints {
		for _, stat := range stats {
			if strings.Contains(strings.ToLower(stat.SensorKey), hint) {
				return stat.Temperature, nil
			}
		}
	}
	return stats[0].Temperature, nil
}

func collectLoad1(ctx context.Context) (float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

func collectUptime(ctx context.Context) (float64, error) {
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return float64(uptime), nil
}
