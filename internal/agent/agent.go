// Package agent implements the privileged operation set served over the
// local socket. Operations run with the process's full privileges; everything
// security-relevant (authentication, authorization, auditing) happened on the
// broker side before a frame reaches this process.
package agent

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/ipc"
	"github.com/opsgate/opsgate/internal/operr"
	"github.com/opsgate/opsgate/internal/sysops"
)

// Options configures the operation set.
type Options struct {
	// Name and Version identify this agent in get_info responses.
	Name    string
	Version string
	// DryRun makes destructive operations log and acknowledge without
	// executing. Meant for development hosts.
	DryRun   bool
	Services *sysops.ServiceManager
	Logger   *zap.Logger
}

// Agent holds the handlers behind the privileged socket.
type Agent struct {
	name     string
	version  string
	dryRun   bool
	services *sysops.ServiceManager
	log      *zap.Logger
}

// New builds the operation set. Services may be nil only when DryRun is set.
func New(opts Options) (*Agent, error) {
	if opts.Name == "" {
		opts.Name = "opsgate-agent"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Services == nil && !opts.DryRun {
		return nil, fmt.Errorf("agent: service manager is required outside dry-run mode")
	}
	return &Agent{
		name:     opts.Name,
		version:  opts.Version,
		dryRun:   opts.DryRun,
		services: opts.Services,
		log:      opts.Logger.Named("agent"),
	}, nil
}

// Register installs every operation on srv. The reserved trio (ping, echo,
// get_info) comes first so a transport probe works even if a later
// registration fails.
func (a *Agent) Register(srv *ipc.Server) error {
	ops := []struct {
		name string
		fn   ipc.HandlerFunc
	}{
		{"ping", a.ping},
		{"echo", a.echo},
		{"get_info", a.getInfo},
		{"system.get_basic_info", a.getBasicInfo},
		{"system.reboot", a.reboot},
		{"system.service_restart", a.serviceRestart},
	}
	for _, op := range ops {
		if err := srv.HandleFunc(op.name, op.fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) ping(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{"pong": true}, nil
}

// echo reflects params.message back, whatever it is. Useful for verifying
// the frame codec end to end.
func (a *Agent) echo(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"echo": params["message"]}, nil
}

func (a *Agent) getInfo(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{
		"name":    a.name,
		"version": a.version,
		"status":  "running",
	}, nil
}

func (a *Agent) getBasicInfo(ctx context.Context, _ map[string]any) (map[string]any, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, operr.Internalf("reading host info: %v", err)
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cpus < 1 {
		cpus = runtime.NumCPU()
	}
	return map[string]any{
		"hostname":         info.Hostname,
		"os":               info.OS,
		"platform":         info.Platform,
		"platform_version": info.PlatformVersion,
		"kernel_version":   info.KernelVersion,
		"arch":             info.KernelArch,
		"uptime_seconds":   info.Uptime,
		"cpu_count":        cpus,
	}, nil
}

func (a *Agent) reboot(ctx context.Context, _ map[string]any) (map[string]any, error) {
	if a.dryRun {
		a.log.Warn("dry run: reboot requested, not executing")
		return map[string]any{"initiated": false, "dry_run": true}, nil
	}
	a.log.Warn("reboot requested")
	if err := a.services.Reboot(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"initiated": true}, nil
}

func (a *Agent) serviceRestart(ctx context.Context, params map[string]any) (map[string]any, error) {
	unit, err := stringParam(params, "unit")
	if err != nil {
		return nil, err
	}
	if a.dryRun {
		a.log.Warn("dry run: service restart requested, not executing",
			zap.String("unit", unit))
		return map[string]any{"unit": unit, "restarted": false, "dry_run": true}, nil
	}
	if err := a.services.Restart(ctx, unit); err != nil {
		return nil, err
	}
	return map[string]any{"unit": unit, "restarted": true}, nil
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", operr.InvalidArgumentf("parameter %q is required", key).With("parameter", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", operr.InvalidArgumentf("parameter %q must be a non-empty string", key).
			With("parameter", key)
	}
	return s, nil
}
