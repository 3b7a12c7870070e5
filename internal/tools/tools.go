// Package tools registers the broker's tool surface: metrics reads against
// the local store, update lifecycle operations, and system operations
// forwarded to the privileged agent. The permission floor for every tool
// lives here, next to its registration.
package tools

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/auth"
	"github.com/opsgate/opsgate/internal/ipc"
	"github.com/opsgate/opsgate/internal/metrics"
	"github.com/opsgate/opsgate/internal/rpc"
	"github.com/opsgate/opsgate/internal/update"
)

// AgentCaller is the slice of the IPC client the forwarding tools need.
type AgentCaller interface {
	Call(ctx context.Context, operation string, params map[string]any) (map[string]any, error)
	State() ipc.State
}

// Options carries the subsystems the tools operate on. Sampler may be nil
// when sampling is disabled by configuration; everything else is required.
type Options struct {
	Registry *rpc.Registry
	Agent    AgentCaller
	Store    *metrics.Store
	Sampler  *metrics.Sampler
	Updater  *update.Updater
	Logger   *zap.Logger
}

type toolset struct {
	agent   AgentCaller
	store   *metrics.Store
	sampler *metrics.Sampler
	updater *update.Updater
	log     *zap.Logger
}

// requestFields identifies a mutating call in the log.
func requestFields(call *rpc.Context) []zap.Field {
	return []zap.Field{
		zap.String("tool", call.Tool()),
		zap.String("user_id", call.Caller().UserID),
		zap.String("request_id", call.RequestID()),
	}
}

// Register installs every tool on the registry. Registration is one-shot, so
// calling this twice on the same registry fails.
func Register(opts Options) error {
	if opts.Registry == nil {
		return fmt.Errorf("tools: registry is required")
	}
	if opts.Agent == nil {
		return fmt.Errorf("tools: agent client is required")
	}
	if opts.Store == nil {
		return fmt.Errorf("tools: metrics store is required")
	}
	if opts.Updater == nil {
		return fmt.Errorf("tools: updater is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ts := &toolset{
		agent:   opts.Agent,
		store:   opts.Store,
		sampler: opts.Sampler,
		updater: opts.Updater,
		log:     log.Named("tools"),
	}
	registrations := []struct {
		name string
		fn   rpc.HandlerFunc
	}{
		{"metrics.query", ts.metricsQuery},
		{"metrics.aggregate", ts.metricsAggregate},
		{"metrics.current", ts.metricsCurrent},
		{"metrics.sampler_status", ts.samplerStatus},
		{"system.get_basic_info", ts.systemBasicInfo},
		{"system.reboot", ts.systemReboot},
		{"system.service_restart", ts.serviceRestart},
		{"agent.ping", ts.agentPing},
		{"agent.info", ts.agentInfo},
		{"update.check", ts.updateCheck},
		{"update.run", ts.updateRun},
		{"update.rollback", ts.updateRollback},
		{"update.status", ts.updateStatus},
		{"update.history", ts.updateHistory},
	}
	for _, reg := range registrations {
		if err := opts.Registry.RegisterFunc(reg.name, reg.fn); err != nil {
			return err
		}
	}
	return nil
}

// Permissions is the role floor per tool, fed to auth.NewTable at startup.
// Reads stop at viewer; host facts need operator; anything that changes the
// machine needs admin. Unlisted tools default to admin in the table itself.
func Permissions() map[string]auth.Role {
	return map[string]auth.Role{
		"metrics.*":              auth.RoleViewer,
		"agent.*":                auth.RoleViewer,
		"system.get_basic_info":  auth.RoleOperator,
		"system.reboot":          auth.RoleAdmin,
		"system.service_restart": auth.RoleAdmin,
		"update.*":               auth.RoleViewer,
		"update.run":             auth.RoleAdmin,
		"update.rollback":        auth.RoleAdmin,
	}
}
