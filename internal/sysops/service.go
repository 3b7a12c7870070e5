package sysops

import (
	"context"
	"os/exec"

	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/operr"
)

// ServiceManager wraps the host's systemctl. Absence of the binary is
// detected once at construction and reported through Available so callers
// (health checks in particular) can branch on it explicitly instead of
// failing on every call.
type ServiceManager struct {
	runner    *Runner
	systemctl string
	log       *zap.Logger
}

// NewServiceManager probes for systemctl and returns the manager.
func NewServiceManager(runner *Runner, logger *zap.Logger) *ServiceManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("sysops")
	path, err := exec.LookPath("systemctl")
	if err != nil {
		log.Warn("systemctl not found, service operations degraded")
		path = ""
	}
	return &ServiceManager{runner: runner, systemctl: path, log: log}
}

// Available reports whether a service manager is present on this host.
func (m *ServiceManager) Available() bool { return m.systemctl != "" }

func (m *ServiceManager) unavailable() error {
	return operr.Unavailablef("service manager not present on this host")
}

// IsActive reports whether unit is active. A unit that exists but is
// stopped reports false with no error; only a failure to ask is an error.
func (m *ServiceManager) IsActive(ctx context.Context, unit string) (bool, error) {
	if !m.Available() {
		return false, m.unavailable()
	}
	_, err := m.runner.Run(ctx, m.systemctl, "is-active", "--quiet", unit)
	if err == nil {
		return true, nil
	}
	if _, ok := ExitCode(err); ok {
		return false, nil
	}
	return false, err
}

// Restart restarts unit.
func (m *ServiceManager) Restart(ctx context.Context, unit string) error {
	if !m.Available() {
		return m.unavailable()
	}
	if unit == "" {
		return operr.InvalidArgumentf("unit name must not be empty")
	}
	m.log.Info("restarting service", zap.String("unit", unit))
	_, err := m.runner.Run(ctx, m.systemctl, "restart", unit)
	return err
}

// Reboot asks the host to reboot. The call returns once the request is
// accepted; the process will be torn down by the reboot itself.
func (m *ServiceManager) Reboot(ctx context.Context) error {
	if !m.Available() {
		return m.unavailable()
	}
	m.log.Warn("host reboot requested")
	_, err := m.runner.Run(ctx, m.systemctl, "reboot")
	return err
}
