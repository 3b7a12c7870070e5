package update

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/sysops"
)

// Verification defaults.
const (
	DefaultHealthRetries = 3
	DefaultHealthDelay   = 5 * time.Second
)

// HealthResult is one check's outcome within one verification attempt.
type HealthResult struct {
	Name string `json:"name"`
	Pass bool   `json:"pass"`
	Note string `json:"note,omitempty"`
}

// HealthCheck probes one aspect of a freshly switched release.
type HealthCheck struct {
	Name string
	Run  func(ctx context.Context) (pass bool, note string, err error)
}

// ServiceActiveCheck verifies the service unit is active. On hosts without
// a service manager the check passes with a note; that degradation must be
// visible, not silent.
func ServiceActiveCheck(mgr *sysops.ServiceManager, unit string) HealthCheck {
	return HealthCheck{
		Name: "service_active",
		Run: func(ctx context.Context) (bool, string, error) {
			if !mgr.Available() {
				return true, "service manager not present, check skipped", nil
			}
			active, err := mgr.IsActive(ctx, unit)
			if err != nil {
				return false, "", err
			}
			if !active {
				return false, fmt.Sprintf("unit %s is not active", unit), nil
			}
			return true, "", nil
		},
	}
}

// SocketCheck verifies the IPC socket path exists and is a socket.
func SocketCheck(path string) HealthCheck {
	return HealthCheck{
		Name: "socket_exists",
		Run: func(context.Context) (bool, string, error) {
			info, err := os.Stat(path)
			if err != nil {
				return false, fmt.Sprintf("stat %s: %v", path, err), nil
			}
			if info.Mode()&os.ModeSocket == 0 {
				return false, fmt.Sprintf("%s exists but is not a socket", path), nil
			}
			return true, "", nil
		},
	}
}

// HTTPCheck verifies url answers 200.
func HTTPCheck(url string, client *http.Client) HealthCheck {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return HealthCheck{
		Name: "http_health",
		Run: func(ctx context.Context) (bool, string, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return false, "", err
			}
			resp, err := client.Do(req)
			if err != nil {
				return false, fmt.Sprintf("GET %s: %v", url, err), nil
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return false, fmt.Sprintf("GET %s returned %d", url, resp.StatusCode), nil
			}
			return true, "", nil
		},
	}
}

// agentCaller is the slice of the IPC client the probe needs.
type agentCaller interface {
	Call(ctx context.Context, operation string, params map[string]any) (map[string]any, error)
}

// AgentProbeCheck round-trips a basic-info call through the agent, proving
// the privileged side is up end to end.
func AgentProbeCheck(client agentCaller) HealthCheck {
	return HealthCheck{
		Name: "agent_probe",
		Run: func(ctx context.Context) (bool, string, error) {
			data, err := client.Call(ctx, "system.get_basic_info", nil)
			if err != nil {
				return false, fmt.Sprintf("agent probe: %v", err), nil
			}
			if len(data) == 0 {
				return false, "agent probe returned an empty payload", nil
			}
			return true, "", nil
		},
	}
}

// runHealthChecks runs every check up to retries times, sleeping delay
// between attempts. It returns the final attempt's results; ok is true only
// when one attempt had every check pass.
func runHealthChecks(ctx context.Context, checks []HealthCheck, retries int, delay time.Duration, log *zap.Logger) (bool, []HealthResult) {
	if len(checks) == 0 {
		return true, nil
	}
	if retries < 1 {
		retries = 1
	}

	var results []HealthResult
	for attempt := 1; attempt <= retries; attempt++ {
		results = results[:0]
		allPass := true
		for _, check := range checks {
			pass, note, err := check.Run(ctx)
			if err != nil {
				pass = false
				note = err.Error()
			}
			if !pass {
				allPass = false
			}
			results = append(results, HealthResult{Name: check.Name, Pass: pass, Note: note})
		}
		if allPass {
			return true, results
		}

		log.Warn("health checks failed",
			zap.Int("attempt", attempt),
			zap.Int("retries", retries),
			zap.Any("results", results))
		if attempt < retries {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false, results
			}
		}
	}
	return false, results
}
