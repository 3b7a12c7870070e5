// Package main is the entry point for the opsgate-broker binary, the
// unprivileged half of the control plane. It authenticates callers, enforces
// per-tool roles, serves the metrics and update tooling locally, and forwards
// the few privileged operations to the agent over the unix socket.
//
// Startup sequence:
//  1. Load layered configuration (defaults, YAML file, OPSGATE_* env, flags)
//  2. Build logger
//  3. Open the metrics store and start the sampler
//  4. Open the audit trail and build the auth pipeline
//  5. Connect the IPC client and build the updater
//  6. Register tools, build the dispatcher
//  7. Serve stdio and the ops HTTP server until SIGINT/SIGTERM or stdin EOF
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opsgate/opsgate/internal/api"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/auth"
	"github.com/opsgate/opsgate/internal/config"
	"github.com/opsgate/opsgate/internal/ipc"
	"github.com/opsgate/opsgate/internal/metrics"
	"github.com/opsgate/opsgate/internal/rpc"
	"github.com/opsgate/opsgate/internal/sysops"
	"github.com/opsgate/opsgate/internal/tools"
	"github.com/opsgate/opsgate/internal/update"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	configPath string
	logLevel   string
	socketPath string
	httpAddr   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	fl := &flags{}

	root := &cobra.Command{
		Use:   "opsgate-broker",
		Short: "Opsgate broker — policy front end of the opsgate control plane",
		Long: `Opsgate broker is the unprivileged half of the opsgate control plane.
It serves JSON-RPC tools over stdio and WebSocket, authenticates and
authorizes every call, keeps the host metrics store and the update
state machine, and forwards privileged operations to the agent over
a unix domain socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, fl)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&fl.configPath, "config", "", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&fl.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&fl.socketPath, "socket", "", "Unix socket path of the agent")
	root.PersistentFlags().StringVar(&fl.httpAddr, "http-addr", "", "Ops HTTP listen address (empty disables)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opsgate-broker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// loadConfig layers the sources; flags set on the command line win last.
func loadConfig(cmd *cobra.Command, fl *flags) (*config.Config, error) {
	cfg, err := config.Load(fl.configPath, os.Environ())
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = fl.logLevel
	}
	if cmd.Flags().Changed("socket") {
		cfg.IPC.SocketPath = fl.socketPath
	}
	if cmd.Flags().Changed("http-addr") {
		cfg.Broker.HTTPAddr = fl.httpAddr
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting opsgate broker",
		zap.String("version", version),
		zap.String("socket", cfg.IPC.SocketPath),
		zap.String("http_addr", cfg.Broker.HTTPAddr),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !cfg.Broker.Stdio && cfg.Broker.HTTPAddr == "" {
		return errors.New("configuration enables no transports: set broker.stdio or broker.http_addr")
	}

	// --- Metrics store and sampler ---
	store, err := metrics.NewStore(metrics.DBConfig{
		Driver: cfg.Metrics.Driver,
		DSN:    metricsDSN(cfg),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	var sampler *metrics.Sampler
	if cfg.Metrics.Enabled {
		sampler, err = metrics.NewSampler(metrics.SamplerOptions{
			Store:      store,
			Interval:   cfg.Metrics.Interval.Std(),
			Retention:  cfg.Metrics.Retention.Std(),
			Collectors: cfg.Metrics.Collectors,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		if err := sampler.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			_ = sampler.Stop(stopCtx)
		}()
	} else {
		logger.Info("sampler disabled by configuration")
	}

	// --- Audit trail ---
	var trail *audit.Logger
	if cfg.Audit.Path != "" {
		trail, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer trail.Close() //nolint:errcheck
	} else {
		logger.Warn("audit trail disabled, no path configured")
	}

	// --- Auth pipeline ---
	authn, err := buildAuthenticator(cfg, logger)
	if err != nil {
		return err
	}
	perms, err := auth.NewTable(tools.Permissions())
	if err != nil {
		return err
	}

	// --- IPC client to the agent ---
	agentClient := ipc.NewClient(ipc.ClientOptions{
		SocketPath:      cfg.IPC.SocketPath,
		CallTimeout:     cfg.IPC.CallTimeout.Std(),
		MaxMessageBytes: cfg.IPC.MaxMessageBytes,
		Reconnect: ipc.ReconnectPolicy{
			Enabled:      cfg.IPC.Reconnect.Enabled,
			InitialDelay: cfg.IPC.Reconnect.InitialDelay.Std(),
			MaxDelay:     cfg.IPC.Reconnect.MaxDelay.Std(),
			Factor:       cfg.IPC.Reconnect.Factor,
			MaxAttempts:  cfg.IPC.Reconnect.MaxAttempts,
		},
		Logger: logger,
	})
	defer agentClient.Close() //nolint:errcheck

	// --- Updater ---
	updater, err := buildUpdater(cfg, agentClient, logger)
	if err != nil {
		return err
	}
	if iv := cfg.Update.AutoCheck.Std(); iv > 0 {
		if err := updater.StartAutoCheck(iv, cfg.Update.AutoApply); err != nil {
			return err
		}
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			_ = updater.StopAutoCheck(stopCtx)
		}()
	}

	// --- Tool registry and dispatcher ---
	registry := rpc.NewRegistry()
	if err := tools.Register(tools.Options{
		Registry: registry,
		Agent:    agentClient,
		Store:    store,
		Sampler:  sampler,
		Updater:  updater,
		Logger:   logger,
	}); err != nil {
		return err
	}
	dispatcher := rpc.NewDispatcher(rpc.DispatcherOptions{
		Registry: registry,
		Auth:     authn,
		Perms:    perms,
		Audit:    trail,
		Logger:   logger,
	})

	// --- Transports ---
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Broker.Stdio {
		stdio := rpc.NewLineServer(rpc.LineServerOptions{
			Dispatcher: dispatcher,
			Token:      cfg.Broker.StdioToken,
			Source:     "stdio",
			Logger:     logger,
		})
		// A blocked stdin read does not wake on context cancellation;
		// closing the file does that.
		releaseStdin := context.AfterFunc(gctx, func() { _ = os.Stdin.Close() })
		defer releaseStdin()

		g.Go(func() error {
			err := stdio.Serve(gctx, os.Stdin, os.Stdout)
			if gctx.Err() != nil {
				return nil
			}
			// The front end closed our stdin; treat it as a shutdown order.
			logger.Info("stdin closed, shutting down")
			cancel()
			return err
		})
	}

	if cfg.Broker.HTTPAddr != "" {
		ops := api.NewServer(api.Options{
			Addr:       cfg.Broker.HTTPAddr,
			Version:    version,
			Dispatcher: dispatcher,
			Logger:     logger,
		})
		g.Go(func() error {
			return ops.Serve(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("opsgate broker stopped")
	return nil
}

// metricsDSN resolves the store DSN for the configured driver.
func metricsDSN(cfg *config.Config) string {
	if cfg.Metrics.Driver == metrics.DriverPostgres {
		return cfg.Metrics.DSN
	}
	return metrics.SQLiteDSN(cfg.Metrics.Path)
}

// buildAuthenticator assembles the configured auth mode.
func buildAuthenticator(cfg *config.Config, logger *zap.Logger) (auth.Authenticator, error) {
	switch cfg.Auth.Mode {
	case "local":
		role, ok := auth.ParseRole(cfg.Auth.Local.Role)
		if cfg.Auth.Local.Role != "" && !ok {
			return nil, fmt.Errorf("auth.local.role %q is not a role", cfg.Auth.Local.Role)
		}
		return auth.NewLocal(auth.LocalOptions{
			Permissive:      cfg.Auth.Local.Permissive,
			Role:            role,
			SharedToken:     cfg.Auth.Local.SharedToken,
			SharedTokenHash: cfg.Auth.Local.SharedTokenHash,
			Logger:          logger,
		})
	case "jwt":
		keyset := auth.NewKeyset(auth.KeysetOptions{
			URL:    cfg.Auth.JWKSURL,
			TTL:    cfg.Auth.CacheTTL.Std(),
			Logger: logger,
		})
		def, ok := auth.ParseRole(cfg.Auth.DefaultRole)
		if cfg.Auth.DefaultRole != "" && !ok {
			return nil, fmt.Errorf("auth.default_role %q is not a role", cfg.Auth.DefaultRole)
		}
		roles, err := auth.NewRoleMapper(cfg.Auth.GroupRoles, def)
		if err != nil {
			return nil, err
		}
		return auth.NewValidator(auth.ValidatorOptions{
			Keyset:   keyset,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Roles:    roles,
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("auth.mode %q is not supported", cfg.Auth.Mode)
	}
}

// buildUpdater wires the release backend, health checks and restart hook.
// The updater always exists: update.status, update.history and
// update.rollback work against the local layout even when no manifest URL
// is configured.
func buildUpdater(cfg *config.Config, agentClient *ipc.Client, logger *zap.Logger) (*update.Updater, error) {
	backend := update.NewHTTPBackend(
		cfg.Update.ManifestURL,
		update.StagingDir(cfg.Update.BaseDir),
		nil,
	)

	var checks []update.HealthCheck
	if unit := cfg.Update.Health.ServiceUnit; unit != "" {
		// is-active needs no privileges, so the broker checks directly.
		runner := sysops.NewRunner(logger)
		services := sysops.NewServiceManager(runner, logger)
		checks = append(checks, update.ServiceActiveCheck(services, unit))
	}
	if path := cfg.Update.Health.SocketPath; path != "" {
		checks = append(checks, update.SocketCheck(path))
	}
	if url := healthURL(cfg); url != "" {
		checks = append(checks, update.HTTPCheck(url, nil))
	}
	if cfg.Update.Health.IPCProbe {
		checks = append(checks, update.AgentProbeCheck(agentClient))
	}

	var restart update.RestartHook
	if unit := cfg.Update.Health.ServiceUnit; unit != "" {
		// Restarts go through the agent; the broker has no privilege to
		// bounce units itself.
		restart = func(ctx context.Context, v update.Version) error {
			_, err := agentClient.Call(ctx, "system.service_restart", map[string]any{"unit": unit})
			return err
		}
	}

	return update.NewUpdater(update.UpdaterOptions{
		BaseDir: cfg.Update.BaseDir,
		Channel: cfg.Update.Channel,
		Backend: backend,
		Health:  checks,
		Restart: restart,
		Logger:  logger,
	})
}

// healthURL picks the verification probe target: the configured URL, or the
// broker's own /healthz when the ops server is enabled.
func healthURL(cfg *config.Config) string {
	if cfg.Update.Health.HTTPURL != "" {
		return cfg.Update.Health.HTTPURL
	}
	if cfg.Broker.HTTPAddr != "" {
		return "http://" + cfg.Broker.HTTPAddr + "/healthz"
	}
	return ""
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
