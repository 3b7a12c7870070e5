// Package main is the entry point for the opsgate-agent binary, the
// privileged half of the control plane. It owns the unix socket, serves the
// operation registry, and performs the system actions the broker stays
// unprivileged for.
//
// Startup sequence:
//  1. Load layered configuration (defaults, YAML file, OPSGATE_* env, flags)
//  2. Build logger
//  3. Probe for systemctl and build the service manager
//  4. Register the operation set on the socket server
//  5. Serve until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/agent"
	"github.com/opsgate/opsgate/internal/config"
	"github.com/opsgate/opsgate/internal/ipc"
	"github.com/opsgate/opsgate/internal/sysops"
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
	dryRun     bool
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
		Use:   "opsgate-agent",
		Short: "Opsgate agent — privileged executor for the opsgate control plane",
		Long: `Opsgate agent is the privileged half of the opsgate control plane.
It listens on a unix domain socket, executes the small fixed set of
system operations (reboot, service restart, system info), and leaves
all policy decisions to the unprivileged broker.`,
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
	root.PersistentFlags().StringVar(&fl.socketPath, "socket", "", "Unix socket path to serve on")
	root.PersistentFlags().BoolVar(&fl.dryRun, "dry-run", false, "Log destructive operations instead of executing them")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opsgate-agent %s (commit: %s, built: %s)\n", version, commit, date)
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
	if cmd.Flags().Changed("dry-run") {
		cfg.Agent.DryRun = fl.dryRun
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting opsgate agent",
		zap.String("version", version),
		zap.String("socket", cfg.IPC.SocketPath),
		zap.Bool("dry_run", cfg.Agent.DryRun),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runner := sysops.NewRunner(logger)
	services := sysops.NewServiceManager(runner, logger)
	if !services.Available() {
		logger.Warn("systemctl not found, service operations will report unavailable")
	}

	ag, err := agent.New(agent.Options{
		Name:     cfg.Agent.Name,
		Version:  version,
		DryRun:   cfg.Agent.DryRun,
		Services: services,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	mode, err := cfg.IPC.FileMode()
	if err != nil {
		return err
	}
	srv := ipc.NewServer(ipc.ServerOptions{
		SocketPath:      cfg.IPC.SocketPath,
		SocketMode:      mode,
		SocketOwner:     cfg.IPC.SocketOwner,
		SocketGroup:     cfg.IPC.SocketGroup,
		MaxMessageBytes: cfg.IPC.MaxMessageBytes,
		Logger:          logger,
	})
	if err := ag.Register(srv); err != nil {
		return err
	}

	// Serve blocks until ctx is cancelled, then drains open connections.
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	logger.Info("opsgate agent stopped")
	return nil
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
