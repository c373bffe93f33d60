package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lanfence/lanfence/internal/config"
	"github.com/lanfence/lanfence/internal/docker"
	"github.com/lanfence/lanfence/internal/logging"
	"github.com/lanfence/lanfence/internal/metrics"
	"github.com/lanfence/lanfence/internal/watcher"
)

// WatchCmd represents the lanfence watch subcommand.
var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Enforce the network policy on labeled containers until idle",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.GetLogger()
		if logger == nil {
			logger = slog.Default()
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if os.Geteuid() != 0 {
			return fmt.Errorf("watch must run as root to manage packet-filter rules")
		}

		pol, manager, store, err := buildEnforcementStack(cfg, logger)
		if err != nil {
			return err
		}

		health := metrics.NewHealthChecker()

		chainOK, err := manager.VerifyChain()
		if err != nil {
			return fmt.Errorf("verify chain %s: %w", cfg.Chain, err)
		}
		if !chainOK {
			return fmt.Errorf("chain %s does not exist; is the container runtime up?", cfg.Chain)
		}
		health.SetChainVerified()

		runtime, err := docker.New(cfg.DockerSocket, pol.Label)
		if err != nil {
			return err
		}
		defer runtime.Close()
		health.SetRuntimeVerified()

		instruments := metrics.NewMetrics()
		stopMetrics, err := serveMetrics(cfg.MetricsAddr, instruments, health, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()

		watchLogger := logger.With(
			slog.String("component", "watcher"),
			slog.String("label", pol.Label),
			slog.String("chain", cfg.Chain),
		)

		enforcer, err := watcher.NewEnforcer(manager, store, runtime, watchLogger, instruments)
		if err != nil {
			return fmt.Errorf("create enforcer: %w", err)
		}

		listener, err := watcher.NewListener(runtime, enforcer, watchLogger)
		if err != nil {
			return fmt.Errorf("create listener: %w", err)
		}

		monitor, err := watcher.NewMonitor(cfg.StartupGrace, cfg.IdleTimeout, time.Now(), watchLogger)
		if err != nil {
			return fmt.Errorf("create monitor: %w", err)
		}

		orchestrator, err := watcher.NewOrchestrator(watcher.OrchestratorConfig{
			Runtime:      runtime,
			Enforcer:     enforcer,
			Monitor:      monitor,
			Listener:     listener,
			StopFile:     cfg.StopFile,
			PollInterval: cfg.PollInterval,
			Logger:       watchLogger,
		})
		if err != nil {
			return fmt.Errorf("create orchestrator: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return orchestrator.Run(ctx)
	},
}

// serveMetrics starts the optional metrics/health endpoint. An empty address
// disables it; the returned function shuts the server down.
func serveMetrics(addr string, instruments *metrics.Metrics, health *metrics.HealthChecker, logger *slog.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", instruments.Handler())
	mux.Handle("/healthz", health.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("metrics server started", slog.String("addr", addr))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}, nil
}

func init() {
	WatchCmd.Flags().String("label", "", "Marker label identifying sandbox containers (key or key=value)")
	WatchCmd.Flags().String("deny-cidrs", "", "Comma-separated CIDR ranges the sandbox must not reach")
	WatchCmd.Flags().String("dns-addr", "", "DNS resolver address the sandbox may always reach")
	WatchCmd.Flags().String("dns-ports", "", "Comma-separated DNS ports")
	WatchCmd.Flags().String("chain", "", "Packet-filter chain to install rules in")
	WatchCmd.Flags().String("state-dir", "", "Directory for per-container state records")
	WatchCmd.Flags().String("stop-file", "", "Marker file whose presence requests shutdown")
	WatchCmd.Flags().Duration("poll-interval", 0, "Liveness poll interval")
	WatchCmd.Flags().Duration("startup-grace", 0, "How long to wait for the first matching container")
	WatchCmd.Flags().Duration("idle-timeout", 0, "How long to keep running with no matching containers")
	WatchCmd.Flags().String("metrics-addr", "", "Listen address for /metrics and /healthz (empty disables)")
	WatchCmd.Flags().String("docker-socket", "", "Docker daemon socket path (defaults to environment)")

	for _, name := range []string{
		"label", "deny-cidrs", "dns-addr", "dns-ports", "chain",
		"state-dir", "stop-file", "poll-interval", "startup-grace",
		"idle-timeout", "metrics-addr", "docker-socket",
	} {
		if err := viper.BindPFlag(name, WatchCmd.Flags().Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind %s flag: %v\n", name, err)
			os.Exit(1)
		}
	}
}
