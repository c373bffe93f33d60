package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// OrchestratorConfig holds the dependencies and settings for the Orchestrator.
type OrchestratorConfig struct {
	Runtime      Runtime
	Enforcer     *Enforcer
	Monitor      *Monitor
	Listener     *Listener
	StopFile     string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// maxConsecutivePollFailures bounds how long the watcher tolerates an
// unreachable runtime before it gives up and sweeps.
const maxConsecutivePollFailures = 5

// Orchestrator owns the watcher's main loop. It composes the liveness
// monitor, the cooperative stop marker, and context cancellation into a
// single termination decision, and runs the sweep cleanup exactly once on
// every exit path.
type Orchestrator struct {
	cfg          OrchestratorConfig
	logger       *slog.Logger
	sweepOnce    sync.Once
	pollFailures int
}

// NewOrchestrator validates the configuration and returns an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.Enforcer == nil {
		return nil, fmt.Errorf("enforcer is required")
	}
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("monitor is required")
	}
	if cfg.Listener == nil {
		return nil, fmt.Errorf("listener is required")
	}
	if cfg.StopFile == "" {
		return nil, fmt.Errorf("stop file path is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{cfg: cfg, logger: logger}, nil
}

// Run executes the main loop until a termination condition fires, then sweeps
// and returns. Termination sources: the stop marker, the liveness monitor,
// and cancellation of ctx (an OS signal). The sweep runs exactly once no
// matter which path terminates the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	listenerCtx, cancelListener := context.WithCancel(ctx)
	defer cancelListener()

	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		_ = o.cfg.Listener.Run(listenerCtx)
	}()

	o.logger.Info("watcher started",
		slog.String("poll_interval", o.cfg.PollInterval.String()),
		slog.String("stop_file", o.cfg.StopFile),
	)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	// First poll happens immediately so a container already running at
	// launch is confined without waiting a full interval.
	reason := o.pollOnce(ctx)
	for reason == "" {
		select {
		case <-ctx.Done():
			reason = "shutdown signal received"
		case <-ticker.C:
			reason = o.pollOnce(ctx)
		}
	}

	o.logger.Info("watcher terminating", slog.String("reason", reason))

	// Drain the listener before sweeping: an in-flight apply landing after
	// the sweep would leave its rules installed past exit.
	cancelListener()
	<-listenerDone
	o.cleanup()

	o.logger.Info("watcher shutdown complete")
	return nil
}

// pollOnce runs one tick of the main loop and returns a non-empty termination
// reason when the watcher should exit.
func (o *Orchestrator) pollOnce(ctx context.Context) string {
	if o.stopRequested() {
		return "stop requested via marker file"
	}

	ids, err := o.cfg.Runtime.Running(ctx)
	if err != nil {
		o.pollFailures++
		o.logger.Warn("failed to list running containers",
			slog.Int("consecutive_failures", o.pollFailures),
			slog.Any("error", err),
		)
		if o.pollFailures >= maxConsecutivePollFailures {
			return "container runtime unreachable"
		}
		return ""
	}
	o.pollFailures = 0

	o.cfg.Enforcer.Reconcile(ctx, ids)

	switch o.cfg.Monitor.Observe(time.Now(), len(ids)) {
	case ExitNeverStarted:
		return "no matching container started within the startup grace"
	case ExitIdle:
		return "no matching container running for the idle timeout"
	default:
		return ""
	}
}

func (o *Orchestrator) stopRequested() bool {
	_, err := os.Stat(o.cfg.StopFile)
	if err == nil {
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		o.logger.Warn("failed to check stop marker",
			slog.String("stop_file", o.cfg.StopFile),
			slog.Any("error", err),
		)
	}
	return false
}

// cleanup performs the exhaustive exit sweep: every recorded rule set is
// removed and the stop marker deleted. Runs at most once; uses a background
// context because the parent context is usually already canceled here.
func (o *Orchestrator) cleanup() {
	o.sweepOnce.Do(func() {
		o.cfg.Enforcer.Sweep(context.Background())

		if err := os.Remove(o.cfg.StopFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			o.logger.Warn("failed to remove stop marker",
				slog.String("stop_file", o.cfg.StopFile),
				slog.Any("error", err),
			)
		}
	})
}
