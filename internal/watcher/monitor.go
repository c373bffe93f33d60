package watcher

import (
	"fmt"
	"log/slog"
	"time"
)

// Decision is the liveness monitor's verdict after one poll.
type Decision int

const (
	// KeepRunning means the watcher should stay up.
	KeepRunning Decision = iota
	// ExitNeverStarted means the startup grace elapsed without any matching
	// container ever appearing.
	ExitNeverStarted
	// ExitIdle means at least one matching container was seen, and the idle
	// timeout has elapsed since the count last dropped to zero.
	ExitIdle
)

// Monitor is the two-phase shutdown state machine: an absolute grace period
// from launch while nothing has started yet, then an idle timer once the
// workload has been seen. It is not safe for concurrent use; the orchestrator
// is its only caller.
type Monitor struct {
	grace     time.Duration
	idle      time.Duration
	startedAt time.Time
	seen      bool
	idleSince time.Time
	logger    *slog.Logger
}

// NewMonitor returns a Monitor anchored at now.
func NewMonitor(grace time.Duration, idle time.Duration, now time.Time, logger *slog.Logger) (*Monitor, error) {
	if grace <= 0 {
		return nil, fmt.Errorf("startup grace must be positive")
	}
	if idle <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		grace:     grace,
		idle:      idle,
		startedAt: now,
		logger:    logger,
	}, nil
}

// Observe records one poll result and returns the shutdown decision.
func (m *Monitor) Observe(now time.Time, running int) Decision {
	if running > 0 {
		if !m.seen {
			m.seen = true
			m.logger.Info("first matching container observed",
				slog.Int("running", running),
			)
		}
		m.idleSince = time.Time{}
		return KeepRunning
	}

	if !m.seen {
		if now.Sub(m.startedAt) >= m.grace {
			m.logger.Info("startup grace elapsed with no matching container",
				slog.String("grace", m.grace.String()),
			)
			return ExitNeverStarted
		}
		return KeepRunning
	}

	if m.idleSince.IsZero() {
		m.idleSince = now
		m.logger.Debug("no matching containers running; idle timer started",
			slog.String("idle_timeout", m.idle.String()),
		)
	}
	if now.Sub(m.idleSince) >= m.idle {
		m.logger.Info("idle timeout elapsed",
			slog.String("idle_timeout", m.idle.String()),
		)
		return ExitIdle
	}
	return KeepRunning
}
