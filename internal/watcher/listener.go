package watcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lanfence/lanfence/internal/docker"
)

// Listener consumes the runtime's lifecycle event stream and dispatches each
// transition to the enforcer. It runs for the lifetime of the watcher and is
// stopped by the orchestrator through context cancellation.
type Listener struct {
	runtime  Runtime
	enforcer *Enforcer
	logger   *slog.Logger
}

// NewListener validates dependencies and returns a Listener.
func NewListener(runtime Runtime, enforcer *Enforcer, logger *slog.Logger) (*Listener, error) {
	if runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if enforcer == nil {
		return nil, fmt.Errorf("enforcer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		runtime:  runtime,
		enforcer: enforcer,
		logger:   logger,
	}, nil
}

// Run processes events until the context is canceled or the subscription
// fails. A subscription failure ends only the listener; the orchestrator's
// sweep remains the safety net against orphaned rules.
func (l *Listener) Run(ctx context.Context) error {
	events, errs := l.runtime.Events(ctx)

	l.logger.Info("event listener started")
	defer l.logger.Info("event listener stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok || err == nil {
				return nil
			}
			l.logger.Error("event subscription failed", slog.Any("error", err))
			return fmt.Errorf("event subscription: %w", err)
		case event, ok := <-events:
			if !ok {
				return nil
			}
			l.handle(ctx, event)
		}
	}
}

func (l *Listener) handle(ctx context.Context, event docker.Event) {
	l.logger.Debug("lifecycle event",
		slog.String("container_id", event.ID),
		slog.String("action", event.Action),
	)

	switch event.Action {
	case docker.ActionStart:
		if err := l.enforcer.HandleStart(ctx, event.ID); err != nil {
			l.logger.Warn("failed to confine started container",
				slog.String("container_id", event.ID),
				slog.Any("error", err),
			)
		}
	case docker.ActionStop, docker.ActionDie, docker.ActionDestroy:
		if err := l.enforcer.HandleGone(ctx, event.ID); err != nil {
			l.logger.Warn("failed to release departed container",
				slog.String("container_id", event.ID),
				slog.String("action", event.Action),
				slog.Any("error", err),
			)
		}
	default:
		l.logger.Debug("ignoring event action", slog.String("action", event.Action))
	}
}
