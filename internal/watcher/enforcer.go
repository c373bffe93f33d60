package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lanfence/lanfence/internal/docker"
)

// Enforcer owns every rule/state mutation. The packet-filter chain is shared
// host state and insert position is meaningful, so one mutex serializes all
// of them; event volume is low enough that a global lock is fine.
type Enforcer struct {
	mu      sync.Mutex
	rules   RuleManager
	store   StateStore
	runtime Runtime
	logger  *slog.Logger
	metrics Instruments
}

// NewEnforcer validates dependencies and returns an Enforcer. The runtime may
// be nil when only Sweep will be used (manual cleanup with the daemon down).
func NewEnforcer(rules RuleManager, store StateStore, runtime Runtime, logger *slog.Logger, metrics Instruments) (*Enforcer, error) {
	if rules == nil {
		return nil, fmt.Errorf("rule manager is required")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopInstruments{}
	}
	return &Enforcer{
		rules:   rules,
		store:   store,
		runtime: runtime,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// HandleStart resolves the container's IP and installs its rule set. A
// container whose address is not yet known is left for the next event or
// liveness poll; that is not an error.
func (e *Enforcer) HandleStart(ctx context.Context, containerID string) error {
	if e.runtime == nil {
		return fmt.Errorf("no runtime configured")
	}

	ip, err := e.runtime.ContainerIP(ctx, containerID)
	if err != nil {
		if errors.Is(err, docker.ErrNoAddress) {
			e.logger.Debug("container address not yet available",
				slog.String("container_id", containerID),
			)
			return nil
		}
		e.metrics.IncError("resolve_ip")
		return fmt.Errorf("resolve ip for %s: %w", containerID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.rules.Apply(ip); err != nil {
		e.metrics.IncError("apply")
		return fmt.Errorf("apply rules for %s: %w", containerID, err)
	}
	e.metrics.IncRuleOperation("apply")

	if err := e.store.Record(containerID, ip); err != nil {
		e.metrics.IncError("record")
		return fmt.Errorf("record state for %s: %w", containerID, err)
	}
	e.metrics.SetTrackedContainers(e.store.Count())

	e.logger.Info("container confined",
		slog.String("container_id", containerID),
		slog.String("ip", ip),
	)
	return nil
}

// HandleGone removes the rule set for a container that stopped, died, or was
// destroyed. The state record is consulted first because the runtime may no
// longer report an address; with no record and no live address the event is a
// no-op.
func (e *Enforcer) HandleGone(ctx context.Context, containerID string) error {
	// Resolve the address before taking the lock; the live query is a
	// network round-trip and must not stall other operations.
	ip, ok := e.store.Lookup(containerID)
	if !ok && e.runtime != nil {
		liveIP, err := e.runtime.ContainerIP(ctx, containerID)
		if err == nil {
			ip, ok = liveIP, true
		}
	}
	if !ok {
		e.logger.Debug("no state for departed container",
			slog.String("container_id", containerID),
		)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The store may have gained a record while the live query ran.
	if recorded, found := e.store.Lookup(containerID); found {
		ip = recorded
	}

	if err := e.rules.Remove(ip); err != nil {
		e.metrics.IncError("remove")
		return fmt.Errorf("remove rules for %s: %w", containerID, err)
	}
	e.metrics.IncRuleOperation("remove")

	if err := e.store.Forget(containerID); err != nil {
		e.metrics.IncError("forget")
		return fmt.Errorf("forget state for %s: %w", containerID, err)
	}
	e.metrics.SetTrackedContainers(e.store.Count())

	e.logger.Info("container released",
		slog.String("container_id", containerID),
		slog.String("ip", ip),
	)
	return nil
}

// Reconcile repairs the pull path: any running container without a state
// record gets its rules applied as if its start event had just arrived. Safe
// because Apply and Record are idempotent.
func (e *Enforcer) Reconcile(ctx context.Context, runningIDs []string) {
	for _, id := range runningIDs {
		if _, ok := e.store.Lookup(id); ok {
			continue
		}
		if err := e.HandleStart(ctx, id); err != nil {
			e.logger.Warn("reconcile failed for container",
				slog.String("container_id", id),
				slog.Any("error", err),
			)
		}
	}
}

// Sweep removes every installed rule set recorded in the store. Rule removal
// failures are logged and the record kept, so a later manual sweep can retry;
// the sweep itself always visits every record.
func (e *Enforcer) Sweep(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	type record struct{ id, ip string }
	var records []record
	for id, ip := range e.store.All() {
		records = append(records, record{id: id, ip: ip})
	}

	removed := 0
	for _, rec := range records {
		if err := e.rules.Remove(rec.ip); err != nil {
			e.metrics.IncError("sweep_remove")
			e.logger.Warn("sweep failed to remove rules",
				slog.String("container_id", rec.id),
				slog.String("ip", rec.ip),
				slog.Any("error", err),
			)
			continue
		}
		e.metrics.IncRuleOperation("remove")
		if err := e.store.Forget(rec.id); err != nil {
			e.logger.Warn("sweep failed to forget state",
				slog.String("container_id", rec.id),
				slog.Any("error", err),
			)
			continue
		}
		removed++
	}
	e.metrics.SetTrackedContainers(e.store.Count())

	e.logger.Info("sweep complete",
		slog.Int("records", len(records)),
		slog.Int("removed", removed),
	)
}
