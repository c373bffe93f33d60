// Package watcher contains the policy-enforcement loop: the enforcer that
// serializes rule/state mutations, the event listener, the liveness monitor
// that drives auto-shutdown, and the orchestrator that owns the whole
// lifecycle and guarantees sweep cleanup on every exit path.
package watcher

import (
	"context"
	"iter"

	"github.com/lanfence/lanfence/internal/docker"
)

// Runtime is the container-runtime surface the watcher consumes.
type Runtime interface {
	ContainerIP(ctx context.Context, containerID string) (string, error)
	Running(ctx context.Context) ([]string, error)
	Events(ctx context.Context) (<-chan docker.Event, <-chan error)
}

// RuleManager applies and removes the packet-filter rule set for one IP.
type RuleManager interface {
	Apply(ip string) error
	Remove(ip string) error
}

// StateStore persists the container-id → IP mapping used for reverse cleanup.
type StateStore interface {
	Record(containerID string, ip string) error
	Lookup(containerID string) (string, bool)
	Forget(containerID string) error
	All() iter.Seq2[string, string]
	Count() int
}

// Instruments receives operational counters from the watcher. A nil
// Instruments disables instrumentation.
type Instruments interface {
	SetTrackedContainers(count int)
	IncRuleOperation(op string)
	IncError(errorType string)
}

type noopInstruments struct{}

func (noopInstruments) SetTrackedContainers(int) {}
func (noopInstruments) IncRuleOperation(string)  {}
func (noopInstruments) IncError(string)          {}
