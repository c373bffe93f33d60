package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lanfence/lanfence/internal/docker"
)

type orchestratorFixture struct {
	runtime  *fakeRuntime
	rules    *fakeRules
	store    *fakeStore
	enforcer *Enforcer
	stopFile string
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	rules := newFakeRules()
	store := newFakeStore()
	runtime := newFakeRuntime()
	enforcer := newTestEnforcer(t, rules, store, runtime)

	return &orchestratorFixture{
		runtime:  runtime,
		rules:    rules,
		store:    store,
		enforcer: enforcer,
		stopFile: filepath.Join(t.TempDir(), "stop"),
	}
}

func (f *orchestratorFixture) build(t *testing.T, grace time.Duration, idle time.Duration) *Orchestrator {
	t.Helper()

	logger := slog.Default()

	listener, err := NewListener(f.runtime, f.enforcer, logger)
	if err != nil {
		t.Fatalf("create listener: %v", err)
	}
	monitor, err := NewMonitor(grace, idle, time.Now(), logger)
	if err != nil {
		t.Fatalf("create monitor: %v", err)
	}
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Runtime:      f.runtime,
		Enforcer:     f.enforcer,
		Monitor:      monitor,
		Listener:     listener,
		StopFile:     f.stopFile,
		PollInterval: 10 * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("create orchestrator: %v", err)
	}
	return orchestrator
}

func runOrchestrator(t *testing.T, orchestrator *Orchestrator, ctx context.Context) chan error {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- orchestrator.Run(ctx)
	}()
	return done
}

func waitDone(t *testing.T, done chan error, timeout time.Duration) {
	t.Helper()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("orchestrator returned error: %v", err)
		}
	case <-time.After(timeout):
		t.Fatal("orchestrator did not terminate in time")
	}
}

func TestOrchestratorExitsWhenNothingEverStarts(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t)
	orchestrator := fixture.build(t, 50*time.Millisecond, time.Hour)

	done := runOrchestrator(t, orchestrator, context.Background())
	waitDone(t, done, 5*time.Second)

	if len(fixture.rules.applies) != 0 {
		t.Fatal("rules were applied though no container ever matched")
	}
}

func TestOrchestratorExitsViaIdleAfterContainerLeaves(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t)
	fixture.runtime.setContainer("c1", "172.17.0.2", true)

	orchestrator := fixture.build(t, time.Hour, 50*time.Millisecond)
	done := runOrchestrator(t, orchestrator, context.Background())

	// The first poll confines the running container via the pull path.
	waitUntil(t, time.Second, func() bool {
		return fixture.rules.installedIPs()["172.17.0.2"]
	}, "poll did not confine running container")

	// Container goes away without any event being delivered.
	fixture.runtime.clear()

	waitDone(t, done, 5*time.Second)

	if len(fixture.rules.installedIPs()) != 0 {
		t.Fatal("sweep left rules installed")
	}
	if fixture.store.Count() != 0 {
		t.Fatal("sweep left state records")
	}
}

func TestOrchestratorHonorsStopMarker(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t)
	fixture.runtime.setContainer("c1", "172.17.0.2", true)

	orchestrator := fixture.build(t, time.Hour, time.Hour)
	done := runOrchestrator(t, orchestrator, context.Background())

	waitUntil(t, time.Second, func() bool {
		return fixture.rules.installedIPs()["172.17.0.2"]
	}, "poll did not confine running container")

	// An unprivileged caller requests shutdown while the container is
	// still running; the sweep must remove its rules anyway.
	if err := os.WriteFile(fixture.stopFile, nil, 0o644); err != nil {
		t.Fatalf("write stop marker: %v", err)
	}

	waitDone(t, done, 5*time.Second)

	if len(fixture.rules.installedIPs()) != 0 {
		t.Fatal("stop-marker sweep left rules installed")
	}
	if fixture.store.Count() != 0 {
		t.Fatal("stop-marker sweep left state records")
	}
	if _, err := os.Stat(fixture.stopFile); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("stop marker not removed: %v", err)
	}
}

func TestOrchestratorSweepsOnContextCancellation(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t)
	fixture.runtime.setContainer("c1", "172.17.0.2", true)

	orchestrator := fixture.build(t, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := runOrchestrator(t, orchestrator, ctx)

	waitUntil(t, time.Second, func() bool {
		return fixture.rules.installedIPs()["172.17.0.2"]
	}, "poll did not confine running container")

	cancel()
	waitDone(t, done, 5*time.Second)

	if len(fixture.rules.installedIPs()) != 0 {
		t.Fatal("cancellation sweep left rules installed")
	}
}

func TestShutdownWaitsForInFlightApplyBeforeSweep(t *testing.T) {
	t.Parallel()

	rules := newFakeRules()
	store := newFakeStore()
	base := newFakeRuntime()
	base.setContainer("c1", "172.17.0.2", false)
	runtime := newGatedRuntime(base, "c1")

	logger := slog.Default()
	enforcer := newTestEnforcer(t, rules, store, runtime)
	listener, err := NewListener(runtime, enforcer, logger)
	if err != nil {
		t.Fatalf("create listener: %v", err)
	}
	monitor, err := NewMonitor(time.Hour, time.Hour, time.Now(), logger)
	if err != nil {
		t.Fatalf("create monitor: %v", err)
	}
	stopFile := filepath.Join(t.TempDir(), "stop")
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Runtime:      runtime,
		Enforcer:     enforcer,
		Monitor:      monitor,
		Listener:     listener,
		StopFile:     stopFile,
		PollInterval: 10 * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("create orchestrator: %v", err)
	}

	done := runOrchestrator(t, orchestrator, context.Background())

	// Deliver a start event and hold its address resolution in flight.
	runtime.events <- docker.Event{ID: "c1", Action: docker.ActionStart}
	<-runtime.entered

	// Request shutdown while the apply is still pending, give the
	// orchestrator time to observe the marker, then let the apply finish.
	if err := os.WriteFile(stopFile, nil, 0o644); err != nil {
		t.Fatalf("write stop marker: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	close(runtime.gate)

	waitDone(t, done, 5*time.Second)

	if installed := rules.installedIPs(); len(installed) != 0 {
		t.Fatalf("watcher exited with rules still installed: %v", installed)
	}
	if store.Count() != 0 {
		t.Fatalf("watcher exited with %d state records", store.Count())
	}
}

func TestOrchestratorExitsWhenRuntimeStaysUnreachable(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t)
	fixture.runtime.runningErr = fmt.Errorf("daemon down")

	orchestrator := fixture.build(t, time.Hour, time.Hour)
	done := runOrchestrator(t, orchestrator, context.Background())
	waitDone(t, done, 5*time.Second)

	if len(fixture.rules.applies) != 0 {
		t.Fatal("rules were applied though the runtime never answered")
	}
}

func TestPollFailureCounterResetsOnSuccess(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t)
	orchestrator := fixture.build(t, time.Hour, time.Hour)
	ctx := context.Background()

	fixture.runtime.runningErr = fmt.Errorf("daemon down")
	for i := 0; i < maxConsecutivePollFailures-1; i++ {
		if reason := orchestrator.pollOnce(ctx); reason != "" {
			t.Fatalf("terminated after %d failures: %q", i+1, reason)
		}
	}

	// One successful poll clears the failure streak.
	fixture.runtime.runningErr = nil
	if reason := orchestrator.pollOnce(ctx); reason != "" {
		t.Fatalf("terminated on successful poll: %q", reason)
	}

	fixture.runtime.runningErr = fmt.Errorf("daemon down")
	for i := 0; i < maxConsecutivePollFailures-1; i++ {
		if reason := orchestrator.pollOnce(ctx); reason != "" {
			t.Fatalf("terminated after %d failures post-reset: %q", i+1, reason)
		}
	}
	if reason := orchestrator.pollOnce(ctx); reason == "" {
		t.Fatal("expected termination once the failure streak reached the limit")
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t)
	logger := slog.Default()

	listener, err := NewListener(fixture.runtime, fixture.enforcer, logger)
	if err != nil {
		t.Fatalf("create listener: %v", err)
	}
	monitor, err := NewMonitor(time.Minute, time.Minute, time.Now(), logger)
	if err != nil {
		t.Fatalf("create monitor: %v", err)
	}

	base := OrchestratorConfig{
		Runtime:      fixture.runtime,
		Enforcer:     fixture.enforcer,
		Monitor:      monitor,
		Listener:     listener,
		StopFile:     fixture.stopFile,
		PollInterval: time.Second,
	}

	tests := []struct {
		name   string
		mutate func(cfg *OrchestratorConfig)
	}{
		{name: "missing runtime", mutate: func(cfg *OrchestratorConfig) { cfg.Runtime = nil }},
		{name: "missing enforcer", mutate: func(cfg *OrchestratorConfig) { cfg.Enforcer = nil }},
		{name: "missing monitor", mutate: func(cfg *OrchestratorConfig) { cfg.Monitor = nil }},
		{name: "missing listener", mutate: func(cfg *OrchestratorConfig) { cfg.Listener = nil }},
		{name: "missing stop file", mutate: func(cfg *OrchestratorConfig) { cfg.StopFile = "" }},
		{name: "zero poll interval", mutate: func(cfg *OrchestratorConfig) { cfg.PollInterval = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := base
			tc.mutate(&cfg)
			if _, err := NewOrchestrator(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
