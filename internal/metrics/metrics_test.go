package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersInstruments(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	if m == nil {
		t.Fatal("expected metrics instance")
	}

	// Prime the counter vectors so the families appear in Gather results.
	m.IncRuleOperation("apply")
	m.IncError("bootstrap")

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	names := map[string]struct{}{}
	for _, family := range families {
		names[family.GetName()] = struct{}{}
	}

	for _, expected := range []string{"lanfence_tracked_containers", "lanfence_rule_operations_total", "lanfence_errors_total"} {
		if _, ok := names[expected]; !ok {
			t.Fatalf("expected metric %q to be registered", expected)
		}
	}
}

func TestMetricsSetTrackedContainers(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	m.SetTrackedContainers(3)
	if got := testutil.ToFloat64(m.trackedContainers); got != 3 {
		t.Fatalf("expected gauge to be 3, got %v", got)
	}

	m.SetTrackedContainers(0)
	if got := testutil.ToFloat64(m.trackedContainers); got != 0 {
		t.Fatalf("expected gauge to be 0, got %v", got)
	}
}

func TestMetricsCounters(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	m.IncRuleOperation("apply")
	m.IncRuleOperation("apply")
	m.IncRuleOperation("remove")
	m.IncError("apply")

	if got := testutil.ToFloat64(m.ruleOperations.WithLabelValues("apply")); got != 2 {
		t.Fatalf("expected apply counter to be 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.ruleOperations.WithLabelValues("remove")); got != 1 {
		t.Fatalf("expected remove counter to be 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal.WithLabelValues("apply")); got != 1 {
		t.Fatalf("expected error counter to be 1, got %v", got)
	}
}

func TestMetricsHandlerServesScrape(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.SetTrackedContainers(1)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "lanfence_tracked_containers 1") {
		t.Fatalf("scrape output missing gauge: %s", recorder.Body.String())
	}
}
