package metrics

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/lanfence/lanfence/internal/logging"
)

// HealthChecker tracks readiness signals for the watcher.
type HealthChecker struct {
	mu              sync.RWMutex
	runtimeVerified bool
	chainVerified   bool
	logger          *slog.Logger
}

// NewHealthChecker returns a HealthChecker with a logger derived from the shared logging package.
func NewHealthChecker() *HealthChecker {
	logger := logging.GetLogger()
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthChecker{logger: logger}
}

// SetRuntimeVerified records that the container runtime answered a ping.
func (h *HealthChecker) SetRuntimeVerified() {
	h.mu.Lock()
	h.runtimeVerified = true
	h.mu.Unlock()
}

// SetChainVerified records that the packet-filter chain has been confirmed reachable.
func (h *HealthChecker) SetChainVerified() {
	h.mu.Lock()
	h.chainVerified = true
	h.mu.Unlock()
}

// IsHealthy reports whether both readiness signals have been satisfied.
func (h *HealthChecker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runtimeVerified && h.chainVerified
}

// Handler produces an HTTP handler for the /healthz endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		runtimeVerified := h.runtimeVerified
		chainVerified := h.chainVerified
		h.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		if runtimeVerified && chainVerified {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK\n"))
			return
		}

		h.logger.Warn("health check not yet passing",
			slog.Bool("runtime_verified", runtimeVerified),
			slog.Bool("chain_verified", chainVerified),
		)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service Unavailable\n"))
	})
}
