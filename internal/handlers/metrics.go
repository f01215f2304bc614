package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cryptodata/api-gateway/internal/services"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// MetricsHandler handles metrics endpoints
type MetricsHandler struct {
	metricsCollector *services.MetricsCollector
	checks           map[string]HealthCheck
	paymentsEnabled  bool
	logger           *slog.Logger
	now              func() time.Time
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(metricsCollector *services.MetricsCollector, checks map[string]HealthCheck, paymentsEnabled bool, logger *slog.Logger) *MetricsHandler {
	return &MetricsHandler{
		metricsCollector: metricsCollector,
		checks:           checks,
		paymentsEnabled:  paymentsEnabled,
		logger:           logger,
		now:              time.Now,
	}
}

// GetMetrics returns current system metrics
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metricsCollector.GetSnapshot())
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Payments  string            `json:"payments"`
	Services  map[string]string `json:"services"`
}

// HealthCheck checks the health of the system and its dependencies
func (h *MetricsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Payments:  "disabled",
		Services:  make(map[string]string, len(h.checks)),
	}
	if h.paymentsEnabled {
		health.Payments = "enabled"
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			health.Services[name] = "unhealthy: " + err.Error()
			health.Status = "degraded"
			h.logger.Warn("health check failed", "service", name, "error", err)
			continue
		}
		health.Services[name] = "healthy"
	}

	statusCode := http.StatusOK
	if health.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}
