// Package health exposes the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/logging"
)

// Pinger is the dependency surface a readiness check probes. The Redis bus
// satisfies it; a nil Pinger marks the dependency healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the health endpoints.
type Handler struct {
	bus   Pinger
	ready func() bool
}

// NewHandler builds the handler. ready reports whether the composition
// root finished startup; nil means always ready.
func NewHandler(bus Pinger, ready func() bool) *Handler {
	return &Handler{bus: bus, ready: ready}
}

// LivenessResponse is the GET /health/live body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the GET /health/ready body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness returns 200 whenever the process is alive. No dependencies are
// consulted.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness returns 200 only when startup finished and every dependency
// answers; otherwise 503 with the failing checks.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.ready != nil && !h.ready() {
		checks["startup"] = "pending"
		allHealthy = false
	} else {
		checks["startup"] = "complete"
	}

	checks["bus"] = h.checkBus(ctx)
	if checks["bus"] != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkBus(ctx context.Context) string {
	// Single-instance deployments run without a bus.
	if h.bus == nil {
		return "healthy"
	}
	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "Bus health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
