// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goclaw/eventmesh/pkg/api/response"
	"github.com/goclaw/eventmesh/pkg/version"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	started time.Time
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{
		checks:  make(map[string]CheckFunc),
		started: time.Now(),
		timeout: 2 * time.Second,
	}
}

// AddCheck registers a readiness check under name, replacing any previous one.
func (h *HealthHandler) AddCheck(name string, check CheckFunc) {
	if check == nil {
		return
	}
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// Health handles the liveness probe. It also answers the health endpoint
// polled by remote HTTP transport drivers.
// @Summary Liveness check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string "Service is alive"
// @Router /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the readiness probe.
// @Summary Readiness check
// @Description Runs the registered dependency checks
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{} "All checks pass"
// @Failure 503 {object} map[string]interface{} "A check failed"
// @Router /ready [get]
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	results := h.run(r.Context())
	for _, res := range results {
		if res != "ok" {
			response.JSON(w, http.StatusServiceUnavailable, map[string]any{
				"ready":  false,
				"checks": results,
			})
			return
		}
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"ready":  true,
		"checks": results,
	})
}

// Status handles the detailed status endpoint.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{
		"version": version.Info(),
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"checks":  h.run(r.Context()),
	})
}

func (h *HealthHandler) run(ctx context.Context) map[string]string {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	return results
}
