package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthCheck probes one dependency.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to HealthCheck.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

type checkResult struct {
	Status  string `json:"status"`
	Latency string `json:"latency"`
	Error   string `json:"error,omitempty"`
}

// HealthHandler serves liveness and readiness endpoints.
type HealthHandler struct {
	checks  []HealthCheck
	timeout time.Duration
	started time.Time
	version string
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(version string, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		timeout: 5 * time.Second,
		started: time.Now(),
		version: version,
		logger:  logger.With(zap.String("component", "health_handler")),
	}
}

// AddCheck registers a dependency probe used by the readiness endpoint.
func (h *HealthHandler) AddCheck(c HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// Register attaches health routes to the mux.
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /ready", h.HandleReady)
}

// HandleHealth reports process health plus dependency status.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	results, healthy := h.runChecks(r.Context())
	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, Response{
		Success: healthy,
		Data: map[string]any{
			"status":  status,
			"version": h.version,
			"uptime":  time.Since(h.started).Round(time.Second).String(),
			"checks":  results,
		},
		Timestamp: time.Now().UTC(),
	})
}

// HandleHealthz is the liveness probe. It never touches dependencies.
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]string{"status": "ok"})
}

// HandleReady is the readiness probe. It fails when any dependency fails.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	results, healthy := h.runChecks(r.Context())
	if !healthy {
		WriteJSON(w, http.StatusServiceUnavailable, Response{
			Success:   false,
			Data:      map[string]any{"status": "not_ready", "checks": results},
			Timestamp: time.Now().UTC(),
		})
		return
	}
	WriteSuccess(w, map[string]any{"status": "ready", "checks": results})
}

func (h *HealthHandler) runChecks(ctx context.Context) (map[string]checkResult, bool) {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]checkResult, len(checks))
	healthy := true
	for _, c := range checks {
		start := time.Now()
		err := c.Check(ctx)
		res := checkResult{Status: "pass", Latency: time.Since(start).String()}
		if err != nil {
			res.Status = "fail"
			res.Error = err.Error()
			healthy = false
			h.logger.Warn("health check failed",
				zap.String("check", c.Name()),
				zap.Error(err))
		}
		results[c.Name()] = res
	}
	return results, healthy
}
