package core

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker is a named dependency probe. Implemented by thin adapters
// over the pgx pool and the redis client in cmd wiring.
type HealthChecker interface {
	Name() string
	Ping(ctx context.Context) error
}

// healthCheckTimeout bounds each dependency probe so a wedged dependency
// cannot stall the endpoint past the load balancer's own timeout.
const healthCheckTimeout = 2 * time.Second

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HandleHealth probes every registered dependency and reports 200 when all
// pass, 503 otherwise. Probe errors are logged but never echoed to clients.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.HealthCheckers))
	healthy := true

	for _, hc := range s.HealthCheckers {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := hc.Ping(ctx)
		cancel()

		if err != nil {
			healthy = false
			checks[hc.Name()] = "unhealthy"
			s.Logger.ErrorContext(r.Context(), "health check failed",
				"check", hc.Name(), "error", err)
		} else {
			checks[hc.Name()] = "ok"
		}
	}

	status := healthStatus{Status: "ok", Checks: checks}
	code := http.StatusOK
	if !healthy {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	JSON(w, r, code, status)
}

// CheckFunc adapts a plain ping function into a HealthChecker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Ping(ctx context.Context) error { return c.Fn(ctx) }
