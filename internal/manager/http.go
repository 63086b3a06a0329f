package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/morezero/modbridge/pkg/metrics"
)

const httpLogPrefix = "manager:http"

// HealthChecker reports whether a dependency is reachable.
type HealthChecker func(ctx context.Context) error

// HealthOutput is the /health response body.
type HealthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// Router builds the manager's HTTP API. checks are run by /health with
// timeout each.
func Router(m *Manager, timeout time.Duration, checks map[string]HealthChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		out := HealthOutput{Status: "healthy", Checks: map[string]bool{}, Timestamp: time.Now().UTC().Format(time.RFC3339)}
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(req.Context(), timeout)
			err := check(ctx)
			cancel()
			out.Checks[name] = err == nil
			if err != nil {
				out.Status = "unhealthy"
				slog.Warn(fmt.Sprintf("%s - health check %s failed: %v", httpLogPrefix, name, err))
			}
		}
		status := http.StatusOK
		if out.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, out)
	})

	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !m.AllReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/modules", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, m.Modules())
		})
		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			mod := m.Module(chi.URLParam(req, "id"))
			if mod == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "module not found"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"id":                    mod.ID,
				"module":                mod.Type,
				"config_module":         mod.Config,
				"config_implementation": mod.ImplementationConfig,
				"connections":           mod.Connections,
				"standalone":            mod.Standalone,
			})
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - encode response: %v", httpLogPrefix, err))
	}
}
