package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/resilience"
)

// Breakers is satisfied by *resilience.Registry.
type Breakers interface {
	HealthStatus() map[string]resilience.Health
	Reset(service string) bool
	ResetAll()
}

// AdminHandler serves only the breaker admin endpoints under
// /v1/admin/services. Worker processes expose it for their own registry.
func AdminHandler(b Breakers, logger *zap.Logger) http.Handler {
	logger = logging.OrNop(logger)
	r := newRouter(logger)
	r.Route("/v1/admin/services", adminRoutes(b, logger))
	return r
}

func adminRoutes(b Breakers, logger *zap.Logger) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, b.HealthStatus())
		})
		r.Post("/reset", func(w http.ResponseWriter, _ *http.Request) {
			b.ResetAll()
			logger.Info("all circuit breakers reset")
			writeJSON(w, http.StatusOK, map[string]any{"reset": true})
		})
		r.Post("/{name}/reset", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			if !b.Reset(name) {
				writeError(w, http.StatusNotFound, "unknown service")
				return
			}
			logger.Info("circuit breaker reset", zap.String("service", name))
			writeJSON(w, http.StatusOK, map[string]any{"service": name, "reset": true})
		})
	}
}
