package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"galaxymarket/internal/observability"
)

// RouterConfig carries the optional cross-cutting pieces of the router.
type RouterConfig struct {
	Limiter limiter
	Metrics *observability.Metrics
	// Live serves GET /ws/status; nil leaves the route out.
	Live   http.Handler
	Logger *zap.Logger
}

func NewRouter(handler *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(logger))
	r.Use(observeMiddleware(cfg.Metrics, logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Live != nil {
		r.Handle("/ws/status", cfg.Live)
	}

	r.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(cfg.Limiter, cfg.Metrics))
		r.Route("/demands", func(r chi.Router) {
			r.Post("/", handler.createDemand)
			r.Get("/", handler.listDemands)
			r.Get("/{id}", handler.getDemand)
			r.Delete("/{id}", handler.deleteDemand)
			r.Get("/{id}/status", handler.demandStatus)
			r.Post("/{id}/confirm", handler.confirmDemand)
		})
		r.Get("/tasks", handler.listTasks)
		r.Post("/tasks/{id}/complete", handler.completeTask)
	})
	return r
}
