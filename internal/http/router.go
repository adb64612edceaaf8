package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// BasePath prefix of every API route
const BasePath = "/api/v1"

// HealthCheck reports dependency health; nil means healthy
type HealthCheck func(ctx context.Context) error

// NewRouter mounts the API handlers under BasePath plus /healthz
func NewRouter(h *Handler, health HealthCheck, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if health != nil {
			if err := health(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
				return
			}
		}
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})

	r.Route(BasePath, func(r chi.Router) {
		r.Route("/bins", func(r chi.Router) {
			r.Post("/", h.CreateBin)
			r.Get("/", h.ListBins)
			r.Get("/{id}", h.GetBin)
			r.Post("/{id}/telemetry", h.PostTelemetry)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.CreateTask)
			r.Get("/", h.ListTasks)
			r.Get("/{id}", h.GetTask)
			r.Get("/{id}/events", h.ListTaskEvents)
			r.Post("/{id}/assign", h.AssignTask)
			r.Put("/{id}/status", h.UpdateTaskStatus)
			r.Post("/{id}/cancel", h.CancelTask)
		})

		r.Post("/drivers/{id}/location", h.PostLocation)

		r.Get("/logs", h.GetLogs)
		r.Get("/logs/export", h.ExportLogs)
		r.Get("/stats/emptied", h.GetEmptiedStats)
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
