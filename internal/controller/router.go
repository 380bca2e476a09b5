// internal/controller/router.go
package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/unclebandit/zalo-scheduler/internal/handler"
	"github.com/unclebandit/zalo-scheduler/internal/service"
)

// NewRouter wires every route onto a chi mux. ping may be nil.
func NewRouter(svc *service.ScheduleService, ping func(ctx context.Context) error, log *zap.SugaredLogger) *chi.Mux {
	schedules := &ScheduleController{ScheduleService: svc, Logger: log}
	history := &handler.HistoryHandler{Service: svc, Logger: log}
	accounts := &handler.AccountHandler{Service: svc, Logger: log}
	health := &handler.HealthHandler{Ping: ping}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", health.Health)

	actor := handler.RequireActor(log)

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/running", schedules.ListRunning)
		r.Get("/archived", schedules.ListArchived)
		r.With(actor).Post("/", schedules.CreateSchedule)
		r.Get("/{id}", schedules.GetSchedule)
		r.With(actor).Post("/{id}/stop", schedules.StopSchedule)
		r.Get("/{id}/history", history.ForSchedule)
		r.With(actor).Delete("/{id}/tasks/{taskId}", schedules.RemoveTask)
		r.Post("/{id}/tasks/{taskId}/reserve", schedules.ReserveTask)
		r.Post("/{id}/tasks/{taskId}/result", schedules.ReportResult)
	})

	r.Get("/customers/{id}/history", history.ForCustomer)

	r.Post("/accounts/{id}/reserve", accounts.Reserve)
	r.With(actor).Put("/accounts/{id}/limits", accounts.UpdateLimits)

	return r
}

func requestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Infow("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
