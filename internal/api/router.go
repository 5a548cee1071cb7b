package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clinichub/clinic-scheduling/internal/directory"
)

type RouterConfig struct {
	Service   Scheduler
	Reporter  Reporter
	Directory directory.Directory
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	Logger    *zap.Logger
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := NewHandlers(cfg.Service, cfg.Reporter, cfg.Logger)

	r.Group(func(r chi.Router) {
		r.Use(PrincipalMiddleware(cfg.Directory))

		r.Get("/doctors", h.listDoctors)
		r.Get("/doctors/{id}/availability", h.availability)
		r.Post("/doctors", h.createDoctor)
		r.Delete("/doctors/{id}", h.removeDoctor)
		r.Delete("/patients/{id}", h.removePatient)

		r.Post("/appointments", h.bookAppointment)
		r.Get("/appointments", h.listAppointments)
		r.Get("/appointments/{id}", h.getAppointment)
		r.Post("/appointments/{id}/reschedule", h.rescheduleAppointment)
		r.Post("/appointments/{id}/cancel", h.cancelAppointment)
		r.Post("/appointments/{id}/status", h.setAppointmentStatus)

		r.Get("/reports/summary", h.reportSummary)
		r.Get("/reports/appointments/export", h.exportAppointments)
	})

	return r
}
