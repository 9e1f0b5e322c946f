package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/queue"
)

type RouterConfig struct {
	Service   *queue.Service
	Hub       *events.Hub
	Checks    map[string]CheckFunc
	Heartbeat time.Duration
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(ActorMiddleware)
	r.Use(LoggingMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	svc := cfg.Service

	r.Route("/clinics", func(r chi.Router) {
		r.Post("/", createClinicHandler(svc))
		r.Get("/{id}", getClinicHandler(svc))
		r.Patch("/{id}", updateClinicHandler(svc))
		r.Post("/{id}/tokens", issueTokenHandler(svc))
		r.Post("/{id}/appointments", bookHandler(svc))
		r.Get("/{id}/appointments", listClinicAppointmentsHandler(svc))
		r.Post("/{id}/recompute", recomputeHandler(svc))
		r.Get("/{id}/stats", clinicStatsHandler(svc))
	})

	r.Get("/me/appointments", listMyAppointmentsHandler(svc))

	r.Route("/appointments/{id}", func(r chi.Router) {
		r.Get("/", getAppointmentHandler(svc))
		r.Post("/transitions", transitionHandler(svc))
		r.Get("/messages", listMessagesHandler(svc))
		r.Post("/messages", sendMessageHandler(svc))
	})

	streams := NewStreamHandler(svc, cfg.Hub, cfg.Heartbeat)
	r.Get("/stream/clinics/{id}", streams.Clinic)
	r.Get("/stream/me", streams.Patient)
	r.Get("/stream/appointments/{id}/messages", streams.Messages)

	return r
}
