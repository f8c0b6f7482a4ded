package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-scheduler/internal/broker"
	"github.com/sungwon/mail-scheduler/internal/objstore"
)

// Deps are the dependencies the operational endpoints report on. Storage
// may be nil in processes that never read attachments.
type Deps struct {
	DB        Pinger
	Emails    StatusCounter
	Broker    broker.Broker
	Storage   objstore.Store
	QueueName string
}

// NewRouter creates a chi.Mux with the health, metrics and queue endpoints.
func NewRouter(deps Deps, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(RecoverMiddleware(log))

	r.Get("/healthz", HealthzHandler())
	r.Get("/health/db", DependencyHandler("db", DatabaseCheck(deps.DB), log))
	r.Get("/health/broker", DependencyHandler("broker", deps.Broker.Ping, log))
	if deps.Storage != nil {
		r.Get("/health/storage", DependencyHandler("storage", deps.Storage.HealthCheck, log))
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/metrics/emails", EmailMetricsHandler(deps.Emails, log))
	r.Get("/queue", QueueHandler(deps.Broker, deps.QueueName, log))

	return r
}
