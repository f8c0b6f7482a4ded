package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-scheduler/internal/broker"
	"github.com/sungwon/mail-scheduler/internal/storage"
)

// StatusCounter counts emails in one status.
type StatusCounter interface {
	CountEmailsByStatus(ctx context.Context, status storage.EmailStatus) (int64, error)
}

// EmailMetricsHandler handles GET /metrics/emails.
// Returns {"sent": n}.
func EmailMetricsHandler(counter StatusCounter, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sent, err := counter.CountEmailsByStatus(r.Context(), storage.StatusSent)
		if err != nil {
			log.Error().Err(err).Msg("failed to count sent emails")
			respondError(w, http.StatusInternalServerError, "failed to count emails")
			return
		}
		respondJSON(w, http.StatusOK, map[string]int64{"sent": sent})
	}
}

type queueResponse struct {
	Queue     string `json:"queue"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// QueueHandler handles GET /queue.
// Returns the dispatch queue depth and consumer count.
func QueueHandler(inspector broker.Inspector, queue string, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := inspector.Inspect(r.Context())
		if err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("failed to inspect queue")
			respondError(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		respondJSON(w, http.StatusOK, queueResponse{
			Queue:     queue,
			Messages:  stats.Messages,
			Consumers: stats.Consumers,
		})
	}
}
