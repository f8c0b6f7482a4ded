package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-scheduler/internal/metrics"
)

const probeTimeout = 3 * time.Second

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// Pinger is anything with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type poolStater interface {
	Stat() *pgxpool.Stat
}

// HealthzHandler handles GET /healthz.
// Always returns 200 OK with {"status":"ok"}.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondStatus(w, http.StatusOK, "ok")
	}
}

// DependencyHandler handles GET /health/{dependency}.
// Returns 200 {"status":"ok"} when check passes, otherwise 503
// {"status":"fail"} with a Retry-After header.
func DependencyHandler(name string, check CheckFunc, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		if err := check(ctx); err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			w.Header().Set("Retry-After", "30")
			respondStatus(w, http.StatusServiceUnavailable, "fail")
			return
		}
		respondStatus(w, http.StatusOK, "ok")
	}
}

// DatabaseCheck pings the database and refreshes the pool gauges when the
// pinger exposes pool stats.
func DatabaseCheck(db Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if s, ok := db.(poolStater); ok {
			metrics.ObservePool(s.Stat())
		}
		return db.Ping(ctx)
	}
}
