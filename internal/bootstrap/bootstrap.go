// Package bootstrap holds the startup steps shared by the binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-scheduler/internal/config"
	"github.com/sungwon/mail-scheduler/internal/logger"
	"github.com/sungwon/mail-scheduler/internal/storage"
	"github.com/sungwon/mail-scheduler/migrations"
)

const sentryFlushTimeout = 2 * time.Second

// Logger builds the service logger and, when a DSN is configured, attaches
// the Sentry hook. The returned func flushes buffered Sentry events.
func Logger(cfg *config.Config, service, release string) (zerolog.Logger, func(), error) {
	log := logger.NewFromConfig(cfg.Logging.ForService(service))

	enabled, err := logger.InitSentry(cfg.Sentry.Options(release))
	if err != nil {
		return log, func() {}, err
	}
	if !enabled {
		return log, func() {}, nil
	}

	log = log.Hook(logger.NewSentryHook(nil))
	log.Info().Str("environment", cfg.Sentry.Environment).Msg("sentry error reporting enabled")
	return log, func() { logger.FlushSentry(sentryFlushTimeout) }, nil
}

// Database opens the pool and applies migrations when auto_migrate is set.
func Database(ctx context.Context, cfg config.DatabaseConfig, service string, log zerolog.Logger) (*storage.DB, error) {
	db, err := storage.NewDB(ctx, cfg.Pool(service))
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := storage.Migrate(ctx, db.Pool, migrations.FS, log); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// NewHTTPServer creates the operational HTTP server.
func NewHTTPServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down within timeout.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, log zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return <-errCh
}
