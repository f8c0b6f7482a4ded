// Package objstore reads email attachment content from the shared object
// store. The pipeline never writes or deletes objects.
package objstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no object exists under the requested key.
var ErrNotFound = errors.New("objstore: object not found")

// Store fetches attachment bytes by storage key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	HealthCheck(ctx context.Context) error
}

// Config holds configuration for creating a Store.
type Config struct {
	Type        string // "s3" or "local"
	Path        string // base directory for the local store
	S3Bucket    string
	S3Prefix    string
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
}

// New creates a Store based on the provided configuration.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Type {
	case "s3":
		logger.Info().
			Str("bucket", cfg.S3Bucket).
			Str("endpoint", cfg.S3Endpoint).
			Msg("using s3 attachment store")
		return NewS3StoreFromConfig(ctx, cfg)
	case "local":
		logger.Info().Str("path", cfg.Path).Msg("using local attachment store")
		return NewLocalStore(cfg.Path)
	default:
		return nil, fmt.Errorf("objstore: unsupported store type %q", cfg.Type)
	}
}
