package broker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// New creates the Broker selected by cfg.Type. Backends connect lazily, so
// an unreachable broker surfaces on first use rather than here.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (Broker, error) {
	log = log.With().Str("component", "broker").Str("backend", cfg.Type).Logger()

	switch cfg.Type {
	case "", amqpBackend:
		return NewAMQPBroker(cfg, log), nil
	case redisBackend:
		return NewRedisBroker(cfg, log), nil
	case sqsBackend:
		return NewSQSBroker(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("broker: unsupported type %q", cfg.Type)
	}
}
