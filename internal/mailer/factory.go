package mailer

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// New creates the Sender selected by cfg.Driver.
func New(cfg Config, log zerolog.Logger) (Sender, error) {
	log = log.With().Str("component", "mailer").Str("driver", cfg.Driver).Logger()

	switch cfg.Driver {
	case "", "smtp":
		if cfg.Host == "" || cfg.Port == 0 {
			return nil, errors.New("mailer: smtp requires host and port")
		}
		if cfg.FromAddress == "" {
			cfg.FromAddress = cfg.Username
		}
		if cfg.FromAddress == "" {
			return nil, errors.New("mailer: smtp requires a from address or username")
		}
		return NewSMTP(cfg, log), nil
	case "resend":
		if cfg.ResendKey == "" {
			return nil, errors.New("mailer: resend requires an api key")
		}
		if cfg.FromAddress == "" {
			return nil, errors.New("mailer: resend requires a from address")
		}
		return NewResend(cfg), nil
	case "stdout":
		return NewStdout(cfg), nil
	case "file":
		return NewFile(cfg), nil
	default:
		return nil, fmt.Errorf("mailer: unsupported driver %q", cfg.Driver)
	}
}
