package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTP delivers messages to a relay over implicit TLS (Secure), a required
// STARTTLS upgrade (StartTLS) or plain TCP, authenticating with PLAIN when
// credentials are configured.
type SMTP struct {
	cfg       Config
	tlsConfig *tls.Config
	log       zerolog.Logger
	now       func() time.Time
}

// NewSMTP creates an SMTP sender. A connection is opened per message.
func NewSMTP(cfg Config, log zerolog.Logger) *SMTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &SMTP{
		cfg:       cfg,
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
		log:       log,
		now:       time.Now,
	}
}

func (s *SMTP) Name() string { return "smtp" }

// Send composes msg and submits it in a single SMTP transaction. The
// envelope sender is the configured from address.
func (s *SMTP) Send(ctx context.Context, msg *Message) error {
	rcpts := msg.Recipients()
	if len(rcpts) == 0 {
		return ErrNoRecipients
	}

	raw, err := Compose(s.cfg.FromAddress, msg, s.now())
	if err != nil {
		return err
	}

	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if s.cfg.Username != "" && s.cfg.Password != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server does not support AUTH")
		}
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return fmt.Errorf("smtp: auth: %w", err)
		}
	}

	if err := c.Mail(s.cfg.FromAddress, nil); err != nil {
		return fmt.Errorf("smtp: mail from: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("smtp: rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp: data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp: write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: end data: %w", err)
	}

	if err := c.Quit(); err != nil && !errors.Is(err, io.EOF) {
		s.log.Debug().Err(err).Msg("smtp quit failed after successful submission")
	}
	return nil
}

func (s *SMTP) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if s.cfg.Secure {
		td := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp: dial %s: %w", addr, err)
	}

	var c *smtp.Client
	if !s.cfg.Secure && s.cfg.StartTLS {
		// the greeting and handshake run before the client timeouts apply
		_ = conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
		c, err = smtp.NewClientStartTLS(conn, s.tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("smtp: starttls: %w", err)
		}
		_ = conn.SetDeadline(time.Time{})
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = s.cfg.Timeout
	c.SubmissionTimeout = s.cfg.Timeout
	return c, nil
}
