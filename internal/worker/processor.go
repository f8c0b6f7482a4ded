// Package worker consumes dispatch messages and drives each email through
// PROCESSING to SENT or FAILED.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-scheduler/internal/logger"
	"github.com/sungwon/mail-scheduler/internal/mailer"
	"github.com/sungwon/mail-scheduler/internal/storage"
)

const defaultMaxRetries = 5

// Outcome is the result of processing one dispatch message.
type Outcome int

const (
	// OutcomeSent means the email was delivered and marked SENT.
	OutcomeSent Outcome = iota + 1
	// OutcomeDiscard means there was nothing to do: the email is missing or
	// no longer PROCESSING.
	OutcomeDiscard
	// OutcomeRetry means the attempt failed below the retry ceiling and the
	// message should be redelivered.
	OutcomeRetry
	// OutcomeFailed means the attempt failed and the email reached FAILED.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeDiscard:
		return "discard"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EmailStore is the subset of the store the worker reads and writes.
type EmailStore interface {
	GetEmail(ctx context.Context, id uuid.UUID) (*storage.Email, error)
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	RecordFailure(ctx context.Context, arg storage.RecordFailureParams) error
}

// AttachmentFetcher reads attachment content by storage key.
type AttachmentFetcher interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Processor runs the per-email state machine.
type Processor struct {
	store      EmailStore
	files      AttachmentFetcher
	sender     mailer.Sender
	maxRetries int
	log        zerolog.Logger
	now        func() time.Time
}

// NewProcessor creates a Processor. maxRetries <= 0 uses 5.
func NewProcessor(store EmailStore, files AttachmentFetcher, sender mailer.Sender, maxRetries int, log zerolog.Logger) *Processor {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Processor{
		store:      store,
		files:      files,
		sender:     sender,
		maxRetries: maxRetries,
		log:        log,
		now:        time.Now,
	}
}

// Process loads the email, sends it and records the result. A returned
// error means the store could not be read or written; the email row is
// left as it was.
func (p *Processor) Process(ctx context.Context, emailID string) (Outcome, error) {
	base := logger.Ctx(ctx, p.log)

	id, err := uuid.Parse(emailID)
	if err != nil {
		base.Warn().Str("email_id", emailID).Msg("dispatch message carries an invalid email id, discarding")
		return OutcomeDiscard, nil
	}

	email, err := p.store.GetEmail(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		base.Warn().Str("email_id", emailID).Msg("email not found, discarding")
		return OutcomeDiscard, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load email %s: %w", id, err)
	}

	log := base.With().
		Str("email_id", emailID).
		Int("retry_count", email.RetryCount).
		Logger()

	if email.Status != storage.StatusProcessing {
		log.Info().Str("status", string(email.Status)).Msg("email is not PROCESSING, discarding duplicate delivery")
		return OutcomeDiscard, nil
	}

	start := time.Now()
	if sendErr := p.deliver(ctx, email); sendErr != nil {
		log.Warn().Err(sendErr).Msg("send attempt failed")
		return p.recordFailure(ctx, email, sendErr, log)
	}

	if err := p.store.MarkSent(ctx, id, p.now()); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			log.Warn().Msg("email changed state while sending, not marking SENT")
			return OutcomeDiscard, nil
		}
		return 0, fmt.Errorf("mark email %s sent: %w", id, err)
	}

	log.Info().
		Str("sender", p.sender.Name()).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("email sent")
	return OutcomeSent, nil
}

// deliver builds and sends the message. A panic while doing so is reported
// and turned into an ordinary send failure.
func (p *Processor) deliver(ctx context.Context, email *storage.Email) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.CapturePanic(r, map[string]string{
				"component": "worker",
				"email_id":  email.ID.String(),
			})
			err = fmt.Errorf("panic during send: %v", r)
		}
	}()

	msg, err := p.buildMessage(ctx, email)
	if err != nil {
		return err
	}
	return p.sender.Send(ctx, msg)
}

func (p *Processor) buildMessage(ctx context.Context, email *storage.Email) (*mailer.Message, error) {
	msg := &mailer.Message{
		ID:      email.ID.String(),
		Subject: email.Subject,
		HTML:    email.BodyHTML,
	}
	if email.FromAlias != nil {
		msg.FromName = *email.FromAlias
	}

	for _, r := range email.Recipients {
		switch r.Type {
		case storage.RecipientTo:
			msg.To = append(msg.To, r.Email)
		case storage.RecipientCc:
			msg.Cc = append(msg.Cc, r.Email)
		case storage.RecipientBcc:
			msg.Bcc = append(msg.Bcc, r.Email)
		}
	}

	for _, a := range email.Attachments {
		content, err := p.files.Get(ctx, a.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("fetch attachment %s (%s): %w", a.Filename, a.StorageKey, err)
		}
		msg.Attachments = append(msg.Attachments, mailer.Attachment{
			Filename:    a.Filename,
			ContentType: a.MimeType,
			Content:     content,
		})
	}
	return msg, nil
}

func (p *Processor) recordFailure(ctx context.Context, email *storage.Email, sendErr error, log zerolog.Logger) (Outcome, error) {
	next := email.RetryCount + 1
	if next > p.maxRetries {
		next = p.maxRetries
	}

	status, outcome := storage.StatusProcessing, OutcomeRetry
	if next >= p.maxRetries {
		status, outcome = storage.StatusFailed, OutcomeFailed
	}

	err := p.store.RecordFailure(ctx, storage.RecordFailureParams{
		ID:             email.ID,
		PrevRetryCount: email.RetryCount,
		RetryCount:     next,
		Status:         status,
		ErrorMessage:   sendErr.Error(),
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		log.Warn().Msg("failure already recorded by a concurrent delivery, discarding")
		return OutcomeDiscard, nil
	}
	if err != nil {
		return 0, fmt.Errorf("record failure for email %s: %w", email.ID, err)
	}

	if outcome == OutcomeFailed {
		log.Error().Err(sendErr).Int("attempts", next).Msg("retry ceiling reached, email FAILED")
	}
	return outcome, nil
}
