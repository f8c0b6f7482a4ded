// Package scheduler moves due emails onto the dispatch queue. Each tick
// claims a batch of SCHEDULED emails in one transaction and publishes a
// dispatch message per claimed email; a failed publish returns that email
// to SCHEDULED so a later tick picks it up again. A publish whose outcome is
// unknown leaves the email PROCESSING, since the message may already be
// queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-scheduler/internal/broker"
	"github.com/sungwon/mail-scheduler/internal/logger"
	"github.com/sungwon/mail-scheduler/internal/metrics"
	"github.com/sungwon/mail-scheduler/internal/storage"
)

// ErrTickInProgress is returned by RunTick while another tick is running.
var ErrTickInProgress = errors.New("scheduler: tick already in progress")

const (
	defaultInterval  = 30 * time.Second
	defaultBatchSize = 100
	revertTimeout    = 5 * time.Second
)

// EmailClaimer is the subset of the store the scheduler writes through.
type EmailClaimer interface {
	ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	RevertToScheduled(ctx context.Context, id uuid.UUID) error
}

// Publisher sends a dispatch message to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg broker.DispatchMessage) error
}

// Config controls tick cadence and batch size.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	TickTimeout time.Duration
}

// TickResult summarises one claim-and-publish pass.
type TickResult struct {
	Claimed     int
	Published   int
	Reverted    int
	Unconfirmed int
}

// Scheduler runs the periodic claim-and-publish loop.
type Scheduler struct {
	store     EmailClaimer
	publisher Publisher
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	tickMu sync.Mutex

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	initial sync.WaitGroup
}

// New creates a Scheduler. Zero Interval and BatchSize fall back to 30s
// and 100.
func New(store EmailClaimer, publisher Publisher, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Scheduler{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
	}
}

// RunTick claims up to BatchSize due emails and publishes one dispatch
// message for each. Emails whose publish fails are reverted to SCHEDULED
// with retry_count untouched, except on broker.ErrUnconfirmed. It returns
// ErrTickInProgress instead of running concurrently with itself.
func (s *Scheduler) RunTick(ctx context.Context) (TickResult, error) {
	var res TickResult

	if !s.tickMu.TryLock() {
		return res, ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	if s.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TickTimeout)
		defer cancel()
	}

	ids, err := s.store.ClaimDueEmails(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim due emails: %w", err)
	}
	res.Claimed = len(ids)
	metrics.SchedulerClaimedTotal.Add(float64(len(ids)))
	if len(ids) == 0 {
		return res, nil
	}

	log := logger.Ctx(ctx, s.log)
	for _, id := range ids {
		err := s.publisher.Publish(ctx, broker.DispatchMessage{EmailID: id.String()})
		if err == nil {
			res.Published++
			continue
		}
		if errors.Is(err, broker.ErrUnconfirmed) {
			// Reverting could send the email twice; a lost message needs an operator.
			res.Unconfirmed++
			log.Error().
				Err(err).
				Str("email_id", id.String()).
				Msg("publish unconfirmed, leaving email PROCESSING")
			continue
		}

		log.Warn().
			Err(err).
			Str("email_id", id.String()).
			Bool("backpressure", errors.Is(err, broker.ErrBackpressure)).
			Msg("publish failed, reverting email to SCHEDULED")

		if s.revert(ctx, id) {
			res.Reverted++
		}
	}

	metrics.SchedulerPublishedTotal.Add(float64(res.Published))
	metrics.SchedulerRevertedTotal.Add(float64(res.Reverted))
	metrics.SchedulerUnconfirmedTotal.Add(float64(res.Unconfirmed))
	return res, nil
}

// revert runs on a context detached from the tick deadline so an expired
// tick can still hand its unpublished claims back.
func (s *Scheduler) revert(ctx context.Context, id uuid.UUID) bool {
	revertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revertTimeout)
	defer cancel()

	if err := s.store.RevertToScheduled(revertCtx, id); err != nil {
		log := logger.Ctx(ctx, s.log)
		ev := log.Error()
		if errors.Is(err, storage.ErrStatusConflict) {
			ev = log.Warn()
		}
		ev.Err(err).Str("email_id", id.String()).Msg("failed to revert email to SCHEDULED")
		return false
	}
	return true
}
