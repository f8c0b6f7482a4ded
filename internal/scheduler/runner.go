package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-scheduler/internal/logger"
	"github.com/sungwon/mail-scheduler/internal/metrics"
)

// Start runs one tick immediately and then one every Interval until Stop
// is called or ctx is cancelled. A tick still running when the next one is
// due causes that next one to be skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
		s.tick(runCtx)
	}))

	s.cron = c
	s.cancel = cancel

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		s.tick(runCtx)
	}()
	c.Start()

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("scheduler started")
	return nil
}

// Stop halts the timer and waits for a running tick to finish, or for ctx
// to expire, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	defer cancel()

	cronDone := c.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.initial.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out, cancelling running tick")
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// tick runs RunTick and absorbs every failure so the next tick still fires.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerTicksTotal.WithLabelValues("panic").Inc()
			logger.LogPanic(s.log, r, map[string]string{"component": "scheduler"}, "scheduler tick panicked")
		}
	}()

	if ctx.Err() != nil {
		return
	}

	ctx = logger.WithCorrelationID(ctx, logger.NewCorrelationID())
	log := logger.Ctx(ctx, s.log)

	res, err := s.RunTick(ctx)
	switch {
	case errors.Is(err, ErrTickInProgress):
		metrics.SchedulerTicksTotal.WithLabelValues("skipped").Inc()
		log.Debug().Msg("previous tick still running, skipping")
	case err != nil:
		metrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("scheduler tick failed")
	default:
		metrics.SchedulerTicksTotal.WithLabelValues("ok").Inc()
		ev := log.Debug()
		if res.Claimed > 0 {
			ev = log.Info()
		}
		ev.Int("claimed", res.Claimed).
			Int("published", res.Published).
			Int("reverted", res.Reverted).
			Int("unconfirmed", res.Unconfirmed).
			Msg("scheduler tick completed")
	}
}

// cronLogger adapts zerolog to cron.Logger. Cron's own info chatter goes
// to debug.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
