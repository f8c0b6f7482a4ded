package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sungwon/mail-scheduler/internal/broker"
	"github.com/sungwon/mail-scheduler/internal/storage"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(store EmailClaimer, pub Publisher, cfg Config) *Scheduler {
	s := New(store, pub, cfg, zerolog.Nop())
	s.now = func() time.Time { return baseTime }
	return s
}

func TestNew_Defaults(t *testing.T) {
	s := New(newMemStore(), &fakePublisher{}, Config{}, zerolog.Nop())

	assert.Equal(t, 30*time.Second, s.cfg.Interval)
	assert.Equal(t, 100, s.cfg.BatchSize)
}

func TestRunTick_PublishesDueEmailsInScheduleOrder(t *testing.T) {
	store := newMemStore()
	third := store.add(baseTime.Add(-1*time.Minute), 0)
	first := store.add(baseTime.Add(-10*time.Minute), 0)
	second := store.add(baseTime.Add(-5*time.Minute), 0)
	future := store.add(baseTime.Add(time.Hour), 0)

	pub := &fakePublisher{}
	s := newTestScheduler(store, pub, Config{BatchSize: 100})

	res, err := s.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TickResult{Claimed: 3, Published: 3}, res)
	assert.Equal(t, []string{first.String(), second.String(), third.String()}, pub.ids())
	assert.Equal(t, storage.StatusProcessing, store.get(first).status)
	assert.Equal(t, storage.StatusProcessing, store.get(third).status)
	assert.Equal(t, storage.StatusScheduled, store.get(future).status)
}

func TestRunTick_NothingDue(t *testing.T) {
	store := newMemStore()
	store.add(baseTime.Add(time.Minute), 0)
	pub := &fakePublisher{}
	s := newTestScheduler(store, pub, Config{})

	res, err := s.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TickResult{}, res)
	assert.Empty(t, pub.ids())
}

func TestRunTick_RespectsBatchSize(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 7; i++ {
		store.add(baseTime.Add(-time.Duration(i+1)*time.Minute), 0)
	}
	pub := &fakePublisher{}
	s := newTestScheduler(store, pub, Config{BatchSize: 3})

	res, err := s.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 4, store.countStatus(storage.StatusScheduled))

	for i := 0; i < 2; i++ {
		_, err = s.RunTick(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 0, store.countStatus(storage.StatusScheduled))
	assert.Len(t, pub.ids(), 7)
}

func TestRunTick_BackpressureRevertsEmail(t *testing.T) {
	store := newMemStore()
	ok := store.add(baseTime.Add(-2*time.Minute), 0)
	rejected := store.add(baseTime.Add(-1*time.Minute), 2)

	pub := &fakePublisher{failFor: map[string]error{
		rejected.String(): broker.ErrBackpressure,
	}}
	s := newTestScheduler(store, pub, Config{})

	res, err := s.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Claimed: 2, Published: 1, Reverted: 1}, res)

	got := store.get(rejected)
	assert.Equal(t, storage.StatusScheduled, got.status)
	assert.Equal(t, 2, got.retryCount, "revert must not touch retry_count")
	assert.Equal(t, storage.StatusProcessing, store.get(ok).status)

	// Once the broker recovers the next tick picks the email up again.
	pub.clearFailures()
	res, err = s.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Claimed: 1, Published: 1}, res)
	assert.Equal(t, []string{ok.String(), rejected.String()}, pub.ids())
}

func TestRunTick_AnyPublishErrorReverts(t *testing.T) {
	store := newMemStore()
	id := store.add(baseTime.Add(-time.Minute), 0)
	pub := &fakePublisher{failFor: map[string]error{id.String(): errors.New("connection reset")}}
	s := newTestScheduler(store, pub, Config{})

	res, err := s.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reverted)
	assert.Equal(t, storage.StatusScheduled, store.get(id).status)
}

func TestRunTick_UnconfirmedPublishStaysProcessing(t *testing.T) {
	store := newMemStore()
	id := store.add(baseTime.Add(-time.Minute), 1)
	pub := &fakePublisher{failFor: map[string]error{
		id.String(): fmt.Errorf("%w: amqp publish confirm: %w", broker.ErrUnconfirmed, context.DeadlineExceeded),
	}}
	s := newTestScheduler(store, pub, Config{})

	res, err := s.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Claimed: 1, Unconfirmed: 1}, res)

	// The message may already be queued; reverting would let the next tick
	// publish a second copy.
	got := store.get(id)
	assert.Equal(t, storage.StatusProcessing, got.status)
	assert.Equal(t, 1, got.retryCount)

	pub.clearFailures()
	res, err = s.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, res, "an unconfirmed email must not be claimed again")
}

func TestRunTick_RevertFailureIsNotCounted(t *testing.T) {
	store := newMemStore()
	id := store.add(baseTime.Add(-time.Minute), 0)
	store.revertErr = errors.New("db down")
	pub := &fakePublisher{failFor: map[string]error{id.String(): broker.ErrBackpressure}}
	s := newTestScheduler(store, pub, Config{})

	res, err := s.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Claimed: 1}, res)
}

func TestRunTick_ClaimError(t *testing.T) {
	store := newMemStore()
	store.claimErr = errors.New("connection refused")
	pub := &fakePublisher{}
	s := newTestScheduler(store, pub, Config{})

	_, err := s.RunTick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.claimErr)
	assert.Empty(t, pub.ids())
}

func TestRunTick_RefusesOverlap(t *testing.T) {
	store := newMemStore()
	store.add(baseTime.Add(-time.Minute), 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	pub := &fakePublisher{hook: func(context.Context, broker.DispatchMessage) {
		close(entered)
		<-release
	}}
	s := newTestScheduler(store, pub, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunTick(context.Background())
		done <- err
	}()
	<-entered

	_, err := s.RunTick(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestTick_RecoversPanic(t *testing.T) {
	store := newMemStore()
	store.add(baseTime.Add(-time.Minute), 0)
	pub := &fakePublisher{hook: func(context.Context, broker.DispatchMessage) {
		panic("boom")
	}}
	s := newTestScheduler(store, pub, Config{})

	assert.NotPanics(t, func() { s.tick(context.Background()) })

	// The tick lock is released after a panic.
	pub.hook = nil
	_, err := s.RunTick(context.Background())
	assert.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	store := newMemStore()
	id := store.add(baseTime.Add(-time.Minute), 0)
	pub := &fakePublisher{}
	s := newTestScheduler(store, pub, Config{Interval: time.Hour})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second Start must fail")

	// The first tick runs immediately rather than after the interval.
	require.Eventually(t, func() bool {
		return len(pub.ids()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, id.String(), pub.ids()[0])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "Stop is idempotent")
}
