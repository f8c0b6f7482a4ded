package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sungwon/mail-scheduler/internal/mailer"
	"github.com/sungwon/mail-scheduler/internal/storage"
)

// memStore applies the same guarded updates as the SQL store.
type memStore struct {
	mu     sync.Mutex
	emails map[uuid.UUID]*storage.Email
	getErr error
}

func newMemStore() *memStore {
	return &memStore{emails: make(map[uuid.UUID]*storage.Email)}
}

func (m *memStore) put(e *storage.Email) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails[e.ID] = e
}

func (m *memStore) snapshot(id uuid.UUID) storage.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.emails[id]
}

func (m *memStore) GetEmail(_ context.Context, id uuid.UUID) (*storage.Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	e, ok := m.emails[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) MarkSent(_ context.Context, id uuid.UUID, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[id]
	if !ok || e.Status != storage.StatusProcessing {
		return storage.ErrStatusConflict
	}
	e.Status = storage.StatusSent
	e.SentAt = &sentAt
	e.ErrorMessage = nil
	return nil
}

func (m *memStore) RecordFailure(_ context.Context, arg storage.RecordFailureParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[arg.ID]
	if !ok || e.Status != storage.StatusProcessing || e.RetryCount != arg.PrevRetryCount {
		return storage.ErrStatusConflict
	}
	e.Status = arg.Status
	e.RetryCount = arg.RetryCount
	msg := arg.ErrorMessage
	e.ErrorMessage = &msg
	return nil
}

type memFiles map[string][]byte

func (f memFiles) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f[key]
	if !ok {
		return nil, errors.New("object not found: " + key)
	}
	return data, nil
}

// fakeSender fails while failures > 0 (or always with failAlways).
type fakeSender struct {
	mu         sync.Mutex
	sent       []*mailer.Message
	failures   int
	failAlways bool
	panicWith  any
}

func (s *fakeSender) Name() string { return "fake" }

func (s *fakeSender) Send(_ context.Context, msg *mailer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	if s.failAlways || s.failures > 0 {
		s.failures--
		return errors.New("421 service not available")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// fakeDelivery records how it was settled.
type fakeDelivery struct {
	mu          sync.Mutex
	body        []byte
	id          string
	redelivered bool
	acked       bool
	nacked      bool
	requeued    bool
}

func (d *fakeDelivery) Body() []byte      { return d.body }
func (d *fakeDelivery) ID() string        { return d.id }
func (d *fakeDelivery) Redelivered() bool { return d.redelivered }

func (d *fakeDelivery) Ack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(_ context.Context, requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.requeued = requeue
	return nil
}

func (d *fakeDelivery) settled() (acked, requeued bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked && d.requeued
}

func processingEmail(retryCount int) *storage.Email {
	id := uuid.New()
	return &storage.Email{
		ID:         id,
		UserID:     uuid.New(),
		Subject:    "Quarterly report",
		BodyHTML:   "<p>See attached.</p>",
		Status:     storage.StatusProcessing,
		RetryCount: retryCount,
		Recipients: []storage.Recipient{
			{ID: uuid.New(), EmailID: id, Email: "to@example.com", Type: storage.RecipientTo},
		},
	}
}
