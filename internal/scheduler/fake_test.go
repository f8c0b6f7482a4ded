package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sungwon/mail-scheduler/internal/broker"
	"github.com/sungwon/mail-scheduler/internal/storage"
)

type memEmail struct {
	id          uuid.UUID
	status      storage.EmailStatus
	scheduledAt time.Time
	retryCount  int
}

// memStore is an in-memory EmailClaimer with the same conditional update
// rules as the SQL store.
type memStore struct {
	mu        sync.Mutex
	emails    map[uuid.UUID]*memEmail
	claimErr  error
	revertErr error
}

func newMemStore() *memStore {
	return &memStore{emails: make(map[uuid.UUID]*memEmail)}
}

func (m *memStore) add(scheduledAt time.Time, retryCount int) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.emails[id] = &memEmail{id: id, status: storage.StatusScheduled, scheduledAt: scheduledAt, retryCount: retryCount}
	return id
}

func (m *memStore) get(id uuid.UUID) memEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.emails[id]
}

func (m *memStore) countStatus(status storage.EmailStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.emails {
		if e.status == status {
			n++
		}
	}
	return n
}

func (m *memStore) ClaimDueEmails(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimErr != nil {
		return nil, m.claimErr
	}

	var due []*memEmail
	for _, e := range m.emails {
		if e.status == storage.StatusScheduled && !e.scheduledAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].scheduledAt.Before(due[j].scheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	ids := make([]uuid.UUID, 0, len(due))
	for _, e := range due {
		e.status = storage.StatusProcessing
		ids = append(ids, e.id)
	}
	return ids, nil
}

func (m *memStore) RevertToScheduled(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.revertErr != nil {
		return m.revertErr
	}
	e, ok := m.emails[id]
	if !ok || e.status != storage.StatusProcessing {
		return storage.ErrStatusConflict
	}
	e.status = storage.StatusScheduled
	return nil
}

// fakePublisher records published email ids. failFor selects ids whose
// publish returns the mapped error.
type fakePublisher struct {
	mu        sync.Mutex
	published []string
	failFor   map[string]error
	hook      func(ctx context.Context, msg broker.DispatchMessage)
}

func (p *fakePublisher) Publish(ctx context.Context, msg broker.DispatchMessage) error {
	if p.hook != nil {
		p.hook(ctx, msg)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failFor[msg.EmailID]; ok {
		return err
	}
	p.published = append(p.published, msg.EmailID)
	return nil
}

func (p *fakePublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

func (p *fakePublisher) clearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFor = nil
}
