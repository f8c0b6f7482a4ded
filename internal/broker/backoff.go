package broker

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

// backoff is the reconnect schedule for consume loops: the delay doubles per
// consecutive failure up to maxReconnectDelay, with jitter applied as
// delay * (0.5 + rand * 0.5).
type backoff struct {
	base    time.Duration
	attempt int
}

func newBackoff(base time.Duration) *backoff {
	if base <= 0 {
		base = defaultReconnectDelay
	}
	return &backoff{base: base}
}

// Next returns the delay before the next reconnect attempt.
func (b *backoff) Next() time.Duration {
	d := b.base
	for i := 0; i < b.attempt && d < maxReconnectDelay; i++ {
		d *= 2
	}
	d = min(d, maxReconnectDelay)
	b.attempt++

	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// Reset starts the schedule over after a successful attempt.
func (b *backoff) Reset() {
	b.attempt = 0
}

// sleepCtx waits for d or until ctx is done; it reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
