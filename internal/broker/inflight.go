package broker

import (
	"context"
	"sync"
)

// inflight caps how many deliveries a pull consumer holds unsettled. A slot
// is taken before an entry is fetched and given back when the delivery is
// acked or nacked.
type inflight chan struct{}

func newInflight(limit int) inflight {
	if limit <= 0 {
		limit = 1
	}
	return make(inflight, limit)
}

// acquire blocks for one free slot, then takes up to want-1 more without
// blocking. It returns the number taken, or false once ctx is done.
func (s inflight) acquire(ctx context.Context, want int) (int, bool) {
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return 0, false
	}
	n := 1
	for n < want {
		select {
		case s <- struct{}{}:
			n++
		default:
			return n, true
		}
	}
	return n, true
}

func (s inflight) release(n int) {
	for range n {
		<-s
	}
}

// releaser returns a func that frees one slot no matter how often it runs.
func (s inflight) releaser() func() {
	var once sync.Once
	return func() { once.Do(func() { s.release(1) }) }
}
