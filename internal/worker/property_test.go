package worker

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-scheduler/internal/storage"
)

func TestProperty_RetryCeiling(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a permanently failing email reaches FAILED at exactly the ceiling", prop.ForAll(
		func(ceiling, extraRedeliveries int) bool {
			store := newMemStore()
			email := processingEmail(0)
			store.put(email)
			p := NewProcessor(store, memFiles{}, &fakeSender{failAlways: true}, ceiling, zerolog.Nop())

			for attempt := 1; attempt <= ceiling; attempt++ {
				outcome, err := p.Process(context.Background(), email.ID.String())
				if err != nil {
					return false
				}
				got := store.snapshot(email.ID)
				if got.RetryCount != attempt {
					return false
				}
				if attempt < ceiling && (outcome != OutcomeRetry || got.Status != storage.StatusProcessing) {
					return false
				}
				if attempt == ceiling && (outcome != OutcomeFailed || got.Status != storage.StatusFailed) {
					return false
				}
			}

			// Late duplicates change nothing.
			for i := 0; i < extraRedeliveries; i++ {
				outcome, err := p.Process(context.Background(), email.ID.String())
				if err != nil || outcome != OutcomeDiscard {
					return false
				}
			}
			got := store.snapshot(email.ID)
			return got.RetryCount == ceiling && got.Status == storage.StatusFailed
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 5),
	))

	properties.Property("success after k failures keeps retry_count at k", prop.ForAll(
		func(failures int) bool {
			store := newMemStore()
			email := processingEmail(0)
			store.put(email)
			p := NewProcessor(store, memFiles{}, &fakeSender{failures: failures}, 5, zerolog.Nop())

			for {
				outcome, err := p.Process(context.Background(), email.ID.String())
				if err != nil {
					return false
				}
				if outcome != OutcomeRetry {
					got := store.snapshot(email.ID)
					return outcome == OutcomeSent &&
						got.Status == storage.StatusSent &&
						got.RetryCount == failures
				}
			}
		},
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
