package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sungwon/mail-scheduler/internal/broker"
)

type deliveryHandler interface {
	HandleDelivery(ctx context.Context, d broker.Delivery)
}

// Consumer pulls deliveries from the broker and hands them to the handler,
// at most Prefetch at a time.
type Consumer struct {
	source         broker.Consumer
	handler        deliveryHandler
	prefetch       int
	processTimeout time.Duration
	log            zerolog.Logger
}

// NewConsumer creates a Consumer. prefetch <= 0 means one delivery at a time.
func NewConsumer(source broker.Consumer, handler deliveryHandler, prefetch int, processTimeout time.Duration, log zerolog.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		source:         source,
		handler:        handler,
		prefetch:       prefetch,
		processTimeout: processTimeout,
		log:            log,
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight handlers.
// Handlers are not cancelled by ctx; each is bounded by the process timeout
// instead, so a send already in progress finishes during shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to dispatch queue: %w", err)
	}

	c.log.Info().Int("prefetch", c.prefetch).Msg("worker consuming")

	var g errgroup.Group
	g.SetLimit(c.prefetch)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d, ok := <-deliveries:
			if !ok {
				break loop
			}
			g.Go(func() error {
				c.handle(ctx, d)
				return nil
			})
		}
	}

	_ = g.Wait()
	c.log.Info().Msg("worker stopped consuming")
	return nil
}

func (c *Consumer) handle(ctx context.Context, d broker.Delivery) {
	hctx := context.WithoutCancel(ctx)
	if c.processTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, c.processTimeout)
		defer cancel()
	}
	c.handler.HandleDelivery(hctx, d)
}
