package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-scheduler/internal/broker"
	"github.com/sungwon/mail-scheduler/internal/logger"
	"github.com/sungwon/mail-scheduler/internal/metrics"
)

// SettleTimeout bounds the ack or requeue issued after processing, which runs
// even when the processing context has ended.
const SettleTimeout = 5 * time.Second

type processor interface {
	Process(ctx context.Context, emailID string) (Outcome, error)
}

// Handler maps processing outcomes onto delivery acknowledgements.
type Handler struct {
	processor processor
	log       zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(p processor, log zerolog.Logger) *Handler {
	return &Handler{processor: p, log: log}
}

// HandleDelivery processes one delivery and settles it. Only OutcomeRetry
// requeues; every other result, including store errors and panics, acks so
// a poison message cannot loop forever.
func (h *Handler) HandleDelivery(ctx context.Context, d broker.Delivery) {
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	start := time.Now()
	defer func() {
		metrics.WorkerProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	msg, err := broker.DecodeDispatch(d.Body())
	if err != nil {
		h.log.Warn().Err(err).Str("delivery_id", d.ID()).Msg("malformed dispatch message, acknowledging")
		metrics.WorkerOutcomesTotal.WithLabelValues("malformed").Inc()
		h.settle(ctx, d, false, h.log)
		return
	}

	dlog := h.log.With().
		Str("delivery_id", d.ID()).
		Bool("redelivered", d.Redelivered()).
		Logger()
	log := dlog.With().Str("email_id", msg.EmailID).Logger()

	outcome, err := h.process(logger.WithLogger(ctx, dlog), msg.EmailID)
	if err != nil {
		metrics.WorkerOutcomesTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("processing failed, acknowledging to avoid a redelivery loop")
		h.settle(ctx, d, false, log)
		return
	}

	metrics.WorkerOutcomesTotal.WithLabelValues(outcome.String()).Inc()
	log.Debug().Str("outcome", outcome.String()).Msg("delivery processed")
	h.settle(ctx, d, outcome == OutcomeRetry, log)
}

func (h *Handler) process(ctx context.Context, emailID string) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(h.log, r, map[string]string{"component": "worker", "email_id": emailID}, "processing panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.processor.Process(ctx, emailID)
}

// settle acks or requeues on a context that survives shutdown and the
// processing deadline.
func (h *Handler) settle(ctx context.Context, d broker.Delivery, requeue bool, log zerolog.Logger) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SettleTimeout)
	defer cancel()

	var err error
	if requeue {
		err = d.Nack(settleCtx, true)
	} else {
		err = d.Ack(settleCtx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Bool("requeue", requeue).Msg("failed to settle delivery")
	}
}
