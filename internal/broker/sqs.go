package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

const (
	sqsBackend     = "sqs"
	sqsMaxReceive  = 10
	sqsDefaultWait = 20
)

// SQSBroker carries dispatch messages on an SQS queue named after the
// configured queue. SQS has no exchange; Exchange and RoutingKey are unused.
type SQSBroker struct {
	client sqsAPI
	cfg    Config
	log    zerolog.Logger

	mu       sync.Mutex
	queueURL string
	closed   bool
}

// NewSQSBroker builds a real SQS client from the default AWS credential chain.
func NewSQSBroker(ctx context.Context, cfg Config, log zerolog.Logger) (*SQSBroker, error) {
	client, err := newAWSSQSClient(ctx, cfg.SQSRegion, cfg.SQSEndpoint)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	return newSQSBrokerWithClient(client, cfg, log), nil
}

func newSQSBrokerWithClient(client sqsAPI, cfg Config, log zerolog.Logger) *SQSBroker {
	if cfg.SQSWaitTime <= 0 {
		cfg.SQSWaitTime = sqsDefaultWait
	}
	return &SQSBroker{client: client, cfg: cfg, log: log}
}

func (b *SQSBroker) Name() string { return sqsBackend }

// resolveQueue looks the queue URL up once, creating the queue when absent.
func (b *SQSBroker) resolveQueue(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}
	if b.queueURL != "" {
		return b.queueURL, nil
	}

	url, err := b.client.GetQueueURL(ctx, b.cfg.Queue)
	if errors.Is(err, errQueueMissing) {
		b.log.Info().Str("queue", b.cfg.Queue).Msg("sqs queue missing, creating")
		url, err = b.client.CreateQueue(ctx, b.cfg.Queue, b.cfg.SQSVisTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("broker: resolve sqs queue %s: %w", b.cfg.Queue, err)
	}
	b.queueURL = url
	return url, nil
}

func (b *SQSBroker) Publish(ctx context.Context, msg DispatchMessage) (err error) {
	defer func() { observePublish(sqsBackend, err) }()

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	url, err := b.resolveQueue(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	if _, err := b.client.SendMessage(ctx, &sqsSendInput{QueueURL: url, MessageBody: string(data)}); err != nil {
		return fmt.Errorf("broker: sqs send message: %w", err)
	}
	return nil
}

// Consume long-polls the queue, receiving at most min(prefetch, 10)
// messages per call.
func (b *SQSBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	url, err := b.resolveQueue(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go b.consumeLoop(ctx, url, out)
	return out, nil
}

func (b *SQSBroker) consumeLoop(ctx context.Context, url string, out chan<- Delivery) {
	defer close(out)

	slots := newInflight(b.cfg.Prefetch)
	batch := min(b.cfg.Prefetch, sqsMaxReceive)
	bo := newBackoff(b.cfg.ReconnectDelay)
	for ctx.Err() == nil {
		n, ok := slots.acquire(ctx, batch)
		if !ok {
			return
		}
		res, err := b.client.ReceiveMessage(ctx, &sqsReceiveInput{
			QueueURL:            url,
			MaxNumberOfMessages: int32(n),
			WaitTimeSeconds:     b.cfg.SQSWaitTime,
			VisibilityTimeout:   b.cfg.SQSVisTimeout,
		})
		if err != nil {
			slots.release(n)
			if ctx.Err() != nil {
				return
			}
			delay := bo.Next()
			b.log.Error().Err(err).Str("queue_url", url).Dur("retry_in", delay).Msg("sqs receive error")
			ConsumerReconnectsTotal.WithLabelValues(sqsBackend).Inc()
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		bo.Reset()
		slots.release(n - len(res.Messages))

		for _, m := range res.Messages {
			d := &sqsDelivery{client: b.client, queueURL: url, msg: m, done: slots.releaser()}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Inspect reports visible plus in-flight messages. SQS does not expose a
// consumer count, so Consumers is always zero.
func (b *SQSBroker) Inspect(ctx context.Context) (QueueStats, error) {
	url, err := b.resolveQueue(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	visible, inFlight, err := b.client.QueueDepth(ctx, url)
	if err != nil {
		return QueueStats{}, fmt.Errorf("broker: sqs queue attributes: %w", err)
	}
	return QueueStats{Messages: visible + inFlight}, nil
}

func (b *SQSBroker) Ping(ctx context.Context) error {
	_, err := b.resolveQueue(ctx)
	return err
}

func (b *SQSBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

type sqsDelivery struct {
	client   sqsAPI
	queueURL string
	msg      sqsReceivedMessage
	done     func()
}

func (d *sqsDelivery) Body() []byte      { return []byte(d.msg.Body) }
func (d *sqsDelivery) ID() string        { return d.msg.MessageID }
func (d *sqsDelivery) Redelivered() bool { return d.msg.ReceiveCount > 1 }

func (d *sqsDelivery) Ack(ctx context.Context) error {
	defer d.release()
	observeSettle(sqsBackend, false, true)
	if err := d.client.DeleteMessage(ctx, &sqsDeleteInput{
		QueueURL:      d.queueURL,
		ReceiptHandle: d.msg.ReceiptHandle,
	}); err != nil {
		return fmt.Errorf("broker: sqs delete message %s: %w", d.msg.MessageID, err)
	}
	return nil
}

// Nack with requeue makes the message visible again immediately; without
// requeue it is deleted.
func (d *sqsDelivery) Nack(ctx context.Context, requeue bool) error {
	defer d.release()
	observeSettle(sqsBackend, requeue, false)
	if !requeue {
		return d.client.DeleteMessage(ctx, &sqsDeleteInput{
			QueueURL:      d.queueURL,
			ReceiptHandle: d.msg.ReceiptHandle,
		})
	}
	if err := d.client.ChangeMessageVisibility(ctx, &sqsChangeVisibilityInput{
		QueueURL:          d.queueURL,
		ReceiptHandle:     d.msg.ReceiptHandle,
		VisibilityTimeout: 0,
	}); err != nil {
		return fmt.Errorf("broker: sqs requeue message %s: %w", d.msg.MessageID, err)
	}
	return nil
}

func (d *sqsDelivery) release() {
	if d.done != nil {
		d.done()
	}
}
