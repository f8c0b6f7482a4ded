package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	amqpBackend     = "amqp"
	amqpDialTimeout = 10 * time.Second
)

// session owns one AMQP connection and channel. It connects on first use,
// declares the topology and reconnects on the next acquisition after the
// broker closes the channel or connection.
type session struct {
	name     string
	cfg      Config
	confirm  bool
	prefetch int
	log      zerolog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool

	flowPaused atomic.Bool
	blocked    atomic.Bool
}

func newSession(name string, cfg Config, confirm bool, prefetch int, log zerolog.Logger) *session {
	return &session{
		name:     name,
		cfg:      cfg,
		confirm:  confirm,
		prefetch: prefetch,
		log:      log.With().Str("session", name).Logger(),
	}
}

// channel returns the live channel, connecting first when needed.
func (s *session) channel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	if err := s.connectLocked(); err != nil {
		return nil, err
	}
	return s.ch, nil
}

func (s *session) connectLocked() error {
	if s.conn == nil || s.conn.IsClosed() {
		conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{
			Dial:       amqp.DefaultDial(amqpDialTimeout),
			Properties: amqp.Table{"connection_name": s.name},
		})
		if err != nil {
			return fmt.Errorf("broker: amqp dial: %w", err)
		}
		s.conn = conn
		s.blocked.Store(false)
		go s.watchBlocked(conn.NotifyBlocked(make(chan amqp.Blocking, 1)))
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: amqp open channel: %w", err)
	}
	if err := declareTopology(ch, s.cfg.Topology()); err != nil {
		_ = ch.Close()
		return err
	}
	if s.confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("broker: amqp enable confirms: %w", err)
		}
		s.flowPaused.Store(false)
		go s.watchFlow(ch.NotifyFlow(make(chan bool, 1)))
	}
	if s.prefetch > 0 {
		if err := ch.Qos(s.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("broker: amqp qos: %w", err)
		}
	}
	go s.watchClose(ch, ch.NotifyClose(make(chan *amqp.Error, 1)))

	s.ch = ch
	s.log.Info().Str("queue", s.cfg.Queue).Msg("amqp session established")
	return nil
}

func (s *session) watchClose(ch *amqp.Channel, closes <-chan *amqp.Error) {
	err, ok := <-closes
	if ok && err != nil {
		s.log.Warn().Str("reason", err.Reason).Int("code", err.Code).Msg("amqp channel closed")
	}
	s.mu.Lock()
	if s.ch == ch {
		s.ch = nil
	}
	s.mu.Unlock()
}

func (s *session) watchFlow(flows <-chan bool) {
	for active := range flows {
		s.flowPaused.Store(!active)
		if !active {
			s.log.Warn().Msg("amqp channel flow paused by broker")
		}
	}
}

func (s *session) watchBlocked(blockings <-chan amqp.Blocking) {
	for b := range blockings {
		s.blocked.Store(b.Active)
		if b.Active {
			s.log.Warn().Str("reason", b.Reason).Msg("amqp connection blocked by broker")
		}
	}
}

func (s *session) throttled() bool {
	return s.flowPaused.Load() || s.blocked.Load()
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn.Close()
	}
	return nil
}

func declareTopology(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.Exchange, t.ExchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", t.Exchange, err)
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind queue %s: %w", t.Queue, err)
	}
	return nil
}

// AMQPBroker publishes to a durable exchange and consumes from a durable
// queue on RabbitMQ. Publishing and consuming use separate connections.
type AMQPBroker struct {
	cfg Config
	log zerolog.Logger
	pub *session
	con *session
}

// NewAMQPBroker creates a broker that connects lazily on first use.
func NewAMQPBroker(cfg Config, log zerolog.Logger) *AMQPBroker {
	return &AMQPBroker{
		cfg: cfg,
		log: log,
		pub: newSession("mail-scheduler-publisher", cfg, true, 0, log),
		con: newSession("mail-scheduler-consumer", cfg, false, cfg.Prefetch, log),
	}
}

func (b *AMQPBroker) Name() string { return amqpBackend }

// Publish sends msg persistently and waits for the broker's confirm.
func (b *AMQPBroker) Publish(ctx context.Context, msg DispatchMessage) (err error) {
	defer func() { observePublish(amqpBackend, err) }()

	body, err := msg.Encode()
	if err != nil {
		return err
	}

	ch, err := b.pub.channel()
	if err != nil {
		return err
	}
	if b.pub.throttled() {
		return ErrBackpressure
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, b.cfg.Exchange, b.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.EmailID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: amqp publish: %w", err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: amqp publish confirm: %w", ErrUnconfirmed, err)
	}
	if !acked {
		// pending confirms resolve as nacks when the channel closes
		if ch.IsClosed() {
			return fmt.Errorf("%w: amqp channel closed before confirm", ErrUnconfirmed)
		}
		return ErrBackpressure
	}
	return nil
}

// Consume subscribes to the queue. The subscription is re-established with
// backoff after the connection is lost until ctx is cancelled.
func (b *AMQPBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	if _, err := b.con.channel(); err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go b.consumeLoop(ctx, out)
	return out, nil
}

func (b *AMQPBroker) consumeLoop(ctx context.Context, out chan<- Delivery) {
	defer close(out)

	bo := newBackoff(b.cfg.ReconnectDelay)
	for ctx.Err() == nil {
		ch, err := b.con.channel()
		if err == ErrClosed {
			return
		}
		var deliveries <-chan amqp.Delivery
		if err == nil {
			deliveries, err = ch.ConsumeWithContext(ctx, b.cfg.Queue, "", false, false, false, false, nil)
		}
		if err != nil {
			delay := bo.Next()
			b.log.Error().Err(err).Dur("retry_in", delay).Msg("amqp subscribe failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			ConsumerReconnectsTotal.WithLabelValues(amqpBackend).Inc()
			continue
		}
		bo.Reset()

		if !b.forward(ctx, deliveries, out) {
			return
		}
		b.log.Warn().Msg("amqp delivery stream closed, resubscribing")
		ConsumerReconnectsTotal.WithLabelValues(amqpBackend).Inc()
	}
}

// forward relays deliveries until the stream closes (true) or ctx ends (false).
func (b *AMQPBroker) forward(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return true
			}
			select {
			case out <- &amqpDelivery{d: d}:
			case <-ctx.Done():
				return false
			}
		}
	}
}

// Inspect reads the queue depth and consumer count with a passive declare.
func (b *AMQPBroker) Inspect(_ context.Context) (QueueStats, error) {
	ch, err := b.pub.channel()
	if err != nil {
		return QueueStats{}, err
	}
	q, err := ch.QueueDeclarePassive(b.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return QueueStats{}, fmt.Errorf("broker: inspect queue %s: %w", b.cfg.Queue, err)
	}
	return QueueStats{Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Ping verifies a channel can be opened.
func (b *AMQPBroker) Ping(_ context.Context) error {
	_, err := b.pub.channel()
	return err
}

// Close tears down both connections.
func (b *AMQPBroker) Close() error {
	errPub := b.pub.close()
	errCon := b.con.close()
	if errPub != nil {
		return errPub
	}
	return errCon
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a *amqpDelivery) Body() []byte      { return a.d.Body }
func (a *amqpDelivery) ID() string        { return strconv.FormatUint(a.d.DeliveryTag, 10) }
func (a *amqpDelivery) Redelivered() bool { return a.d.Redelivered }

func (a *amqpDelivery) Ack(_ context.Context) error {
	observeSettle(amqpBackend, false, true)
	return a.d.Ack(false)
}

func (a *amqpDelivery) Nack(_ context.Context, requeue bool) error {
	observeSettle(amqpBackend, requeue, false)
	return a.d.Nack(false, requeue)
}
