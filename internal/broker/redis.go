package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisBackend = "redis"

// RedisBroker carries dispatch messages on a Redis stream named after the
// queue, consumed through a consumer group named after the exchange.
type RedisBroker struct {
	client   *redis.Client
	cfg      Config
	log      zerolog.Logger
	consumer string

	mu         sync.Mutex
	groupReady bool
}

// NewRedisBroker creates a RedisBroker. No connection is made until first use.
func NewRedisBroker(cfg Config, log zerolog.Logger) *RedisBroker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisBrokerWithClient(client, cfg, log)
}

// NewRedisBrokerWithClient wraps an existing client.
func NewRedisBrokerWithClient(client *redis.Client, cfg Config, log zerolog.Logger) *RedisBroker {
	consumer := cfg.RedisConsumer
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		consumer = host
	}
	return &RedisBroker{
		client:   client,
		cfg:      cfg,
		log:      log,
		consumer: consumer,
	}
}

func (b *RedisBroker) Name() string { return redisBackend }

func (b *RedisBroker) stream() string { return b.cfg.Queue }
func (b *RedisBroker) group() string  { return b.cfg.Exchange }

// ensureGroup creates the stream and consumer group once. An existing group
// is not an error.
func (b *RedisBroker) ensureGroup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.groupReady {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.stream(), b.group(), "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create consumer group %s on stream %s: %w", b.group(), b.stream(), err)
	}
	b.groupReady = true
	return nil
}

// Publish appends msg to the stream. A stream at redis_max_len entries
// rejects the publish with ErrBackpressure.
func (b *RedisBroker) Publish(ctx context.Context, msg DispatchMessage) (err error) {
	defer func() { observePublish(redisBackend, err) }()

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	if b.cfg.RedisMaxLen > 0 {
		n, err := b.client.XLen(ctx, b.stream()).Result()
		if err != nil {
			return fmt.Errorf("broker: xlen %s: %w", b.stream(), err)
		}
		if n >= b.cfg.RedisMaxLen {
			return ErrBackpressure
		}
	}

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(),
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("broker: xadd to stream %s: %w", b.stream(), err)
	}
	return nil
}

// Consume reads the group's pending entries for this consumer first, so a
// restarted worker picks up what it had not acknowledged, then new entries.
// When redis_claim_idle is set, entries left pending that long by any
// consumer of the group are claimed and redelivered here.
func (b *RedisBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	if err := b.ensureGroup(ctx); err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go b.consumeLoop(ctx, out)
	return out, nil
}

func (b *RedisBroker) consumeLoop(ctx context.Context, out chan<- Delivery) {
	defer close(out)

	slots := newInflight(b.cfg.Prefetch)
	// Pending entries are paged by id; ">" switches to new entries.
	cursor := "0"
	claim := claimSweep{every: b.cfg.RedisClaimIdle / 2, start: "0-0"}
	bo := newBackoff(b.cfg.ReconnectDelay)
	for ctx.Err() == nil {
		n, ok := slots.acquire(ctx, b.cfg.Prefetch)
		if !ok {
			return
		}

		var (
			msgs        []redis.XMessage
			redelivered bool
			err         error
		)
		// Claims start once this consumer's own pending entries are replayed.
		claiming := cursor == ">" && b.cfg.RedisClaimIdle > 0 && claim.due(time.Now())
		if claiming {
			msgs, err = b.claimIdle(ctx, &claim, n)
			redelivered = true
		} else {
			msgs, err = b.readGroup(ctx, cursor, n)
			redelivered = cursor != ">"
		}
		if err != nil {
			slots.release(n)
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			delay := bo.Next()
			b.log.Error().Err(err).Str("consumer", b.consumer).Dur("retry_in", delay).Msg("stream read error")
			ConsumerReconnectsTotal.WithLabelValues(redisBackend).Inc()
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		bo.Reset()
		slots.release(n - len(msgs))

		if !claiming && cursor != ">" {
			if len(msgs) == 0 {
				cursor = ">"
			} else {
				cursor = msgs[len(msgs)-1].ID
			}
		}
		for _, xMsg := range msgs {
			d := &redisDelivery{broker: b, msg: xMsg, redelivered: redelivered, done: slots.releaser()}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *RedisBroker) readGroup(ctx context.Context, cursor string, count int) ([]redis.XMessage, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group(),
		Consumer: b.consumer,
		Streams:  []string{b.stream(), cursor},
		Count:    int64(count),
		Block:    b.cfg.RedisBlock,
	}).Result()
	if err != nil {
		return nil, err
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

// claimIdle takes over entries another consumer (usually a dead worker)
// has held for longer than redis_claim_idle.
func (b *RedisBroker) claimIdle(ctx context.Context, claim *claimSweep, count int) ([]redis.XMessage, error) {
	msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.stream(),
		Group:    b.group(),
		Consumer: b.consumer,
		MinIdle:  b.cfg.RedisClaimIdle,
		Start:    claim.start,
		Count:    int64(count),
	}).Result()
	if err != nil {
		claim.finish(time.Now())
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if next == "0-0" || next == "" {
		claim.finish(time.Now())
	} else {
		claim.start = next
	}
	if len(msgs) > 0 {
		RedisClaimedTotal.Add(float64(len(msgs)))
		b.log.Warn().Str("consumer", b.consumer).Int("claimed", len(msgs)).Msg("claimed entries idle past redis_claim_idle")
	}
	return msgs, nil
}

// claimSweep pages XAUTOCLAIM through the pending list and spaces full
// sweeps by every.
type claimSweep struct {
	every time.Duration
	start string
	next  time.Time
}

func (c *claimSweep) due(now time.Time) bool { return c.active() || !now.Before(c.next) }

// active reports a sweep that stopped mid-way through the pending list.
func (c *claimSweep) active() bool { return c.start != "0-0" }

func (c *claimSweep) finish(now time.Time) {
	c.start = "0-0"
	c.next = now.Add(c.every)
}

// Inspect reports the stream length and the group's consumer count.
func (b *RedisBroker) Inspect(ctx context.Context) (QueueStats, error) {
	if err := b.ensureGroup(ctx); err != nil {
		return QueueStats{}, err
	}
	n, err := b.client.XLen(ctx, b.stream()).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("broker: xlen %s: %w", b.stream(), err)
	}
	consumers, err := b.client.XInfoConsumers(ctx, b.stream(), b.group()).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("broker: xinfo consumers %s: %w", b.stream(), err)
	}
	return QueueStats{Messages: int(n), Consumers: len(consumers)}, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisDelivery struct {
	broker      *RedisBroker
	msg         redis.XMessage
	redelivered bool
	done        func()
}

// Body returns the JSON payload, or nil when the entry has no data field so
// the caller treats it as malformed.
func (d *redisDelivery) Body() []byte {
	data, ok := d.msg.Values["data"].(string)
	if !ok {
		return nil
	}
	return []byte(data)
}

func (d *redisDelivery) ID() string        { return d.msg.ID }
func (d *redisDelivery) Redelivered() bool { return d.redelivered }

func (d *redisDelivery) Ack(ctx context.Context) error {
	defer d.release()
	observeSettle(redisBackend, false, true)
	return d.ack(ctx)
}

// Nack with requeue re-appends the payload before acknowledging the
// original entry, so the message goes to the back of the stream.
func (d *redisDelivery) Nack(ctx context.Context, requeue bool) error {
	defer d.release()
	observeSettle(redisBackend, requeue, false)
	if !requeue {
		return d.ack(ctx)
	}

	b := d.broker
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.stream(),
			Values: d.msg.Values,
		})
		pipe.XAck(ctx, b.stream(), b.group(), d.msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("broker: requeue entry %s: %w", d.msg.ID, err)
	}
	return nil
}

func (d *redisDelivery) ack(ctx context.Context) error {
	b := d.broker
	if err := b.client.XAck(ctx, b.stream(), b.group(), d.msg.ID).Err(); err != nil {
		return fmt.Errorf("broker: xack entry %s on stream %s: %w", d.msg.ID, b.stream(), err)
	}
	return nil
}

func (d *redisDelivery) release() {
	if d.done != nil {
		d.done()
	}
}
