//go:build integration

package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startContainer runs req and returns host:port of its first exposed port.
func startContainer(t *testing.T, req testcontainers.ContainerRequest) string {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get container endpoint: %v", err)
	}
	return endpoint
}

func startRabbitMQ(t *testing.T) Config {
	t.Helper()
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
	})

	cfg := DefaultConfig()
	cfg.URL = "amqp://guest:guest@" + addr + "/"
	cfg.ReconnectDelay = 100 * time.Millisecond
	return cfg
}

func startRedis(t *testing.T) Config {
	t.Helper()
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	})

	cfg := DefaultConfig()
	cfg.Type = "redis"
	cfg.RedisAddr = addr
	cfg.RedisBlock = 200 * time.Millisecond
	cfg.ReconnectDelay = 100 * time.Millisecond
	return cfg
}

func publishAll(t *testing.T, ctx context.Context, p Publisher, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := p.Publish(ctx, DispatchMessage{EmailID: id}); err != nil {
			t.Fatalf("Publish %s: %v", id, err)
		}
	}
}

func receive(t *testing.T, ctx context.Context, deliveries <-chan Delivery) (Delivery, DispatchMessage) {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		msg, err := DecodeDispatch(d.Body())
		if err != nil {
			t.Fatalf("DecodeDispatch: %v", err)
		}
		return d, msg
	case <-ctx.Done():
		t.Fatal("timed out waiting for a delivery")
	}
	return nil, DispatchMessage{}
}

func expectNone(t *testing.T, deliveries <-chan Delivery, window time.Duration, why string) {
	t.Helper()
	select {
	case d := <-deliveries:
		t.Fatalf("unexpected delivery %s: %s", d.ID(), why)
	case <-time.After(window):
	}
}

func roundTrip(t *testing.T, b Broker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	publishAll(t, ctx, b, "e-1", "e-2", "e-3")

	deliveries, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	seen := map[string]int{}
	requeued := false
	for len(seen) < 3 || seen["e-2"] < 2 {
		d, msg := receive(t, ctx, deliveries)
		seen[msg.EmailID]++

		if msg.EmailID == "e-2" && !requeued {
			requeued = true
			if err := d.Nack(ctx, true); err != nil {
				t.Fatalf("Nack: %v", err)
			}
			continue
		}
		if err := d.Ack(ctx); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}

	if seen["e-1"] != 1 || seen["e-3"] != 1 {
		t.Errorf("expected e-1 and e-3 exactly once, got %v", seen)
	}
}

func TestAMQPBroker_RoundTrip(t *testing.T) {
	cfg := startRabbitMQ(t)

	b, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	roundTrip(t, b)

	stats, err := b.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if stats.Messages != 0 {
		t.Errorf("expected drained queue, got %d ready messages", stats.Messages)
	}
}

func TestAMQPBroker_TopologyDeclaredByBothSides(t *testing.T) {
	cfg := startRabbitMQ(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	scheduler := NewAMQPBroker(cfg, zerolog.Nop())
	defer scheduler.Close()
	worker := NewAMQPBroker(cfg, zerolog.Nop())
	defer worker.Close()

	// The worker declares first, then the scheduler declares the same
	// exchange, queue and binding again on its own connection.
	deliveries, err := worker.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	publishAll(t, ctx, scheduler, "e-1")

	d, msg := receive(t, ctx, deliveries)
	if msg.EmailID != "e-1" {
		t.Errorf("expected e-1, got %s", msg.EmailID)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	stats, err := scheduler.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if stats.Consumers != 1 {
		t.Errorf("expected 1 consumer on the shared queue, got %d", stats.Consumers)
	}
}

func TestAMQPBroker_ResubscribesAfterChannelClose(t *testing.T) {
	cfg := startRabbitMQ(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b := NewAMQPBroker(cfg, zerolog.Nop())
	defer b.Close()

	deliveries, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	publishAll(t, ctx, b, "before")
	d, _ := receive(t, ctx, deliveries)
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// A passive declare of a missing queue is a channel-level error: the
	// broker closes the consumer's channel under it.
	ch, err := b.con.channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if _, err := ch.QueueDeclarePassive("no-such-queue", true, false, false, false, nil); err == nil {
		t.Fatal("expected the passive declare to fail")
	}

	publishAll(t, ctx, b, "after")
	d, msg := receive(t, ctx, deliveries)
	if msg.EmailID != "after" {
		t.Errorf("expected the message published after the close, got %s", msg.EmailID)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack after resubscribe: %v", err)
	}
}

func TestAMQPBroker_PrefetchBoundsUnacked(t *testing.T) {
	cfg := startRabbitMQ(t)
	cfg.Prefetch = 2
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b := NewAMQPBroker(cfg, zerolog.Nop())
	defer b.Close()

	publishAll(t, ctx, b, "e-1", "e-2", "e-3", "e-4", "e-5")
	deliveries, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	first, _ := receive(t, ctx, deliveries)
	receive(t, ctx, deliveries)
	expectNone(t, deliveries, 500*time.Millisecond, "prefetch 2 is already held")

	if err := first.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	receive(t, ctx, deliveries)
}

func TestAMQPBroker_ThrottledPublishIsBackpressure(t *testing.T) {
	cfg := startRabbitMQ(t)
	ctx := context.Background()

	b := NewAMQPBroker(cfg, zerolog.Nop())
	defer b.Close()
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	b.pub.blocked.Store(true)
	if err := b.Publish(ctx, DispatchMessage{EmailID: "e-1"}); !errors.Is(err, ErrBackpressure) {
		t.Errorf("expected ErrBackpressure while the connection is blocked, got %v", err)
	}
	b.pub.blocked.Store(false)

	b.pub.flowPaused.Store(true)
	if err := b.Publish(ctx, DispatchMessage{EmailID: "e-1"}); !errors.Is(err, ErrBackpressure) {
		t.Errorf("expected ErrBackpressure while flow is paused, got %v", err)
	}
	b.pub.flowPaused.Store(false)

	if err := b.Publish(ctx, DispatchMessage{EmailID: "e-1"}); err != nil {
		t.Errorf("expected publish to succeed once unthrottled, got %v", err)
	}
}

func TestRedisBroker_RoundTrip(t *testing.T) {
	cfg := startRedis(t)

	b, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	roundTrip(t, b)
}

func TestRedisBroker_BackpressureAtMaxLen(t *testing.T) {
	cfg := startRedis(t)
	cfg.RedisMaxLen = 2

	b := NewRedisBroker(cfg, zerolog.Nop())
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := b.Publish(ctx, DispatchMessage{EmailID: fmt.Sprintf("e-%d", i)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if err := b.Publish(ctx, DispatchMessage{EmailID: "e-overflow"}); err != ErrBackpressure {
		t.Errorf("expected ErrBackpressure at capacity, got %v", err)
	}
}

func TestRedisBroker_ClaimsEntriesOfDeadConsumer(t *testing.T) {
	cfg := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deadCfg := cfg
	deadCfg.RedisConsumer = "worker-a"
	deadCfg.RedisClaimIdle = 0
	dead := NewRedisBroker(deadCfg, zerolog.Nop())
	defer dead.Close()

	publishAll(t, ctx, dead, "orphan")

	deadCtx, kill := context.WithCancel(ctx)
	deadDeliveries, err := dead.Consume(deadCtx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	held, _ := receive(t, ctx, deadDeliveries)
	// worker-a dies holding the entry unacknowledged.
	kill()

	liveCfg := cfg
	liveCfg.RedisConsumer = "worker-b"
	liveCfg.RedisClaimIdle = 500 * time.Millisecond
	live := NewRedisBroker(liveCfg, zerolog.Nop())
	defer live.Close()

	deliveries, err := live.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	d, msg := receive(t, ctx, deliveries)
	if msg.EmailID != "orphan" || d.ID() != held.ID() {
		t.Fatalf("expected the orphaned entry %s, got %s (%s)", held.ID(), d.ID(), msg.EmailID)
	}
	if !d.Redelivered() {
		t.Error("a claimed entry must be marked redelivered")
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	pending, err := live.client.XPending(ctx, live.stream(), live.group()).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("expected no pending entries after the ack, got %d", pending.Count)
	}
}

func TestRedisBroker_PrefetchBoundsUnacked(t *testing.T) {
	cfg := startRedis(t)
	cfg.Prefetch = 2
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b := NewRedisBroker(cfg, zerolog.Nop())
	defer b.Close()

	publishAll(t, ctx, b, "e-1", "e-2", "e-3", "e-4", "e-5")
	deliveries, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	first, _ := receive(t, ctx, deliveries)
	receive(t, ctx, deliveries)
	expectNone(t, deliveries, 500*time.Millisecond, "prefetch 2 is already held")

	pending, err := b.client.XPending(ctx, b.stream(), b.group()).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 2 {
		t.Errorf("expected 2 entries read from the stream, got %d", pending.Count)
	}

	if err := first.Nack(ctx, false); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	receive(t, ctx, deliveries)
}
