package broker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broker metrics for Prometheus monitoring.
var (
	PublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_published_total",
			Help: "Total number of dispatch messages published by result",
		},
		[]string{"backend", "result"}, // ok, backpressure, error
	)

	DeliveriesSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_deliveries_settled_total",
			Help: "Total number of deliveries settled by action",
		},
		[]string{"backend", "action"}, // ack, requeue, drop
	)

	ConsumerReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_consumer_reconnects_total",
			Help: "Total number of consumer re-subscriptions after a lost connection",
		},
		[]string{"backend"},
	)

	RedisClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_redis_claimed_total",
			Help: "Total number of stream entries claimed from idle consumers",
		},
	)
)

func observePublish(backend string, err error) {
	switch {
	case err == nil:
		PublishedTotal.WithLabelValues(backend, "ok").Inc()
	case errors.Is(err, ErrBackpressure):
		PublishedTotal.WithLabelValues(backend, "backpressure").Inc()
	default:
		PublishedTotal.WithLabelValues(backend, "error").Inc()
	}
}

func observeSettle(backend string, requeue, ack bool) {
	switch {
	case ack:
		DeliveriesSettledTotal.WithLabelValues(backend, "ack").Inc()
	case requeue:
		DeliveriesSettledTotal.WithLabelValues(backend, "requeue").Inc()
	default:
		DeliveriesSettledTotal.WithLabelValues(backend, "drop").Inc()
	}
}
