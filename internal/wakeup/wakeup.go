// Package wakeup publishes and consumes a best-effort "a job may be
// available" hint over RabbitMQ, so a waiting worker's poll loop can react
// faster than its poll interval without RabbitMQ being load-bearing: the
// scheduler is entirely Postgres-backed (internal/queue), and a worker that
// never sees a hint still finds the job on its next poll tick. Adapted from
// the teacher's shared/rabbitmq.Client publish/consume pair
// (internal/worker/consumer.go), stripped of per-message payload semantics
// since the hint carries no job identity.
package wakeup

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/valetsys/valetcore/shared/rabbitmq"
)

// Publisher emits wake hints. A nil *rabbitmq.Client makes every call a
// no-op, so callers don't need to branch on whether RabbitMQ is enabled.
type Publisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewPublisher wraps client (may be nil, see Publisher doc) for publishing
// wake hints.
func NewPublisher(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Hint publishes a single best-effort wake hint. Failures are logged, not
// returned: a dropped hint costs the waiting worker one poll interval of
// latency, never correctness, since Postgres remains the source of truth.
func (p *Publisher) Hint(ctx context.Context) {
	if p.client == nil {
		return
	}
	if err := p.client.Publish(ctx, []byte(`{"hint":"job_available"}`), "application/json"); err != nil {
		p.logger.Warn("wakeup: failed to publish hint", slog.Any("error", err))
	}
}

// Listener consumes wake hints to shorten a worker's idle wait. A nil
// *rabbitmq.Client makes Deliveries return a nil channel, which blocks
// forever in a select — exactly the behavior a poll-only fallback wants.
type Listener struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewListener wraps client (may be nil) for consuming wake hints.
func NewListener(client *rabbitmq.Client, logger *slog.Logger) *Listener {
	return &Listener{client: client, logger: logger}
}

// Deliveries starts consuming under consumerTag (typically the worker id)
// and returns the delivery channel, auto-acking every hint immediately
// since hints carry no work that could be lost on redelivery.
func (l *Listener) Deliveries(consumerTag string) (<-chan struct{}, error) {
	if l.client == nil {
		return nil, nil
	}
	deliveries, err := l.client.Consume(consumerTag)
	if err != nil {
		return nil, err
	}

	hints := make(chan struct{})
	go func() {
		defer close(hints)
		for d := range deliveries {
			ackDelivery(d, l.logger)
			select {
			case hints <- struct{}{}:
			default:
				// a hint already pending is as good as two; drop rather than block
			}
		}
	}()
	return hints, nil
}

func ackDelivery(d amqp.Delivery, logger *slog.Logger) {
	if err := d.Ack(false); err != nil {
		logger.Warn("wakeup: failed to ack hint delivery", slog.Any("error", err))
	}
}
