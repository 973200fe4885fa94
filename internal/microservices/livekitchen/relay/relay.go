// Package relay carries frames between instances over RabbitMQ. Every
// instance consumes from its own queue bound under its instance id on a
// direct exchange; a frame for a connection held elsewhere is published with
// the owner's id as routing key.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"live-kitchen/internal/common/logger"
	"live-kitchen/internal/common/metrics"
	"live-kitchen/internal/domain"
)

type Broker interface {
	DeclareDirectQueue(exchange, key string) (string, error)
	Publish(ctx context.Context, exchange, key string, body []byte, headers amqp.Table) error
	Consume(queue, consumer string, prefetch int) (<-chan amqp.Delivery, func(), error)
}

// Deliverer hands a frame to a connection held by this process.
type Deliverer interface {
	Deliver(connectionID string, env domain.Envelope) (bool, error)
}

type message struct {
	ConnectionID string          `json:"connection_id"`
	Envelope     domain.Envelope `json:"envelope"`
}

type Relay struct {
	broker     Broker
	exchange   string
	instanceID string
	prefetch   int
	log        *logger.Logger
}

func New(broker Broker, exchange, instanceID string) *Relay {
	return &Relay{
		broker:     broker,
		exchange:   exchange,
		instanceID: instanceID,
		prefetch:   64,
		log:        logger.New("relay").With(map[string]any{"instance_id": instanceID}),
	}
}

func (r *Relay) Publish(ctx context.Context, instanceID, connectionID string, env domain.Envelope) error {
	body, err := json.Marshal(message{ConnectionID: connectionID, Envelope: env})
	if err != nil {
		return fmt.Errorf("failed to marshal relay message: %w", err)
	}
	if err := r.broker.Publish(ctx, r.exchange, instanceID, body, amqp.Table{"x-source": r.instanceID}); err != nil {
		return fmt.Errorf("failed to publish relay message: %w", err)
	}
	return nil
}

// Run consumes this instance's queue until ctx is done or the delivery
// channel closes.
func (r *Relay) Run(ctx context.Context, hub Deliverer) error {
	queue, err := r.broker.DeclareDirectQueue(r.exchange, r.instanceID)
	if err != nil {
		return err
	}
	msgs, stop, err := r.broker.Consume(queue, "live-kitchen-"+r.instanceID, r.prefetch)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	defer stop()
	r.log.Info("relay_consuming", map[string]any{"queue": queue})

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("relay delivery channel closed")
			}
			// frames are best effort; a bad or stale one is dropped, never requeued
			if err := r.handle(hub, d.Body); err != nil {
				r.log.Warn("relay_message_dropped", map[string]any{"error": err.Error()})
			}
			_ = d.Ack(false)
		}
	}
}

var errNotHeld = errors.New("connection not held by this instance")

func (r *Relay) handle(hub Deliverer, body []byte) error {
	var m message
	if err := json.Unmarshal(body, &m); err != nil {
		return fmt.Errorf("failed to decode relay message: %w", err)
	}
	if m.ConnectionID == "" || m.Envelope.Event == "" {
		return errors.New("relay message without connection or event")
	}
	ok, err := hub.Deliver(m.ConnectionID, m.Envelope)
	switch {
	case !ok:
		metrics.EmissionsTotal.WithLabelValues(m.Envelope.Event, "undelivered").Inc()
		return fmt.Errorf("%w: %s", errNotHeld, m.ConnectionID)
	case err != nil:
		metrics.EmissionsTotal.WithLabelValues(m.Envelope.Event, "dropped").Inc()
		return err
	}
	metrics.EmissionsTotal.WithLabelValues(m.Envelope.Event, "local").Inc()
	return nil
}
